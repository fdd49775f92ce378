package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"matcha/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	localUser int64 = 1
	peerUser  int64 = 2
	chatID    int64 = 42
)

type fakePeerSession struct {
	mu          sync.Mutex
	candidates  []string
	remoteDescs []string
	closed      int
	offerErr    error
	answerErr   error
}

func (p *fakePeerSession) CreateOffer() (json.RawMessage, error) {
	if p.offerErr != nil {
		return nil, p.offerErr
	}
	return json.RawMessage(`{"sdp":"offer"}`), nil
}

func (p *fakePeerSession) CreateAnswer() (json.RawMessage, error) {
	if p.answerErr != nil {
		return nil, p.answerErr
	}
	return json.RawMessage(`{"sdp":"answer"}`), nil
}

func (p *fakePeerSession) SetRemoteDescription(desc json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, string(desc))
	return nil
}

func (p *fakePeerSession) AddICECandidate(candidate json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, string(candidate))
	return nil
}

func (p *fakePeerSession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeMediaProvider struct {
	err     error
	session *fakePeerSession
}

func (m *fakeMediaProvider) OpenSession(onICE func(candidate json.RawMessage)) (PeerSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.session == nil {
		m.session = &fakePeerSession{}
	}
	return m.session, nil
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []*events.CallSignal
}

func (r *signalRecorder) send(sig *events.CallSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil
}

func (r *signalRecorder) ofKind(kind events.CallKind) []*events.CallSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.CallSignal
	for _, sig := range r.signals {
		if sig.Event == kind {
			out = append(out, sig)
		}
	}
	return out
}

type testHarness struct {
	coord   *Coordinator
	media   *fakeMediaProvider
	sent    *signalRecorder
	notices *noticeRecorder
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []error
}

func (n *noticeRecorder) add(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, err)
}

func (n *noticeRecorder) has(target error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, err := range n.notices {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *testHarness {
	t.Helper()
	h := &testHarness{
		media:   &fakeMediaProvider{},
		sent:    &signalRecorder{},
		notices: &noticeRecorder{},
	}
	cfg := Config{
		ChatID:        chatID,
		LocalUserID:   localUser,
		PeerUserID:    peerUser,
		Media:         h.media,
		Send:          h.sent.send,
		OnNotice:      h.notices.add,
		ICEQueueLimit: 64,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord = NewCoordinator(cfg)
	return h
}

func inboundSignal(kind events.CallKind, mutate func(sig *events.CallSignal)) *events.CallSignal {
	sig := &events.CallSignal{
		Event:      kind,
		FromUserID: peerUser,
		ToUserID:   localUser,
	}
	if mutate != nil {
		mutate(sig)
	}
	return sig
}

func TestCallerHandshake(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.StartCall())
	assert.Equal(t, PhaseRequesting, h.coord.Phase())

	requests := h.sent.ofKind(events.CallRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, localUser, requests[0].FromUserID)
	assert.Equal(t, peerUser, requests[0].ToUserID)

	// Peer accepts: media is acquired, an offer goes out
	h.coord.HandleSignal(inboundSignal(events.CallResponse, func(sig *events.CallSignal) {
		sig.Accepted = true
	}))
	assert.Equal(t, PhaseNegotiating, h.coord.Phase())
	require.NotNil(t, h.media.session)
	require.Len(t, h.sent.ofKind(events.CallOffer), 1)

	// Peer answers: remote description is applied, call goes active
	h.coord.HandleSignal(inboundSignal(events.CallAnswer, func(sig *events.CallSignal) {
		sig.Answer = json.RawMessage(`{"sdp":"answer"}`)
	}))
	assert.Equal(t, PhaseActive, h.coord.Phase())
	assert.Equal(t, []string{`{"sdp":"answer"}`}, h.media.session.remoteDescs)
}

func TestCalleeHandshake(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	assert.Equal(t, PhaseIncomingRing, h.coord.Phase())

	require.NoError(t, h.coord.AcceptCall())
	assert.Equal(t, PhaseNegotiating, h.coord.Phase())

	responses := h.sent.ofKind(events.CallResponse)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Accepted)

	h.coord.HandleSignal(inboundSignal(events.CallOffer, func(sig *events.CallSignal) {
		sig.Offer = json.RawMessage(`{"sdp":"offer"}`)
	}))
	assert.Equal(t, PhaseNegotiating, h.coord.Phase())
	assert.Equal(t, []string{`{"sdp":"offer"}`}, h.media.session.remoteDescs)
	require.Len(t, h.sent.ofKind(events.CallAnswer), 1)
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	require.NoError(t, h.coord.RejectCall())

	assert.Equal(t, PhaseIdle, h.coord.Phase())
	responses := h.sent.ofKind(events.CallResponse)
	require.Len(t, responses, 1)
	assert.False(t, responses[0].Accepted)
}

func TestRejectionNoticeOnCallerSide(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.StartCall())
	h.coord.HandleSignal(inboundSignal(events.CallResponse, nil))

	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.True(t, h.notices.has(ErrCallRejected))
	assert.Empty(t, h.sent.ofKind(events.CallCancel))
}

// Signals addressed to another user leave the machine untouched.
func TestInboundSignalsAreFilteredByRecipient(t *testing.T) {
	h := newHarness(t, nil)

	for _, kind := range []events.CallKind{
		events.CallRequest, events.CallResponse, events.CallOffer,
		events.CallAnswer, events.CallICE, events.CallCancel,
	} {
		h.coord.HandleSignal(&events.CallSignal{
			Event:      kind,
			FromUserID: peerUser,
			ToUserID:   999,
			Accepted:   true,
		})
	}

	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.Empty(t, h.sent.signals)
	assert.Nil(t, h.media.session)
}

// Both ends hanging up in the same tick transmit at most one cancel
// per peer: the local teardown guard swallows the echo.
func TestOneShotCancel(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.StartCall())
	h.coord.HandleSignal(inboundSignal(events.CallResponse, func(sig *events.CallSignal) {
		sig.Accepted = true
	}))

	h.coord.Hangup()
	h.coord.HandleSignal(inboundSignal(events.CallCancel, nil))
	h.coord.Hangup()

	assert.Len(t, h.sent.ofKind(events.CallCancel), 1)
	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.Equal(t, 1, h.media.session.closed)
}

func TestPeerCancelSendsNothingBack(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	h.coord.HandleSignal(inboundSignal(events.CallCancel, nil))

	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.Empty(t, h.sent.ofKind(events.CallCancel))
}

// Candidates arriving before the peer session exists are buffered and
// flushed in original arrival order once it does.
func TestPendingICEFlushedInOrder(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	for i := 0; i < 3; i++ {
		idx := i
		h.coord.HandleSignal(inboundSignal(events.CallICE, func(sig *events.CallSignal) {
			sig.Candidate = json.RawMessage(fmt.Sprintf(`{"n":%d}`, idx))
		}))
	}

	require.NoError(t, h.coord.AcceptCall())

	require.NotNil(t, h.media.session)
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, h.media.session.candidates)
}

func TestICEAppliedDirectlyOnceSessionExists(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	require.NoError(t, h.coord.AcceptCall())

	h.coord.HandleSignal(inboundSignal(events.CallICE, func(sig *events.CallSignal) {
		sig.Candidate = json.RawMessage(`{"n":9}`)
	}))

	assert.Equal(t, []string{`{"n":9}`}, h.media.session.candidates)
}

func TestICEQueueDropsOldestPastLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ICEQueueLimit = 2
	})

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	for i := 0; i < 3; i++ {
		idx := i
		h.coord.HandleSignal(inboundSignal(events.CallICE, func(sig *events.CallSignal) {
			sig.Candidate = json.RawMessage(fmt.Sprintf(`{"n":%d}`, idx))
		}))
	}

	require.NoError(t, h.coord.AcceptCall())
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, h.media.session.candidates)
}

func TestMediaFailureTerminatesCall(t *testing.T) {
	h := newHarness(t, nil)
	h.media.err = errors.New("permission denied")

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	err := h.coord.AcceptCall()

	var mediaErr *MediaUnavailableError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.Len(t, h.sent.ofKind(events.CallCancel), 1)
	// No half-open response leaks out
	assert.Empty(t, h.sent.ofKind(events.CallResponse))
}

func TestNegotiationTimeoutAutoHangsUp(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.NegotiationTimeout = 20 * time.Millisecond
	})

	require.NoError(t, h.coord.StartCall())
	h.coord.HandleSignal(inboundSignal(events.CallResponse, func(sig *events.CallSignal) {
		sig.Accepted = true
	}))
	require.Equal(t, PhaseNegotiating, h.coord.Phase())

	require.Eventually(t, func() bool {
		return h.coord.Phase() == PhaseIdle
	}, time.Second, 5*time.Millisecond)

	assert.True(t, h.notices.has(ErrNegotiationTimeout))
	assert.Len(t, h.sent.ofKind(events.CallCancel), 1)
}

func TestStartCallWhileBusy(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.StartCall())
	assert.ErrorIs(t, h.coord.StartCall(), ErrCallInProgress)
}

func TestIncomingRequestWhileBusyIgnored(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.StartCall())
	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))

	assert.Equal(t, PhaseRequesting, h.coord.Phase())
}

// Channel teardown forces the session into Ending without a cancel.
func TestShutdownReleasesSessionSilently(t *testing.T) {
	h := newHarness(t, nil)

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	require.NoError(t, h.coord.AcceptCall())

	h.coord.Shutdown()

	assert.Equal(t, PhaseIdle, h.coord.Phase())
	assert.Equal(t, 1, h.media.session.closed)
	assert.Empty(t, h.sent.ofKind(events.CallCancel))
}

func TestPhaseTransitionsReported(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase
	h := newHarness(t, func(cfg *Config) {
		cfg.OnPhase = func(phase Phase, peerUserID int64) {
			mu.Lock()
			defer mu.Unlock()
			phases = append(phases, phase)
		}
	})

	h.coord.HandleSignal(inboundSignal(events.CallRequest, nil))
	require.NoError(t, h.coord.AcceptCall())
	h.coord.Hangup()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseIncomingRing, PhaseNegotiating, PhaseEnding, PhaseIdle}, phases)
}
