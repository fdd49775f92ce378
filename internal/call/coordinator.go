package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"matcha/internal/events"
	"matcha/pkg/logger"
)

const defaultICEQueueLimit = 64

// Phase is the state of the call state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequesting
	PhaseIncomingRing
	PhaseNegotiating
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequesting:
		return "requesting"
	case PhaseIncomingRing:
		return "incoming_ring"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// ErrCallRejected is surfaced as a notice when the peer rejects a call
// request.
var ErrCallRejected = errors.New("call rejected by peer")

// ErrNegotiationTimeout is surfaced as a notice when call setup stalls
// past the configured deadline and the call is hung up automatically.
var ErrNegotiationTimeout = errors.New("call negotiation timed out")

// ErrCallInProgress is returned by StartCall when a call session already
// exists for the conversation.
var ErrCallInProgress = errors.New("a call is already in progress")

// Config wires one coordinator to its conversation.
type Config struct {
	ChatID      int64
	LocalUserID int64
	PeerUserID  int64

	Media MediaProvider

	// Send transmits a signal on the conversation's signaling channel.
	Send func(sig *events.CallSignal) error

	// OnPhase reports phase transitions to the UI.
	OnPhase func(phase Phase, peerUserID int64)

	// OnNotice surfaces recoverable call failures (rejection, media
	// errors, negotiation timeout) as dismissible notices.
	OnNotice func(err error)

	// NegotiationTimeout hangs up a call stuck before Active. Zero
	// disables the timer.
	NegotiationTimeout time.Duration

	// ICEQueueLimit bounds candidates buffered before the peer session
	// exists. Oldest entries are dropped past the limit.
	ICEQueueLimit int
}

// Coordinator is the state machine governing a peer-to-peer call for
// one conversation. The signaling transport is a shared per-conversation
// channel, not a private peer link, so every inbound signal is filtered
// by to_user_id before it reaches the machine.
type Coordinator struct {
	cfg Config

	mu         sync.Mutex
	phase      Phase
	peer       PeerSession
	pendingICE []json.RawMessage
	ended      bool
	negTimer   *time.Timer
}

// effects collects UI notifications gathered under the lock and run
// after it is released.
type effects struct {
	phases  []Phase
	notices []error
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.ICEQueueLimit <= 0 {
		cfg.ICEQueueLimit = defaultICEQueueLimit
	}
	return &Coordinator{
		cfg:   cfg,
		phase: PhaseIdle,
		ended: true,
	}
}

// Phase returns the current call phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) run(fn func(fx *effects)) {
	fx := &effects{}
	c.mu.Lock()
	fn(fx)
	c.mu.Unlock()

	for _, p := range fx.phases {
		if c.cfg.OnPhase != nil {
			c.cfg.OnPhase(p, c.cfg.PeerUserID)
		}
	}
	for _, n := range fx.notices {
		if c.cfg.OnNotice != nil {
			c.cfg.OnNotice(n)
		}
	}
}

func (c *Coordinator) setPhaseLocked(fx *effects, phase Phase) {
	if c.phase == phase {
		return
	}
	c.phase = phase
	fx.phases = append(fx.phases, phase)
}

// StartCall sends a call request to the peer. Valid only when idle.
func (c *Coordinator) StartCall() error {
	var startErr error
	c.run(func(fx *effects) {
		if c.phase != PhaseIdle {
			startErr = ErrCallInProgress
			return
		}
		c.ended = false
		c.pendingICE = nil
		c.setPhaseLocked(fx, PhaseRequesting)
		c.sendSignal(&events.CallSignal{
			Event:      events.CallRequest,
			FromUserID: c.cfg.LocalUserID,
			ToUserID:   c.cfg.PeerUserID,
		})
		logger.LogCallEvent("call_request_sent", c.cfg.ChatID, c.cfg.LocalUserID, c.cfg.PeerUserID, nil)
	})
	return startErr
}

// AcceptCall answers an incoming ring: acquires local media, sends the
// accepted response and awaits the caller's offer. A media failure
// tears the call down and surfaces MediaUnavailableError.
func (c *Coordinator) AcceptCall() error {
	var acceptErr error
	c.run(func(fx *effects) {
		if c.phase != PhaseIncomingRing {
			acceptErr = fmt.Errorf("accept invalid in phase %s", c.phase)
			return
		}

		if err := c.openPeerLocked(); err != nil {
			acceptErr = err
			fx.notices = append(fx.notices, err)
			c.teardownLocked(fx, true)
			return
		}

		c.setPhaseLocked(fx, PhaseNegotiating)
		c.armNegotiationTimerLocked()
		c.sendSignal(&events.CallSignal{
			Event:      events.CallResponse,
			Accepted:   true,
			FromUserID: c.cfg.LocalUserID,
			ToUserID:   c.cfg.PeerUserID,
		})
		logger.LogCallEvent("call_accepted", c.cfg.ChatID, c.cfg.LocalUserID, c.cfg.PeerUserID, nil)
	})
	return acceptErr
}

// RejectCall declines an incoming ring.
func (c *Coordinator) RejectCall() error {
	var rejectErr error
	c.run(func(fx *effects) {
		if c.phase != PhaseIncomingRing {
			rejectErr = fmt.Errorf("reject invalid in phase %s", c.phase)
			return
		}
		c.ended = true
		c.setPhaseLocked(fx, PhaseIdle)
		c.sendSignal(&events.CallSignal{
			Event:      events.CallResponse,
			Accepted:   false,
			FromUserID: c.cfg.LocalUserID,
			ToUserID:   c.cfg.PeerUserID,
		})
		logger.LogCallEvent("call_rejected", c.cfg.ChatID, c.cfg.LocalUserID, c.cfg.PeerUserID, nil)
	})
	return rejectErr
}

// Hangup ends the call from any non-idle phase, releasing local media
// and sending at most one cancel.
func (c *Coordinator) Hangup() {
	c.run(func(fx *effects) {
		if c.phase == PhaseIdle {
			return
		}
		c.teardownLocked(fx, true)
	})
}

// Shutdown forces the session into Ending without sending a cancel,
// used when the signaling channel itself is being torn down. No
// orphaned session survives a closed channel.
func (c *Coordinator) Shutdown() {
	c.run(func(fx *effects) {
		if c.phase == PhaseIdle {
			return
		}
		c.teardownLocked(fx, false)
	})
}

// HandleSignal processes one inbound signaling event. Signals addressed
// to another user are discarded unprocessed.
func (c *Coordinator) HandleSignal(sig *events.CallSignal) {
	if sig == nil || sig.ToUserID != c.cfg.LocalUserID {
		return
	}

	c.run(func(fx *effects) {
		switch sig.Event {
		case events.CallRequest:
			c.handleRequestLocked(fx, sig)
		case events.CallResponse:
			c.handleResponseLocked(fx, sig)
		case events.CallOffer:
			c.handleOfferLocked(fx, sig)
		case events.CallAnswer:
			c.handleAnswerLocked(fx, sig)
		case events.CallICE:
			c.handleICELocked(sig)
		case events.CallCancel:
			c.handleCancelLocked(fx)
		default:
			logger.LogCallEvent("call_signal_unknown", c.cfg.ChatID, sig.FromUserID, sig.ToUserID,
				map[string]interface{}{"event": string(sig.Event)})
		}
	})
}

func (c *Coordinator) handleRequestLocked(fx *effects, sig *events.CallSignal) {
	if c.phase != PhaseIdle {
		logger.LogCallEvent("call_request_ignored_busy", c.cfg.ChatID, sig.FromUserID, sig.ToUserID,
			map[string]interface{}{"phase": c.phase.String()})
		return
	}
	c.ended = false
	c.pendingICE = nil
	c.setPhaseLocked(fx, PhaseIncomingRing)
	logger.LogCallEvent("call_request_received", c.cfg.ChatID, sig.FromUserID, sig.ToUserID, nil)
}

func (c *Coordinator) handleResponseLocked(fx *effects, sig *events.CallSignal) {
	if !sig.Accepted {
		switch c.phase {
		case PhaseRequesting:
			fx.notices = append(fx.notices, ErrCallRejected)
			c.ended = true
			c.setPhaseLocked(fx, PhaseIdle)
		case PhaseNegotiating:
			// Peer gave up before the offer landed
			c.teardownLocked(fx, false)
		}
		return
	}

	if c.phase != PhaseRequesting {
		return
	}

	// Caller side: acquire media, create and send the offer
	if err := c.openPeerLocked(); err != nil {
		fx.notices = append(fx.notices, err)
		c.teardownLocked(fx, true)
		return
	}

	offer, err := c.peer.CreateOffer()
	if err != nil {
		fx.notices = append(fx.notices, &MediaUnavailableError{Err: err})
		c.teardownLocked(fx, true)
		return
	}

	c.setPhaseLocked(fx, PhaseNegotiating)
	c.armNegotiationTimerLocked()
	c.sendSignal(&events.CallSignal{
		Event:      events.CallOffer,
		FromUserID: c.cfg.LocalUserID,
		ToUserID:   c.cfg.PeerUserID,
		Offer:      offer,
	})
	logger.LogCallEvent("offer_sent", c.cfg.ChatID, c.cfg.LocalUserID, c.cfg.PeerUserID, nil)
}

func (c *Coordinator) handleOfferLocked(fx *effects, sig *events.CallSignal) {
	if c.phase != PhaseNegotiating {
		logger.LogCallEvent("offer_ignored", c.cfg.ChatID, sig.FromUserID, sig.ToUserID,
			map[string]interface{}{"phase": c.phase.String()})
		return
	}

	if c.peer == nil {
		if err := c.openPeerLocked(); err != nil {
			fx.notices = append(fx.notices, err)
			c.teardownLocked(fx, true)
			return
		}
	}

	if err := c.peer.SetRemoteDescription(sig.Offer); err != nil {
		fx.notices = append(fx.notices, &MediaUnavailableError{Err: err})
		c.teardownLocked(fx, true)
		return
	}

	answer, err := c.peer.CreateAnswer()
	if err != nil {
		fx.notices = append(fx.notices, &MediaUnavailableError{Err: err})
		c.teardownLocked(fx, true)
		return
	}

	c.sendSignal(&events.CallSignal{
		Event:      events.CallAnswer,
		FromUserID: c.cfg.LocalUserID,
		ToUserID:   sig.FromUserID,
		Answer:     answer,
	})

	// The answer completes the callee's side of the exchange; only the
	// caller ever receives an answer back, so the stall timer stops here.
	c.stopNegotiationTimerLocked()
	logger.LogCallEvent("answer_sent", c.cfg.ChatID, c.cfg.LocalUserID, sig.FromUserID, nil)
}

func (c *Coordinator) handleAnswerLocked(fx *effects, sig *events.CallSignal) {
	if c.phase != PhaseNegotiating || c.peer == nil {
		return
	}

	if err := c.peer.SetRemoteDescription(sig.Answer); err != nil {
		fx.notices = append(fx.notices, &MediaUnavailableError{Err: err})
		c.teardownLocked(fx, true)
		return
	}

	c.stopNegotiationTimerLocked()
	c.setPhaseLocked(fx, PhaseActive)
	logger.LogCallEvent("call_active", c.cfg.ChatID, sig.FromUserID, sig.ToUserID, nil)
}

// handleICELocked applies a candidate, or buffers it FIFO when the peer
// session does not exist yet. Candidates legitimately arrive before
// offer/answer completes the session object.
func (c *Coordinator) handleICELocked(sig *events.CallSignal) {
	if c.peer != nil {
		if err := c.peer.AddICECandidate(sig.Candidate); err != nil {
			logger.WithError(err).Warn("Failed to apply ICE candidate")
		}
		return
	}

	if len(c.pendingICE) >= c.cfg.ICEQueueLimit {
		c.pendingICE = c.pendingICE[1:]
		logger.LogCallEvent("ice_queue_overflow", c.cfg.ChatID, sig.FromUserID, sig.ToUserID,
			map[string]interface{}{"limit": c.cfg.ICEQueueLimit})
	}
	c.pendingICE = append(c.pendingICE, sig.Candidate)
}

func (c *Coordinator) handleCancelLocked(fx *effects) {
	if c.ended {
		// Already torn down locally; answering would echo cancels
		// between the peers forever.
		return
	}
	c.teardownLocked(fx, false)
	logger.LogCallEvent("call_cancelled_by_peer", c.cfg.ChatID, c.cfg.PeerUserID, c.cfg.LocalUserID, nil)
}

// openPeerLocked acquires local media, creates the peer session and
// flushes any buffered ICE candidates in arrival order.
func (c *Coordinator) openPeerLocked() error {
	peer, err := c.cfg.Media.OpenSession(c.onLocalICE)
	if err != nil {
		return &MediaUnavailableError{Err: err}
	}
	c.peer = peer

	for _, candidate := range c.pendingICE {
		if err := peer.AddICECandidate(candidate); err != nil {
			logger.WithError(err).Warn("Failed to apply buffered ICE candidate")
		}
	}
	c.pendingICE = nil

	return nil
}

// onLocalICE relays a locally gathered candidate to the peer.
func (c *Coordinator) onLocalICE(candidate json.RawMessage) {
	c.sendSignal(&events.CallSignal{
		Event:      events.CallICE,
		FromUserID: c.cfg.LocalUserID,
		ToUserID:   c.cfg.PeerUserID,
		Candidate:  candidate,
	})
}

// teardownLocked releases media, closes the peer session and settles
// back to Idle via Ending. The ended guard makes the whole teardown,
// including the outbound cancel, one-shot per call session, so two
// simultaneous hangups cannot echo cancels back and forth.
func (c *Coordinator) teardownLocked(fx *effects, sendCancel bool) {
	if c.ended {
		return
	}
	c.ended = true
	c.stopNegotiationTimerLocked()

	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close peer session")
		}
		c.peer = nil
	}
	c.pendingICE = nil

	c.setPhaseLocked(fx, PhaseEnding)

	if sendCancel {
		c.sendSignal(&events.CallSignal{
			Event:      events.CallCancel,
			FromUserID: c.cfg.LocalUserID,
			ToUserID:   c.cfg.PeerUserID,
		})
	}

	c.setPhaseLocked(fx, PhaseIdle)
	logger.LogCallEvent("call_ended", c.cfg.ChatID, c.cfg.LocalUserID, c.cfg.PeerUserID,
		map[string]interface{}{"cancel_sent": sendCancel})
}

func (c *Coordinator) armNegotiationTimerLocked() {
	if c.cfg.NegotiationTimeout <= 0 {
		return
	}
	c.stopNegotiationTimerLocked()
	c.negTimer = time.AfterFunc(c.cfg.NegotiationTimeout, c.negotiationExpired)
}

func (c *Coordinator) stopNegotiationTimerLocked() {
	if c.negTimer != nil {
		c.negTimer.Stop()
		c.negTimer = nil
	}
}

func (c *Coordinator) negotiationExpired() {
	c.run(func(fx *effects) {
		if c.phase != PhaseNegotiating {
			return
		}
		fx.notices = append(fx.notices, ErrNegotiationTimeout)
		c.teardownLocked(fx, true)
	})
}

// sendSignal transmits a signal, logging rather than surfacing
// transport errors: a failed send means the channel is closing and the
// session will be shut down with it.
func (c *Coordinator) sendSignal(sig *events.CallSignal) {
	if c.cfg.Send == nil {
		return
	}
	if err := c.cfg.Send(sig); err != nil {
		logger.WithFields(map[string]interface{}{
			"event":   string(sig.Event),
			"chat_id": c.cfg.ChatID,
			"error":   err.Error(),
		}).Warn("Failed to send call signal")
	}
}
