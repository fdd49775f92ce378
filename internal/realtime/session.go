package realtime

import (
	"context"
	"strconv"
	"sync"

	"matcha/internal/api"
	"matcha/internal/call"
	"matcha/internal/channel"
	"matcha/internal/dateplan"
	"matcha/internal/events"
	"matcha/internal/typing"
	"matcha/pkg/logger"

	"github.com/google/uuid"
)

// Callbacks are the hooks the UI layer registers on a session. All run
// on core goroutines and must not block.
type Callbacks struct {
	OnChatMessage         func(conversationID int64, msg events.ChatMessage)
	OnTypingUsersChanged  func(conversationID int64, usernames []string)
	OnCallPhaseChanged    func(phase call.Phase, peerUserID int64)
	OnDateProposalChanged func(status events.DateInviteStatus)
	OnDateResult          func(message string)

	// OnNotice surfaces recoverable failures (call rejected, media
	// unavailable, negotiation timeout) as dismissible notices.
	OnNotice func(err error)
}

// Session is the realtime view of one open conversation: the chat
// channel, the call signaling channel, and the trackers multiplexed on
// them. Opening a session for another conversation supersedes the
// channels of the previous one; closing the session releases them and
// forces any call session into teardown.
type Session struct {
	id   string
	core *Core
	conv api.Conversation
	cb   Callbacks

	chatConn   *channel.Connection
	signalConn *channel.Connection
	chatMux    *events.Multiplexer
	signalMux  *events.Multiplexer

	typing   *typing.Tracker
	call     *call.Coordinator
	dateplan *dateplan.Tracker

	closeOnce sync.Once
}

// OpenSession opens the realtime channels for a conversation and wires
// the dispatch graph. The previous session's channels, if any, are
// superseded by the managers.
func (c *Core) OpenSession(ctx context.Context, conv api.Conversation, cb Callbacks) (*Session, error) {
	s := &Session{
		id:   uuid.NewString(),
		core: c,
		conv: conv,
		cb:   cb,
	}

	s.typing = typing.NewTracker(
		s.emitTyping,
		typing.WithSilenceTimeout(c.cfg.Typing.SilenceTimeout),
		typing.WithOnChange(func(usernames []string) {
			if cb.OnTypingUsersChanged != nil {
				cb.OnTypingUsersChanged(conv.ID, usernames)
			}
		}),
	)

	s.dateplan = dateplan.NewTracker(dateplan.Config{
		ChatID:      conv.ID,
		LocalUserID: c.user.ID,
		Backend:     c.api,
		OnStatus:    cb.OnDateProposalChanged,
		OnResult:    cb.OnDateResult,
	})

	s.call = call.NewCoordinator(call.Config{
		ChatID:             conv.ID,
		LocalUserID:        c.user.ID,
		PeerUserID:         conv.OtherUserID,
		Media:              c.media,
		Send:               s.sendCallSignal,
		OnPhase:            cb.OnCallPhaseChanged,
		OnNotice:           cb.OnNotice,
		NegotiationTimeout: c.cfg.Call.NegotiationTimeout,
		ICEQueueLimit:      c.cfg.Call.ICEQueueLimit,
	})

	s.chatMux = events.NewMultiplexer(nil)
	s.chatMux.Register(events.KindChatMessage, s.onChatMessage)
	s.chatMux.Register(events.KindTyping, func(evt *events.Event) {
		s.typing.HandleSignal(evt.Typing)
	})
	s.chatMux.Register(events.KindDateInvite, func(evt *events.Event) {
		s.dateplan.HandleInvite(evt.DateInvite)
	})
	s.chatMux.Register(events.KindDateResult, func(evt *events.Event) {
		s.dateplan.HandleResult(evt.DateResult)
	})

	s.signalMux = events.NewMultiplexer(nil)
	s.signalMux.Register(events.KindCallSignal, func(evt *events.Event) {
		s.call.HandleSignal(evt.Call)
	})

	key := strconv.FormatInt(conv.ID, 10)

	chatConn, err := c.chatManager.Open(ctx, key, channel.Callbacks{
		OnFrame: func(data []byte) { s.chatMux.Dispatch(data) },
		OnClose: func() { s.typing.Stop() },
		OnError: s.onTransportError,
	})
	if err != nil {
		return nil, err
	}
	s.chatConn = chatConn

	signalConn, err := c.signalManager.Open(ctx, key, channel.Callbacks{
		OnFrame: func(data []byte) { s.signalMux.Dispatch(data) },
		// No call session survives its signaling channel
		OnClose: func() { s.call.Shutdown() },
		OnError: s.onTransportError,
	})
	if err != nil {
		c.chatManager.Close()
		return nil, err
	}
	s.signalConn = signalConn
	s.signalMux.Bind(signalConn)

	logger.LogChannelEvent("session_opened", key, map[string]interface{}{
		"session_id":    s.id,
		"other_user_id": conv.OtherUserID,
	})

	return s, nil
}

// ID returns the session's correlation id used in logs.
func (s *Session) ID() string {
	return s.id
}

// Conversation returns the conversation this session is bound to.
func (s *Session) Conversation() api.Conversation {
	return s.conv
}

// History fetches the conversation's message history, oldest first.
func (s *Session) History(ctx context.Context) ([]events.ChatMessage, error) {
	return s.core.api.Messages(ctx, s.conv.ID)
}

// SendMessage persists a message through the collaborator; the backend
// echoes it back on the chat channel. Sending clears the local typing
// state immediately.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	if err := s.core.api.SendMessage(ctx, s.core.user.ID, s.conv.ID, content); err != nil {
		return err
	}
	s.typing.SetTyping(false)
	return nil
}

// SetTyping records local keyboard activity; emission is edge-triggered
// with a trailing auto-clear, so per-keystroke calls are cheap.
func (s *Session) SetTyping(active bool) {
	s.typing.SetTyping(active)
}

// TypingUsers returns the peers currently typing.
func (s *Session) TypingUsers() []string {
	return s.typing.TypingUsers()
}

// StartCall rings the conversation peer.
func (s *Session) StartCall() error {
	return s.call.StartCall()
}

// AcceptCall answers an incoming ring.
func (s *Session) AcceptCall() error {
	return s.call.AcceptCall()
}

// RejectCall declines an incoming ring.
func (s *Session) RejectCall() error {
	return s.call.RejectCall()
}

// Hangup ends the call in any phase.
func (s *Session) Hangup() {
	s.call.Hangup()
}

// CallPhase returns the current call phase.
func (s *Session) CallPhase() call.Phase {
	return s.call.Phase()
}

// ProposeDate sends a date proposal, reconciling silently if one was
// already pending on the remote side.
func (s *Session) ProposeDate(ctx context.Context) error {
	return s.dateplan.Propose(ctx)
}

// RespondDate accepts or declines the peer's pending proposal.
func (s *Session) RespondDate(ctx context.Context, accept bool) error {
	return s.dateplan.Respond(ctx, accept)
}

// SubmitDatePreferences submits the local moment/activity picks.
func (s *Session) SubmitDatePreferences(ctx context.Context, moments, activities []string) error {
	return s.dateplan.SubmitPreferences(ctx, moments, activities)
}

// DateStatus returns the current proposal status.
func (s *Session) DateStatus() events.DateInviteStatus {
	return s.dateplan.Status()
}

// Close releases both channels; the channel OnClose hooks stop the
// typing tracker and force the call coordinator into teardown.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.chatConn.Close()
		s.signalConn.Close()
		logger.LogChannelEvent("session_closed", s.chatConn.Key(), map[string]interface{}{
			"session_id": s.id,
		})
	})
}

// emitTyping relays the local typing edge to the backend,
// fire-and-forget.
func (s *Session) emitTyping(isTyping bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.core.cfg.Server.RequestTimeout)
	defer cancel()
	return s.core.api.SendTyping(ctx, s.conv.ID, isTyping)
}

func (s *Session) sendCallSignal(sig *events.CallSignal) error {
	return s.signalMux.Send(events.NewCallSignal(sig))
}

func (s *Session) onChatMessage(evt *events.Event) {
	if s.cb.OnChatMessage != nil {
		s.cb.OnChatMessage(s.conv.ID, *evt.Chat)
	}
}

func (s *Session) onTransportError(err error) {
	logger.WithFields(map[string]interface{}{
		"session_id": s.id,
		"chat_id":    s.conv.ID,
		"error":      err.Error(),
	}).Error("Session channel transport error")
}
