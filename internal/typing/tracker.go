package typing

import (
	"sort"
	"sync"
	"time"

	"matcha/internal/events"
	"matcha/pkg/logger"
)

const defaultSilenceTimeout = 3 * time.Second

// EmitFunc broadcasts the local typing state to the conversation.
// Delivery is fire-and-forget; errors are logged, never surfaced.
type EmitFunc func(isTyping bool) error

// Tracker maintains the set of peers currently typing in one
// conversation and throttles the local outbound typing indicator.
// Outbound state is edge-triggered: a signal is emitted only on a
// false→true or true→false transition, or when the silence timeout
// clears a stale true. Per-keystroke callers can invoke SetTyping as
// often as they like without flooding the channel.
type Tracker struct {
	silence time.Duration
	emit    EmitFunc

	// onChange receives the current typing peer set after every change.
	onChange func(usernames []string)

	mu         sync.Mutex
	peers      map[string]bool
	selfTyping bool
	clearTimer *time.Timer
	stopped    bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSilenceTimeout overrides the 3s trailing auto-clear window.
func WithSilenceTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.silence = d
		}
	}
}

// WithOnChange registers the peer-set observer.
func WithOnChange(fn func(usernames []string)) Option {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// NewTracker creates a tracker emitting local state through emit.
func NewTracker(emit EmitFunc, opts ...Option) *Tracker {
	t := &Tracker{
		silence: defaultSilenceTimeout,
		emit:    emit,
		peers:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping records local keyboard activity. active=true arms (or
// re-arms) the silence timer; active=false clears immediately, which is
// what sending a message does.
func (t *Tracker) SetTyping(active bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	edge := t.selfTyping != active
	t.selfTyping = active

	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
	if active {
		t.clearTimer = time.AfterFunc(t.silence, t.silenceExpired)
	}
	t.mu.Unlock()

	if edge {
		t.send(active)
	}
}

// silenceExpired fires when the local user stopped typing without
// sending; it emits the trailing false.
func (t *Tracker) silenceExpired() {
	t.mu.Lock()
	if t.stopped || !t.selfTyping {
		t.mu.Unlock()
		return
	}
	t.selfTyping = false
	t.clearTimer = nil
	t.mu.Unlock()

	t.send(false)
}

func (t *Tracker) send(isTyping bool) {
	if t.emit == nil {
		return
	}
	if err := t.emit(isTyping); err != nil {
		logger.WithError(err).Warn("Failed to broadcast typing state")
	}
}

// HandleSignal upserts or deletes a peer's typing entry. Absence of an
// entry means not typing.
func (t *Tracker) HandleSignal(sig *events.TypingSignal) {
	if sig == nil || sig.Username == "" {
		return
	}

	t.mu.Lock()
	if sig.IsTyping {
		t.peers[sig.Username] = true
	} else {
		delete(t.peers, sig.Username)
	}
	users := t.typingUsersLocked()
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange(users)
	}
}

// TypingUsers returns the usernames currently typing, sorted.
func (t *Tracker) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingUsersLocked()
}

func (t *Tracker) typingUsersLocked() []string {
	users := make([]string, 0, len(t.peers))
	for name := range t.peers {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// Stop cancels the silence timer and emits a final false if the local
// user was still marked typing. Called on conversation teardown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	wasTyping := t.selfTyping
	t.selfTyping = false
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
	t.mu.Unlock()

	if wasTyping {
		t.send(false)
	}
}
