package dateplan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"matcha/internal/api"
	"matcha/internal/events"
	"matcha/pkg/logger"
)

// Backend is the remote date-proposal collaborator. *api.Client
// satisfies it.
type Backend interface {
	SendDateInvite(ctx context.Context, conversationID int64) error
	DateInviteStatus(ctx context.Context, conversationID int64) (api.DateInviteState, error)
	RespondDateInvite(ctx context.Context, conversationID int64, accepted bool) error
	SubmitDatePreferences(ctx context.Context, conversationID int64, moments, activities []string) error
}

// ErrNotPending is returned by Respond when there is no pending
// proposal to answer.
var ErrNotPending = errors.New("no pending date proposal")

// ErrOwnProposal is returned by Respond when the local user tries to
// answer their own proposal.
var ErrOwnProposal = errors.New("cannot respond to own date proposal")

// Config wires a tracker to one conversation.
type Config struct {
	ChatID      int64
	LocalUserID int64
	Backend     Backend

	// OnStatus reports proposal lifecycle changes to the UI.
	OnStatus func(status events.DateInviteStatus)

	// OnResult delivers the preference-matching outcome message.
	OnResult func(message string)
}

// Tracker follows the lifecycle of the out-of-band date-scheduling
// handshake embedded in the chat stream. At most one active proposal
// exists per conversation; the remote collaborator is authoritative
// and the tracker reconciles against it on conflict.
type Tracker struct {
	cfg Config

	mu         sync.Mutex
	status     events.DateInviteStatus
	proposerID int64
}

// NewTracker creates a tracker with no active proposal.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		status: events.DateInviteNone,
	}
}

// Status returns the current proposal status.
func (t *Tracker) Status() events.DateInviteStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ProposerID returns who proposed, or 0 when no proposal is active.
func (t *Tracker) ProposerID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proposerID
}

// Propose sends a new date proposal. If the backend reports one already
// pending (two participants proposing near-simultaneously), the tracker
// reconciles by re-querying status instead of failing.
func (t *Tracker) Propose(ctx context.Context) error {
	err := t.cfg.Backend.SendDateInvite(ctx, t.cfg.ChatID)
	if err == nil {
		t.setStatus(events.DateInvitePending, t.cfg.LocalUserID)
		return nil
	}

	var pending *api.ProposalPendingError
	if errors.As(err, &pending) {
		logger.WithField("chat_id", t.cfg.ChatID).Info("Date proposal raced, reconciling with backend")
		return t.Reconcile(ctx)
	}

	return fmt.Errorf("propose date: %w", err)
}

// Respond accepts or declines the pending proposal. Valid only when a
// proposal is pending and the local user is not the proposer.
func (t *Tracker) Respond(ctx context.Context, accept bool) error {
	t.mu.Lock()
	switch {
	case t.status != events.DateInvitePending:
		t.mu.Unlock()
		return ErrNotPending
	case t.proposerID == t.cfg.LocalUserID:
		t.mu.Unlock()
		return ErrOwnProposal
	}
	t.mu.Unlock()

	if err := t.cfg.Backend.RespondDateInvite(ctx, t.cfg.ChatID, accept); err != nil {
		return fmt.Errorf("respond to date proposal: %w", err)
	}

	status := events.DateInviteDeclined
	if accept {
		status = events.DateInviteAccepted
	}
	t.setStatus(status, t.proposerIDSnapshot())
	return nil
}

// SubmitPreferences submits the local moment/activity picks. Valid only
// after both sides accepted; the matched outcome arrives later as a
// date_result stream event.
func (t *Tracker) SubmitPreferences(ctx context.Context, moments, activities []string) error {
	if t.Status() != events.DateInviteAccepted {
		return fmt.Errorf("date proposal not accepted yet")
	}
	return t.cfg.Backend.SubmitDatePreferences(ctx, t.cfg.ChatID, moments, activities)
}

// Reconcile replaces the local status with the backend's authoritative
// view.
func (t *Tracker) Reconcile(ctx context.Context) error {
	state, err := t.cfg.Backend.DateInviteStatus(ctx, t.cfg.ChatID)
	if err != nil {
		return fmt.Errorf("query date proposal status: %w", err)
	}
	t.setStatus(state.Status, state.ProposerID)
	return nil
}

// HandleInvite applies a proposal lifecycle event from the chat stream.
// Arrival order wins: this is the fallback derivation when no explicit
// status query has run.
func (t *Tracker) HandleInvite(evt *events.DateInviteEvent) {
	if evt == nil {
		return
	}
	t.setStatus(evt.Status, evt.SenderID)
}

// HandleResult delivers the preference-matching outcome.
func (t *Tracker) HandleResult(evt *events.DateResultEvent) {
	if evt == nil || t.cfg.OnResult == nil {
		return
	}
	t.cfg.OnResult(evt.Message)
}

func (t *Tracker) proposerIDSnapshot() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proposerID
}

func (t *Tracker) setStatus(status events.DateInviteStatus, proposerID int64) {
	t.mu.Lock()
	if status == events.DateInviteNone || status == "" {
		status = events.DateInviteNone
		proposerID = 0
	}
	changed := t.status != status
	t.status = status
	t.proposerID = proposerID
	t.mu.Unlock()

	if changed && t.cfg.OnStatus != nil {
		t.cfg.OnStatus(status)
	}
}
