package notifications

import (
	"context"
	"encoding/json"
	"sync"

	"matcha/internal/api"
	"matcha/internal/channel"
	"matcha/pkg/logger"
)

// ChannelKey is the fixed logical channel of the process-wide
// notification feed.
const ChannelKey = "notifications"

// Feed is the REST side of the notification collaborator. *api.Client
// satisfies it.
type Feed interface {
	Notifications(ctx context.Context, unreadOnly bool) ([]api.Notification, error)
	MarkNotificationsRead(ctx context.Context, ids []int64) error
}

// Config wires the stream client.
type Config struct {
	Dial channel.DialFunc
	Feed Feed

	// OnUnread reports every unread-count change.
	OnUnread func(count int)

	// OnNotification delivers parsed feed entries; nil entries are
	// never delivered, unparseable frames still count as unread.
	OnNotification func(n api.Notification)
}

// StreamClient binds a ChannelConnection to the fixed notification key
// and keeps an unread counter. It counts inbound events without
// interpreting their payload beyond existence.
type StreamClient struct {
	cfg     Config
	manager *channel.Manager

	mu     sync.Mutex
	unread int
}

// NewStreamClient creates a disconnected stream client.
func NewStreamClient(cfg Config) *StreamClient {
	return &StreamClient{
		cfg:     cfg,
		manager: channel.NewManager(ChannelKey, cfg.Dial),
	}
}

// Connect opens the notification channel. Idempotent while connected.
func (s *StreamClient) Connect(ctx context.Context) error {
	_, err := s.manager.Open(ctx, ChannelKey, channel.Callbacks{
		OnFrame: s.onFrame,
		OnClose: func() {
			logger.LogChannelEvent("notification_stream_closed", ChannelKey, nil)
		},
		OnError: func(err error) {
			logger.WithError(err).Error("Notification stream transport error")
		},
	})
	return err
}

// Close releases the notification channel.
func (s *StreamClient) Close() {
	s.manager.Close()
}

// Unread returns the current unread count.
func (s *StreamClient) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Sync replaces the local unread count with the backend's.
func (s *StreamClient) Sync(ctx context.Context) error {
	list, err := s.cfg.Feed.Notifications(ctx, true)
	if err != nil {
		return err
	}
	s.setUnread(len(list))
	return nil
}

// MarkRead marks notifications read on the backend and drops them from
// the local count.
func (s *StreamClient) MarkRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.cfg.Feed.MarkNotificationsRead(ctx, ids); err != nil {
		return err
	}

	s.mu.Lock()
	s.unread -= len(ids)
	if s.unread < 0 {
		s.unread = 0
	}
	count := s.unread
	s.mu.Unlock()

	s.notifyUnread(count)
	return nil
}

func (s *StreamClient) onFrame(data []byte) {
	s.mu.Lock()
	s.unread++
	count := s.unread
	s.mu.Unlock()

	s.notifyUnread(count)

	if s.cfg.OnNotification == nil {
		return
	}
	var n api.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		logger.WithError(err).Debug("Unparseable notification frame, counted anyway")
		return
	}
	s.cfg.OnNotification(n)
}

func (s *StreamClient) setUnread(count int) {
	s.mu.Lock()
	s.unread = count
	s.mu.Unlock()
	s.notifyUnread(count)
}

func (s *StreamClient) notifyUnread(count int) {
	if s.cfg.OnUnread != nil {
		s.cfg.OnUnread(count)
	}
}
