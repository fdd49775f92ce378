package channel

import (
	"context"
	"sync"

	"matcha/pkg/logger"
)

// DialFunc opens a connection for a channel key. The realtime layer
// supplies one per purpose, closing over the URL pattern, credentials
// and transport options; callbacks come from the consumer at Open time.
type DialFunc func(ctx context.Context, key string, cb Callbacks) (*Connection, error)

// Manager enforces the one-connection-per-purpose rule: at most one live
// connection at a time, keyed by the logical channel key. Open is
// idempotent for the current key and supersedes a connection held for a
// different key.
type Manager struct {
	purpose string
	dial    DialFunc

	mu      sync.Mutex
	current *Connection
}

// NewManager creates a manager for one logical purpose (e.g. the chat
// stream, the call signaling stream, the notification feed).
func NewManager(purpose string, dial DialFunc) *Manager {
	return &Manager{
		purpose: purpose,
		dial:    dial,
	}
}

// Open returns a live connection for key. If one already exists for an
// equivalent key it is returned unchanged; a connection for a different
// key is closed first.
func (m *Manager) Open(ctx context.Context, key string, cb Callbacks) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.Key() == key && m.current.State() == Open {
			return m.current, nil
		}

		if m.current.Key() != key {
			logger.LogChannelEvent("channel_superseded", m.current.Key(), map[string]interface{}{
				"purpose": m.purpose,
				"new_key": key,
			})
		}
		m.current.Close()
		m.current = nil
	}

	conn, err := m.dial(ctx, key, cb)
	if err != nil {
		return nil, err
	}
	m.current = conn

	return conn, nil
}

// Current returns the live connection, or nil if none is open.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.State() != Open {
		return nil
	}
	return m.current
}

// Close releases the current connection, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
