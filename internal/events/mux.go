package events

import (
	"fmt"
	"sync"

	"matcha/pkg/logger"
)

// Handler receives one dispatched event. Handlers run synchronously on
// the dispatching goroutine and must not block.
type Handler func(evt *Event)

// Transmitter is the outbound half of a channel connection.
// *channel.Connection satisfies it.
type Transmitter interface {
	Transmit(data []byte) error
}

// Multiplexer demultiplexes inbound frames into typed events and routes
// them to registered handlers, and serializes outbound events to frames.
// Events are dispatched in frame arrival order; the multiplexer never
// reorders or coalesces.
type Multiplexer struct {
	mu          sync.RWMutex
	transmitter Transmitter
	handlers    map[Kind][]Handler
}

// NewMultiplexer creates a multiplexer bound to an outbound transmitter.
// A nil transmitter is valid for inbound-only streams, or when the
// connection is bound later with Bind.
func NewMultiplexer(t Transmitter) *Multiplexer {
	return &Multiplexer{
		transmitter: t,
		handlers:    make(map[Kind][]Handler),
	}
}

// Bind attaches the outbound connection. Used when the multiplexer must
// exist before its connection does, so inbound frames arriving during
// the handshake already have a dispatch target.
func (m *Multiplexer) Bind(t Transmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitter = t
}

// Register adds a handler for an event kind. Handlers for the same kind
// run in registration order.
func (m *Multiplexer) Register(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], h)
}

// Dispatch parses a raw frame and fans it out to the handlers registered
// for its kind. Malformed frames and unknown kinds are dropped with a
// logged warning, never an error: nothing may stall the dispatch loop.
func (m *Multiplexer) Dispatch(frame []byte) {
	evt, err := Decode(frame)
	if err != nil {
		logger.WithError(err).Warn("Dropping malformed frame")
		return
	}

	if evt.Kind == KindUnknown {
		logger.WithField("wire_tag", evt.WireTag()).Warn("Dropping frame of unknown kind")
		return
	}

	m.mu.RLock()
	handlers := m.handlers[evt.Kind]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		logger.WithField("kind", string(evt.Kind)).Debug("No handler registered for event kind")
		return
	}

	for _, h := range handlers {
		m.invoke(h, evt)
	}
}

// invoke shields the dispatch loop from handler panics.
func (m *Multiplexer) invoke(h Handler, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"kind":  string(evt.Kind),
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	h(evt)
}

// Send serializes an event and transmits it on the bound connection.
func (m *Multiplexer) Send(evt *Event) error {
	data, err := evt.Encode()
	if err != nil {
		return err
	}

	m.mu.RLock()
	t := m.transmitter
	m.mu.RUnlock()

	if t == nil {
		return fmt.Errorf("multiplexer has no bound connection")
	}
	return t.Transmit(data)
}
