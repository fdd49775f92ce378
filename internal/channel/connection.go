package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"matcha/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from the server
	defaultMaxMessageSize = 1024 * 1024 // 1MB

	// Buffer size for the outbound send channel
	defaultSendBufferSize = 256
)

// State is the lifecycle state of a connection.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotConnectedError is returned when a send is attempted on a channel
// that is not open. Recoverable by re-opening the channel.
type NotConnectedError struct {
	Key   string
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("channel %q is not connected (state %s)", e.Key, e.State)
}

// Callbacks are the hooks a consumer registers on a connection. OnFrame
// is invoked from the read pump goroutine, one frame at a time, in
// arrival order. OnClose fires exactly once per opened connection.
// OnError fires before OnClose on transport failure.
type Callbacks struct {
	OnFrame func(data []byte)
	OnOpen  func()
	OnClose func()
	OnError func(err error)
}

// Options configure the transport for one connection.
type Options struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
}

func (o *Options) applyDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufferSize
	}
}

// Connection owns one persistent bidirectional connection to a named
// logical channel. Transport errors move the connection to Closed; it is
// never retried internally, reconnecting is the caller's concern.
type Connection struct {
	key       string
	opts      Options
	callbacks Callbacks

	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	state atomic.Int32

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a connection to a logical channel. On handshake failure the
// connection goes straight to Closed and the error is returned; OnClose
// does not fire for a connection that never opened.
func Dial(ctx context.Context, key string, opts Options, cb Callbacks) (*Connection, error) {
	opts.applyDefaults()

	c := &Connection{
		key:       key,
		opts:      opts,
		callbacks: cb,
		send:      make(chan []byte, opts.SendBufferSize),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(Connecting))

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		c.state.Store(int32(Closed))
		return nil, fmt.Errorf("dial channel %q: %w", key, err)
	}
	c.conn = conn
	c.state.Store(int32(Open))

	logger.LogChannelEvent("channel_opened", key, map[string]interface{}{
		"url": opts.URL,
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}

	return c, nil
}

// Key returns the logical channel key.
func (c *Connection) Key() string {
	return c.key
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Transmit queues a frame for delivery. Fails with NotConnectedError if
// the channel is not open.
func (c *Connection) Transmit(data []byte) error {
	if s := c.State(); s != Open {
		return &NotConnectedError{Key: c.key, State: s}
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Send buffer full: the write side is stuck, drop the link
		c.teardown(fmt.Errorf("channel %q send buffer full", c.key))
		return &NotConnectedError{Key: c.key, State: c.State()}
	}
}

// Close releases the underlying transport. Safe to call from multiple
// goroutines and multiple times; the transport is released exactly once.
func (c *Connection) Close() error {
	c.teardown(nil)
	return nil
}

// teardown moves the connection to Closed, releasing the transport
// exactly once. err is nil for a local close and non-nil for a
// transport failure, in which case OnError fires before OnClose.
func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		close(c.done)

		if err == nil {
			// Best effort close handshake
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.conn.Close()
		c.state.Store(int32(Closed))

		if err != nil {
			logger.WithFields(map[string]interface{}{
				"channel_key": c.key,
				"error":       err.Error(),
			}).Error("Channel transport error")
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
		} else {
			logger.LogChannelEvent("channel_closed", c.key, nil)
		}

		if c.callbacks.OnClose != nil {
			c.callbacks.OnClose()
		}
	})
}

// readPump reads frames from the transport and hands them to OnFrame in
// arrival order. It owns inbound dispatch for the connection: once the
// pump exits, no further frames are delivered.
func (c *Connection) readPump() {
	defer c.wg.Done()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Local close already in progress
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.teardown(nil)
				} else {
					c.teardown(err)
				}
			}
			return
		}

		if c.callbacks.OnFrame != nil {
			c.callbacks.OnFrame(message)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with
// periodic pings.
func (c *Connection) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.teardown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(err)
				return
			}

		case <-c.done:
			return
		}
	}
}
