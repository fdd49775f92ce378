package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handler for every accepted connection and returns the
// ws:// URL to dial.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoUntilClosed keeps the server side open until the client goes away.
func echoUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDialOpensConnection(t *testing.T) {
	url := wsServer(t, echoUntilClosed)

	opened := make(chan struct{}, 1)
	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{
		OnOpen: func() { opened <- struct{}{} },
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, Open, conn.State())
	assert.Equal(t, "42", conn.Key())
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpen was not invoked")
	}
}

func TestDialFailureGoesStraightToClosed(t *testing.T) {
	closed := make(chan struct{}, 1)
	_, err := Dial(context.Background(), "42", Options{
		URL:              "ws://127.0.0.1:1/nope",
		HandshakeTimeout: 200 * time.Millisecond,
	}, Callbacks{
		OnClose: func() { closed <- struct{}{} },
	})
	require.Error(t, err)

	// OnClose never fires for a connection that never opened
	select {
	case <-closed:
		t.Fatal("OnClose fired for a failed dial")
	case <-time.After(50 * time.Millisecond):
	}
}

// Frames arrive at OnFrame in the order the server sent them.
func TestFramesDeliveredInOrder(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for _, frame := range []string{"A", "B", "C"} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		echoUntilClosed(conn)
	})

	frames := make(chan string, 3)
	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{
		OnFrame: func(data []byte) { frames <- string(data) },
	})
	require.NoError(t, err)
	defer conn.Close()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestTransmitReachesServer(t *testing.T) {
	received := make(chan string, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		echoUntilClosed(conn)
	})

	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Transmit([]byte(`{"content":"hi"}`)))

	select {
	case data := <-received:
		assert.Equal(t, `{"content":"hi"}`, data)
	case <-time.After(time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestTransmitAfterCloseFails(t *testing.T) {
	url := wsServer(t, echoUntilClosed)

	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{})
	require.NoError(t, err)

	conn.Close()

	err = conn.Transmit([]byte("late"))
	var notConnected *NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, "42", notConnected.Key)
}

// Concurrent close triggers release the transport exactly once and
// OnClose fires exactly once.
func TestCloseIsIdempotent(t *testing.T) {
	url := wsServer(t, echoUntilClosed)

	var closes atomic.Int32
	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{
		OnClose: func() { closes.Add(1) },
	})
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			conn.Close()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	assert.Equal(t, Closed, conn.State())
	assert.Equal(t, int32(1), closes.Load())
}

// A server-side drop surfaces OnError then OnClose, and the state ends
// at Closed. No retry happens inside the component.
func TestTransportErrorClosesConnection(t *testing.T) {
	drop := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		<-drop
		// Abrupt close, no close handshake
		conn.UnderlyingConn().Close()
	})

	errs := make(chan error, 1)
	closed := make(chan struct{}, 1)
	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{
		OnError: func(err error) { errs <- err },
		OnClose: func() { closed <- struct{}{} },
	})
	require.NoError(t, err)

	close(drop)

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("OnError was not invoked")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose was not invoked")
	}
	assert.Equal(t, Closed, conn.State())
}

func TestGracefulServerCloseFiresOnCloseOnly(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	errs := make(chan error, 1)
	closed := make(chan struct{}, 1)
	conn, err := Dial(context.Background(), "42", Options{URL: url}, Callbacks{
		OnError: func(err error) { errs <- err },
		OnClose: func() { closed <- struct{}{} },
	})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose was not invoked")
	}
	select {
	case err := <-errs:
		t.Fatalf("OnError fired for a normal closure: %v", err)
	default:
	}
}
