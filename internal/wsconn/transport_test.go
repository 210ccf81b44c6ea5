package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hiestaa/RLViz/internal/eventloop"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer accepts WebSocket connections and lets the test script them.
type mockServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string

	mu       sync.Mutex
	accepted int
	frames   []string
	onConn   func(n int, conn *websocket.Conn)
}

func newMockServer(t *testing.T, token string, onConn func(n int, conn *websocket.Conn)) *mockServer {
	t.Helper()
	m := &mockServer{
		token:  token,
		onConn: onConn,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/subscribe/train"
}

func (m *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.accepted++
	n := m.accepted
	m.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.frames = append(m.frames, string(data))
			m.mu.Unlock()
		}
	}()
	m.onConn(n, conn)
}

func (m *mockServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *mockServer) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

// chanHandler forwards manager events to channels.
type chanHandler struct {
	opened      chan Conn
	messages    chan *protocol.Message
	interrupted chan int
	fatal       chan error
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		opened:      make(chan Conn, 10),
		messages:    make(chan *protocol.Message, 10),
		interrupted: make(chan int, 10),
		fatal:       make(chan error, 10),
	}
}

func (h *chanHandler) OnOpen(conn Conn)                { h.opened <- conn }
func (h *chanHandler) OnMessage(msg *protocol.Message) { h.messages <- msg }
func (h *chanHandler) OnInterrupted(code int)          { h.interrupted <- code }
func (h *chanHandler) OnFatal(err error)               { h.fatal <- err }

func startManager(t *testing.T, url, token string, h Handler) (*eventloop.Loop, *Manager) {
	t.Helper()
	log := zerolog.Nop()
	loop := eventloop.New(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	m := NewManager(url, NewWebSocketTransport(token, log), loop, h, nil, log)
	var connectErr error
	require.NoError(t, loop.Do(ctx, func() { connectErr = m.Connect() }))
	require.NoError(t, connectErr)
	return loop, m
}

func waitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("timed out after %v", timeout)
		return zero
	}
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	srv := newMockServer(t, "", func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"route":"success","message":"hello"}`))
	})
	h := newChanHandler()
	loop, m := startManager(t, srv.URL(), "", h)

	waitFor(t, h.opened, 5*time.Second)
	msg := waitFor(t, h.messages, 5*time.Second)
	assert.Equal(t, protocol.RouteSuccess, msg.Route)

	var sendErr error
	require.NoError(t, loop.Do(context.Background(), func() {
		sendErr = m.Send(protocol.NewRemoveInspectorCommand(4))
	}))
	require.NoError(t, sendErr)

	assert.Eventually(t, func() bool { return len(srv.Frames()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"command":"removeInspector","uid":4}`, srv.Frames()[0])
}

func TestWebSocketTransport_ReconnectsAfterDrop(t *testing.T) {
	srv := newMockServer(t, "", func(n int, conn *websocket.Conn) {
		if n == 1 {
			// Drop without a close frame.
			_ = conn.UnderlyingConn().Close()
		}
	})
	h := newChanHandler()
	startManager(t, srv.URL(), "", h)

	waitFor(t, h.opened, 5*time.Second)
	code := waitFor(t, h.interrupted, 5*time.Second)
	assert.Equal(t, websocket.CloseAbnormalClosure, code)

	start := time.Now()
	waitFor(t, h.opened, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), ReconnectDelay-100*time.Millisecond)
	assert.Equal(t, 2, srv.Accepted())
}

func TestWebSocketTransport_ServerNormalCloseIsTerminal(t *testing.T) {
	srv := newMockServer(t, "", func(n int, conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	})
	h := newChanHandler()
	loop, m := startManager(t, srv.URL(), "", h)

	waitFor(t, h.opened, 5*time.Second)
	assert.Eventually(t, func() bool {
		var st State
		_ = loop.Do(context.Background(), func() { st = m.State() })
		return st == StateClosed
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(ReconnectDelay + 500*time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
	assert.Empty(t, h.interrupted)
}

func TestWebSocketTransport_SendsBearerToken(t *testing.T) {
	srv := newMockServer(t, "s3cret", func(n int, conn *websocket.Conn) {})
	h := newChanHandler()
	startManager(t, srv.URL(), "s3cret", h)

	waitFor(t, h.opened, 5*time.Second)
	assert.Equal(t, 1, srv.Accepted())
}
