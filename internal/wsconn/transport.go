package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SocketEvents receives the lifecycle of one physical connection attempt.
// Transports may call it from any goroutine. Closed is called exactly once
// per socket, also when the dial itself fails.
type SocketEvents interface {
	Opened()
	Received(data []byte)
	Closed(code int, reason string)
}

// Socket is one physical connection attempt.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Transport opens sockets. Open returns immediately; the outcome is reported
// through events.
type Transport interface {
	Open(url string, events SocketEvents) Socket
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

var errSocketClosed = errors.New("socket closed")

// WebSocketTransport dials real WebSocket connections with gorilla/websocket.
type WebSocketTransport struct {
	Token string // sent as a bearer token when set
	log   zerolog.Logger
}

// NewWebSocketTransport creates a transport.
func NewWebSocketTransport(token string, log zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		Token: token,
		log:   log.With().Str("component", "websocket").Logger(),
	}
}

// Open dials url in the background.
func (t *WebSocketTransport) Open(url string, events SocketEvents) Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		log:    t.log,
		events: events,
		cancel: cancel,
	}
	go s.run(ctx, url, t.Token)
	return s
}

type wsSocket struct {
	log    zerolog.Logger
	events SocketEvents
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	closeCode int // set once Close has been requested locally
	closeMsg  string
	done      bool
}

func (s *wsSocket) run(ctx context.Context, url, token string) {
	defer s.cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	s.log.Debug().Str("url", url).Msg("connecting")
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		s.mu.Lock()
		code, msg := s.closeCode, s.closeMsg
		s.mu.Unlock()
		if code != 0 {
			s.finish(code, msg)
			return
		}
		s.log.Debug().Err(err).Msg("dial failed")
		s.finish(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	s.mu.Lock()
	if s.closeCode != 0 {
		// Closed while dialing: never report an open connection.
		code, msg := s.closeCode, s.closeMsg
		s.mu.Unlock()
		_ = conn.Close()
		s.finish(code, msg)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop(ctx, conn)

	s.events.Opened()
	code, reason := s.readLoop(conn)
	_ = conn.Close()
	s.finish(code, reason)
}

// readLoop forwards frames until the connection ends and returns the close
// code to report.
func (s *wsSocket) readLoop(conn *websocket.Conn) (int, string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			code, msg := s.closeCode, s.closeMsg
			s.mu.Unlock()
			if code != 0 {
				return code, msg
			}

			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error().Err(err).Msg("read error")
			}
			return websocket.CloseAbnormalClosure, err.Error()
		}
		s.events.Received(data)
	}
}

func (s *wsSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *wsSocket) finish(code int, reason string) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.conn = nil
	s.mu.Unlock()
	s.events.Closed(code, reason)
}

// Send writes one text frame.
func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.closeCode != 0 {
		return errSocketClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close starts the closing handshake. The Closed event reports code once the
// peer acknowledges or the grace period runs out.
func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeCode != 0 || s.done {
		return nil
	}
	s.closeCode = code
	s.closeMsg = reason

	if s.conn == nil {
		// Still dialing.
		s.cancel()
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	_ = s.conn.SetReadDeadline(deadline)
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil {
		_ = s.conn.Close()
		return err
	}
	return nil
}
