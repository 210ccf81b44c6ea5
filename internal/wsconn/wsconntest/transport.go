// Package wsconntest provides an in-memory wsconn.Transport whose sockets
// are driven by the test.
package wsconntest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/Hiestaa/RLViz/internal/wsconn"
)

// ErrClosed is returned by Send on a closed socket.
var ErrClosed = errors.New("wsconntest: socket closed")

// Transport records every socket it opens.
type Transport struct {
	mu      sync.Mutex
	sockets []*Socket
}

// NewTransport creates an empty transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Open creates a socket in the dialing state.
func (t *Transport) Open(url string, events wsconn.SocketEvents) wsconn.Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Socket{URL: url, events: events}
	t.sockets = append(t.sockets, s)
	return s
}

// Count returns how many sockets have been opened.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Last returns the most recently opened socket, or nil.
func (t *Transport) Last() *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sockets) == 0 {
		return nil
	}
	return t.sockets[len(t.sockets)-1]
}

// Socket returns the i-th opened socket.
func (t *Transport) Socket(i int) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sockets[i]
}

// Sent returns every frame written on any socket, in order.
func (t *Transport) Sent() []Frame {
	t.mu.Lock()
	sockets := append([]*Socket(nil), t.sockets...)
	t.mu.Unlock()

	var frames []Frame
	for _, s := range sockets {
		frames = append(frames, s.Sent()...)
	}
	return frames
}

// Frame is one written command.
type Frame map[string]any

// Command returns the command kind of the frame.
func (f Frame) Command() string {
	s, _ := f["command"].(string)
	return s
}

// UID returns the uid field of the frame as an int.
func (f Frame) UID() int {
	v, _ := f["uid"].(float64)
	return int(v)
}

// Socket is a fake connection. Open, Deliver and Drop trigger the events the
// real transport would report.
type Socket struct {
	URL string

	mu        sync.Mutex
	events    wsconn.SocketEvents
	open      bool
	closed    bool
	sent      [][]byte
	closeCode int
}

// Open reports a successful handshake.
func (s *Socket) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.events.Opened()
}

// Deliver pushes one inbound frame.
func (s *Socket) Deliver(frame string) {
	s.events.Received([]byte(frame))
}

// Drop reports a closure initiated by the peer or the network.
func (s *Socket) Drop(code int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.open = false
	s.closeCode = code
	s.mu.Unlock()
	s.events.Closed(code, "")
}

// Send records data.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.closed {
		return ErrClosed
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

// Close acknowledges a local close immediately.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.open = false
	s.closeCode = code
	s.mu.Unlock()
	s.events.Closed(code, reason)
	return nil
}

// Closed reports whether the socket is closed and with which code.
func (s *Socket) Closed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

// Sent decodes every frame written on this socket.
func (s *Socket) Sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]Frame, 0, len(s.sent))
	for _, data := range s.sent {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			f = Frame{"raw": string(data)}
		}
		frames = append(frames, f)
	}
	return frames
}
