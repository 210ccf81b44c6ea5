// Package wsconn keeps a single WebSocket connection to the training server
// alive. A Manager owns at most one current connection, replaces it with a
// brand-new one after every abnormal closure, and stops for good on a normal
// closure.
//
// All Manager methods must be called on the manager's event loop.
package wsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hiestaa/RLViz/internal/eventloop"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ReconnectDelay is the fixed wait between an abnormal closure and the next
// connection attempt. There is no backoff and no attempt cap.
const ReconnectDelay = 2000 * time.Millisecond

// NotReadyNotice is raised through the Alerter when a send is rejected.
const NotReadyNotice = "Working to connect with the server. Please try again in a few seconds."

var (
	// ErrNotReady is returned by Send while no connection is open.
	ErrNotReady = errors.New("connection not ready")
	// ErrMalformedFrame wraps decoding failures of inbound frames.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrClosed is returned by Connect after a normal closure.
	ErrClosed = errors.New("connection closed")
)

// State is the connection state machine position.
type State int

// States
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the capability handed to the open handler.
type Conn interface {
	Send(command any) error
	Close() error
	IsReady() bool
}

// Handler is called on connection events, always on the event loop.
type Handler interface {
	// OnOpen is called every time a connection opens, first one included.
	OnOpen(conn Conn)
	// OnMessage is called for every decoded inbound frame, in order.
	OnMessage(msg *protocol.Message)
	// OnInterrupted is called after an abnormal closure, before the
	// reconnect is scheduled.
	OnInterrupted(code int)
	// OnFatal is called when the connection hits a defect reconnecting
	// cannot fix. The manager is closed by then.
	OnFatal(err error)
}

// Alerter surfaces user-visible notices.
type Alerter interface {
	Danger(msg string)
	Success(msg string)
}

// connection is one physical connection. It is never reopened: every
// reconnect creates a new one.
type connection struct {
	id          int
	socket      Socket
	ready       bool
	interrupted bool
}

// Manager implements the reconnect state machine.
type Manager struct {
	url       string
	transport Transport
	loop      eventloop.Scheduler
	handler   Handler
	alerter   Alerter
	log       zerolog.Logger

	state    State
	current  *connection
	attempts int
	closing  bool

	timer    eventloop.Timer
	timerSeq int
}

// NewManager creates a manager. alerter may be nil.
func NewManager(url string, transport Transport, loop eventloop.Scheduler, handler Handler, alerter Alerter, log zerolog.Logger) *Manager {
	return &Manager{
		url:       url,
		transport: transport,
		loop:      loop,
		handler:   handler,
		alerter:   alerter,
		log:       log.With().Str("component", "connection").Logger(),
	}
}

// Connect opens the first connection.
func (m *Manager) Connect() error {
	switch m.state {
	case StateClosed:
		return ErrClosed
	case StateIdle:
		m.dial()
	}
	return nil
}

// Send encodes command as JSON and writes it. It fails with ErrNotReady
// unless the current connection is open; nothing is queued.
func (m *Manager) Send(command any) error {
	if !m.IsReady() {
		m.log.Error().Str("state", m.state.String()).Msg(NotReadyNotice)
		if m.alerter != nil {
			m.alerter.Danger(NotReadyNotice)
		}
		return ErrNotReady
	}

	data, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	if err := m.current.socket.Send(data); err != nil {
		m.log.Warn().Err(err).Msg("send failed")
		return err
	}
	m.log.Debug().RawJSON("command", data).Msg("sent")
	return nil
}

// IsReady reports whether the current connection is open and not interrupted.
func (m *Manager) IsReady() bool {
	return m.current != nil && m.current.ready && !m.current.interrupted
}

// Close requests a normal closure. No reconnect happens afterwards.
func (m *Manager) Close() error {
	if m.closing {
		return nil
	}
	m.closing = true
	m.cancelTimer()

	if m.current == nil || m.current.interrupted {
		m.current = nil
		m.state = StateClosed
		return nil
	}
	m.current.ready = false
	return m.current.socket.Close(websocket.CloseNormalClosure, "")
}

// State returns the state machine position.
func (m *Manager) State() State {
	return m.state
}

// Attempts returns how many connections have been created so far.
func (m *Manager) Attempts() int {
	return m.attempts
}

func (m *Manager) dial() {
	m.attempts++
	c := &connection{id: m.attempts}
	m.current = c
	m.state = StateConnecting
	m.log.Info().Str("url", m.url).Int("attempt", c.id).Msg("opening connection")
	c.socket = m.transport.Open(m.url, &socketEvents{m: m, c: c})
}

func (m *Manager) handleOpen(c *connection) {
	if c != m.current {
		return
	}
	if m.closing {
		// Close was requested while dialing.
		_ = c.socket.Close(websocket.CloseNormalClosure, "")
		return
	}
	c.interrupted = false
	c.ready = true
	m.state = StateOpen
	m.log.Info().Int("attempt", c.id).Msg("connection opened")
	m.handler.OnOpen(m)
}

func (m *Manager) handleMessage(c *connection, data []byte) {
	if c != m.current || m.state == StateClosed {
		return
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err), data)
		return
	}
	m.handler.OnMessage(msg)
}

func (m *Manager) handleClose(c *connection, code int, reason string) {
	if c != m.current {
		return
	}
	c.ready = false
	c.interrupted = true
	m.cancelTimer()

	if code == websocket.CloseNormalClosure || m.closing {
		m.current = nil
		m.state = StateClosed
		m.log.Info().Int("code", code).Msg("connection closed")
		return
	}

	m.state = StateReconnecting
	m.log.Warn().Int("code", code).Str("reason", reason).Dur("retry_in", ReconnectDelay).Msg("connection interrupted")
	m.handler.OnInterrupted(code)
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer, superseding any pending one.
func (m *Manager) scheduleReconnect() {
	m.cancelTimer()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.loop.AfterFunc(ReconnectDelay, func() {
		if seq != m.timerSeq || m.closing {
			return
		}
		m.timer = nil
		m.dial()
	})
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	// A fired-but-queued callback sees a stale sequence and does nothing.
	m.timerSeq++
}

// fail closes the manager for good and reports err.
func (m *Manager) fail(err error, frame []byte) {
	m.log.Error().Err(err).Bytes("frame", frame).Msg("fatal protocol error")
	c := m.current
	m.closing = true
	m.cancelTimer()
	m.current = nil
	m.state = StateClosed
	if c != nil {
		_ = c.socket.Close(websocket.CloseProtocolError, "malformed frame")
	}
	m.handler.OnFatal(err)
}

// socketEvents moves transport callbacks onto the event loop, tagged with the
// connection they belong to so that events from replaced connections are
// ignored.
type socketEvents struct {
	m *Manager
	c *connection
}

func (e *socketEvents) Opened() {
	e.m.loop.Post(func() { e.m.handleOpen(e.c) })
}

func (e *socketEvents) Received(data []byte) {
	e.m.loop.Post(func() { e.m.handleMessage(e.c, data) })
}

func (e *socketEvents) Closed(code int, reason string) {
	e.m.loop.Post(func() { e.m.handleClose(e.c, code, reason) })
}
