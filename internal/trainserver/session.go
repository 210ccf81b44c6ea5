package trainserver

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Time the peer has to answer a close frame.
	closeGrace = time.Second
)

// Push message texts
const (
	trainingCompleteNotice    = "training complete"
	trainingInterruptedNotice = "training interrupted"
)

type commandHandler func(env *protocol.Envelope) error

// session is one /subscribe/train connection. Commands are handled in order
// on the read goroutine; a training run pushes from its own goroutine.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	commands map[string]commandHandler

	mu         sync.Mutex
	inspectors map[int]Inspector
	order      []int
	run        *activeRun
}

type activeRun struct {
	record *RunRecord
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(conn *websocket.Conn, server *Server) *session {
	id := uuid.NewString()
	s := &session{
		id:         id,
		conn:       conn,
		server:     server,
		log:        server.log.With().Str("component", "session").Str("session", id).Logger(),
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		inspectors: make(map[int]Inspector),
	}
	s.commands = map[string]commandHandler{
		protocol.CommandTrain:             s.handleTrain,
		protocol.CommandInterrupt:         s.handleInterrupt,
		protocol.CommandRegisterInspector: s.handleRegisterInspector,
		protocol.CommandRemoveInspector:   s.handleRemoveInspector,
	}
	return s
}

// readPump reads commands until the connection ends.
func (s *session) readPump() {
	defer func() {
		s.shutdown()
		s.stopRun()
		s.server.hub.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Error().Err(err).Msg("read error")
			}
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(data)
	}
}

// writePump writes queued messages and pings until the session ends.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *session) dispatch(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to parse command")
		s.pushStatus(protocol.RouteError, "invalid command frame: "+err.Error(), "")
		return
	}

	handler, ok := s.commands[env.Command]
	if !ok {
		s.log.Warn().Str("command", env.Command).Msg("unknown command")
		s.pushStatus(protocol.RouteError, "unknown command: "+env.Command, "")
		return
	}

	s.log.Info().Str("command", env.Command).Msg("executing command")
	if err := handler(env); err != nil {
		s.log.Warn().Err(err).Str("command", env.Command).Msg("command failed")
		s.pushStatus(protocol.RouteError, err.Error(), "")
	}
}

func (s *session) handleTrain(env *protocol.Envelope) error {
	var cmd protocol.TrainCommand
	if err := env.ParsePayload(&cmd); err != nil {
		return err
	}
	spec, err := newRunSpec(cmd, s.server.cfg)
	if err != nil {
		return err
	}

	// Inspectors survive across runs; any previous run is stopped first.
	s.stopRun()

	record, err := s.server.runs.Start(cmd.Problem.Name, cmd.Algorithm.Name, cmd, spec.nEpisodes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.server.ctx)
	run := &activeRun{record: record, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	for _, insp := range s.inspectors {
		insp.Reset()
	}
	s.run = run
	s.mu.Unlock()

	s.log.Info().
		Str("run", record.ID).
		Str("problem", cmd.Problem.Name).
		Str("algorithm", cmd.Algorithm.Name).
		Int("episodes", spec.nEpisodes).
		Msg("training started")

	go s.train(ctx, run, spec)
	return nil
}

func (s *session) train(ctx context.Context, run *activeRun, spec runSpec) {
	defer close(run.done)
	defer run.cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	played, err := simulate(ctx, spec, rng, s.observe)

	status := RunCompleted
	if err != nil {
		status = RunInterrupted
	}
	if ferr := s.server.runs.Finish(run.record.ID, status, played); ferr != nil {
		s.log.Error().Err(ferr).Str("run", run.record.ID).Msg("failed to record run")
	}

	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	s.mu.Unlock()

	s.log.Info().Str("run", run.record.ID).Str("status", status).Int("episodes", played).Msg("training finished")
	if err == nil {
		s.pushStatus(protocol.RouteSuccess, trainingCompleteNotice, run.record.ID)
	}
}

// stopRun cancels the active run, if any, and waits for it to finish.
func (s *session) stopRun() *RunRecord {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	<-run.done
	return run.record
}

func (s *session) observe(ep Episode) {
	s.mu.Lock()
	payloads := make([]any, 0, len(s.order))
	for _, uid := range s.order {
		if p := s.inspectors[uid].Observe(ep); p != nil {
			payloads = append(payloads, p)
		}
	}
	s.mu.Unlock()

	for _, p := range payloads {
		s.push(p)
	}
}

func (s *session) handleInterrupt(env *protocol.Envelope) error {
	var runID string
	if record := s.stopRun(); record != nil {
		runID = record.ID
	}
	s.pushStatus(protocol.RouteSuccess, trainingInterruptedNotice, runID)
	return nil
}

func (s *session) handleRegisterInspector(env *protocol.Envelope) error {
	var cmd protocol.RegisterInspectorCommand
	if err := env.ParsePayload(&cmd); err != nil {
		return err
	}
	insp, err := NewInspector(cmd.Name, cmd.UID, cmd.Params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.inspectors[cmd.UID]; !exists {
		s.order = append(s.order, cmd.UID)
	}
	s.inspectors[cmd.UID] = insp
	s.mu.Unlock()

	s.log.Debug().Str("name", cmd.Name).Int("uid", cmd.UID).Msg("inspector registered")
	return nil
}

func (s *session) handleRemoveInspector(env *protocol.Envelope) error {
	var cmd protocol.RemoveInspectorCommand
	if err := env.ParsePayload(&cmd); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.inspectors[cmd.UID]; ok {
		delete(s.inspectors, cmd.UID)
		for i, uid := range s.order {
			if uid == cmd.UID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	s.log.Debug().Int("uid", cmd.UID).Msg("inspector removed")
	return nil
}

// Inspectors returns the uids of the registered inspectors in registration
// order.
func (s *session) Inspectors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.order...)
}

func (s *session) pushStatus(route, message, runID string) {
	s.push(protocol.StatusPayload{Route: route, Message: message, RunID: runID})
}

// push queues a message. It blocks while the write queue is full and gives
// up once the session has ended.
func (s *session) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// close sends a close frame with code and lets the read goroutine finish the
// handshake.
func (s *session) close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.SetReadDeadline(time.Now().Add(closeGrace))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// drop closes the underlying connection without a close frame.
func (s *session) drop() {
	_ = s.conn.NetConn().Close()
}
