package trainserver

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks the live training sessions.
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[*session]bool
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		sessions: make(map[*session]bool),
	}
}

// register adds a session.
func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s] = true
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Str("session", s.id).Int("sessions", n).Msg("session registered")
}

// unregister removes a session.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Str("session", s.id).Int("sessions", n).Msg("session unregistered")
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll sends a close frame with code to every session.
func (h *Hub) CloseAll(code int, reason string) {
	for _, s := range h.snapshot() {
		if err := s.close(code, reason); err != nil {
			h.log.Debug().Err(err).Str("session", s.id).Msg("failed to send close frame")
		}
	}
}

// DropAll cuts every connection without a close handshake, the way a network
// failure would.
func (h *Hub) DropAll() {
	for _, s := range h.snapshot() {
		s.drop()
	}
}

// Inspectors returns the inspector uids registered on every session.
func (h *Hub) Inspectors() [][]int {
	var out [][]int
	for _, s := range h.snapshot() {
		out = append(out, s.Inspectors())
	}
	return out
}
