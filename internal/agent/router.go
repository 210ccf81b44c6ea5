package agent

import (
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/rs/zerolog"
)

// RouteHandler handles every message carrying one route tag.
type RouteHandler func(msg *protocol.Message)

// Router delivers each inbound message to exactly one destination or drops it.
type Router struct {
	log    zerolog.Logger
	routes map[string]RouteHandler
}

// NewRouter builds the route table once: inspect messages go to the registry,
// error and success messages go to the collaborator.
func NewRouter(registry *Registry, collab Collaborator, log zerolog.Logger) *Router {
	return &Router{
		log: log.With().Str("component", "router").Logger(),
		routes: map[string]RouteHandler{
			protocol.RouteInspect: func(msg *protocol.Message) { registry.Dispatch(msg) },
			protocol.RouteError:   collab.OnServerError,
			protocol.RouteSuccess: collab.OnServerSuccess,
		},
	}
}

// Route delivers msg. It reports false when the route is absent or unknown.
func (r *Router) Route(msg *protocol.Message) bool {
	handler, ok := r.routes[msg.Route]
	if !ok {
		r.log.Error().Str("route", msg.Route).RawJSON("message", msg.Raw).Msg("route not found")
		return false
	}
	handler(msg)
	return true
}
