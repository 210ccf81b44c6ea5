package trainserver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is the server version.
const Version = "1.0.0"

// Server is the training server.
type Server struct {
	cfg      *Config
	db       *sql.DB
	log      zerolog.Logger
	auth     *TokenAuth
	hub      *Hub
	runs     *RunStore
	router   *chi.Mux
	upgrader *websocket.Upgrader

	// ctx bounds every training run.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new training server.
func New(cfg *Config, db *sql.DB, log zerolog.Logger) *Server {
	runs := NewRunStore(db)

	// Runs still marked running were cut short by a previous process.
	if n, err := runs.MarkAbandoned(); err != nil {
		log.Warn().Err(err).Msg("failed to reset abandoned runs")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked abandoned runs as failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		db:     db,
		log:    log.With().Str("component", "trainserver").Logger(),
		auth:   NewTokenAuth(cfg.TokenHash),
		hub:    NewHub(log),
		runs:   runs,
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/subscribe/train", s.handleSubscribe)

		r.Route("/api", func(r chi.Router) {
			r.Get("/catalog", s.handleCatalog)
			r.Get("/runs", s.handleGetRuns)
			r.Get("/runs/{runID}", s.handleGetRun)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Check(TokenFromRequest(r)) {
			s.log.Warn().Str("ip", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected request: invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("rejected WebSocket origin")
	return false
}

// Run serves HTTP on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting training server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops every training run and asks every client to go away.
func (s *Server) Close() {
	s.cancel()
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the session hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Runs returns the run store.
func (s *Server) Runs() *RunStore {
	return s.runs
}
