// Package agent implements the RLViz training client: a command channel that
// stays usable across reconnects, the subscription registry that survives
// them, and the router that fans server pushes out to subscribers.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/Hiestaa/RLViz/internal/config"
	"github.com/Hiestaa/RLViz/internal/eventloop"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/Hiestaa/RLViz/internal/wsconn"
	"github.com/rs/zerolog"
)

// Agent is the thread-safe front of a CommandChannel. Every call is posted
// onto the agent's event loop.
type Agent struct {
	cfg      *config.Config
	log      zerolog.Logger
	loop     *eventloop.Loop
	commands *CommandChannel

	mu      sync.Mutex
	started bool
	fatal   error
	stop    context.CancelFunc
}

// ErrAlreadyRun is returned when Run is called more than once.
var ErrAlreadyRun = errors.New("agent already run")

// Option customizes an Agent.
type Option func(*options)

type options struct {
	transport         wsconn.Transport
	alerter           wsconn.Alerter
	defaultSubscriber func(Subscription) Subscriber
}

// WithTransport replaces the WebSocket transport.
func WithTransport(t wsconn.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithAlerter sets the sink for user-visible notices.
func WithAlerter(a wsconn.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithDefaultSubscriber sets the factory for the subscriber of a default
// inspector created after a reconnect.
func WithDefaultSubscriber(f func(Subscription) Subscriber) Option {
	return func(o *options) { o.defaultSubscriber = f }
}

// New creates an agent. collab may be nil.
func New(cfg *config.Config, log zerolog.Logger, collab Collaborator, opts ...Option) *Agent {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = wsconn.NewWebSocketTransport(cfg.Token, log)
	}

	a := &Agent{
		cfg:  cfg,
		log:  log.With().Str("component", "agent").Logger(),
		loop: eventloop.New(log),
	}

	chOpts := DefaultChannelOptions()
	if cfg.DefaultInspector {
		chOpts.DefaultInspector.Params["frequency"] = cfg.ProgressFrequency
	} else {
		chOpts.DefaultInspector = Subscription{}
	}
	chOpts.DefaultSubscriber = o.defaultSubscriber
	chOpts.Alerter = o.alerter
	chOpts.OnFatal = a.onFatal

	a.commands = NewCommandChannel(cfg.ServerURL, o.transport, a.loop, collab, chOpts, log)
	return a
}

// Run connects and processes events until ctx is cancelled, Shutdown is
// called, or the connection fails permanently. An Agent runs once.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyRun
	}
	a.started = true
	a.stop = cancel
	a.mu.Unlock()

	a.log.Info().Str("url", a.cfg.ServerURL).Msg("starting agent")

	a.loop.Post(func() {
		if err := a.commands.Start(); err != nil {
			a.onFatal(err)
		}
	})
	a.loop.Run(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.Info().Msg("agent stopped")
	return a.fatal
}

// Shutdown closes the connection normally and stops Run.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.loop.Post(func() {
		if err := a.commands.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing connection")
		}
		a.cancel()
	})
}

func (a *Agent) onFatal(err error) {
	a.mu.Lock()
	if a.fatal == nil {
		a.fatal = err
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *Agent) cancel() {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Train issues a train command. onSent, if not nil, runs on the event loop
// once the command has been sent.
func (a *Agent) Train(req TrainRequest, onSent func()) {
	a.loop.Post(func() { a.commands.Train(req, onSent) })
}

// Interrupt issues an interrupt command.
func (a *Agent) Interrupt(onSent func()) {
	a.loop.Post(func() { a.commands.Interrupt(onSent) })
}

// AddInspector creates a subscription, attaches sub and registers it. It
// returns the allocated uid.
func (a *Agent) AddInspector(ctx context.Context, name string, params protocol.Params, sub Subscriber) (int, error) {
	var uid int
	err := a.loop.Do(ctx, func() {
		uid = a.commands.AddInspector(name, params, sub, nil)
	})
	return uid, err
}

// RegisterInspector registers a subscription under a caller-chosen uid.
func (a *Agent) RegisterInspector(name string, uid int, params protocol.Params, onSent func()) {
	a.loop.Post(func() { a.commands.RegisterInspector(name, uid, params, onSent) })
}

// RemoveInspector removes a subscription.
func (a *Agent) RemoveInspector(uid int, onSent func()) {
	a.loop.Post(func() { a.commands.RemoveInspector(uid, onSent) })
}

// AttachSubscriber binds the subscriber of uid.
func (a *Agent) AttachSubscriber(uid int, sub Subscriber) {
	a.loop.Post(func() { a.commands.AttachSubscriber(uid, sub) })
}

// DetachSubscriber unbinds the subscriber of uid.
func (a *Agent) DetachSubscriber(uid int) {
	a.loop.Post(func() { a.commands.DetachSubscriber(uid) })
}

// Subscriptions returns a snapshot of the live subscriptions.
func (a *Agent) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := a.loop.Do(ctx, func() { subs = a.commands.Registry().List() })
	return subs, err
}

// IsReady reports whether the connection is open.
func (a *Agent) IsReady(ctx context.Context) bool {
	var ready bool
	if err := a.loop.Do(ctx, func() { ready = a.commands.IsReady() }); err != nil {
		return false
	}
	return ready
}

// Version is the agent version.
const Version = "1.0.0"
