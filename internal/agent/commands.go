package agent

import (
	"time"

	"github.com/Hiestaa/RLViz/internal/eventloop"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/Hiestaa/RLViz/internal/wsconn"
	"github.com/rs/zerolog"
)

// RetryDelay is the fixed poll interval of a command waiting for the
// connection.
const RetryDelay = 1000 * time.Millisecond

// DefaultInspector is the subscription kind guaranteed to exist after a
// reconnect.
const DefaultInspector = "ProgressInspector"

// User-visible notices
const (
	interruptedNotice = "Connection interrupted. Attempting to reconnect..."
	reconnectedNotice = "Successfully reconnected! Inspectors will be re-created server-side, but any on-going training process will have to be restarted."
)

// Collaborator is the external consumer of connection and server outcomes.
type Collaborator interface {
	OnReconnected()
	OnDisconnected()
	OnServerError(msg *protocol.Message)
	OnServerSuccess(msg *protocol.Message)
}

// NopCollaborator ignores every callback. Embed it to implement only some.
type NopCollaborator struct{}

func (NopCollaborator) OnReconnected()                        {}
func (NopCollaborator) OnDisconnected()                       {}
func (NopCollaborator) OnServerError(msg *protocol.Message)   {}
func (NopCollaborator) OnServerSuccess(msg *protocol.Message) {}

// Session is the last training configuration sent with train.
type Session struct {
	Problem   protocol.Named
	Algorithm protocol.Named
	Agent     protocol.Params
}

// TrainRequest holds the arguments of a train command.
type TrainRequest struct {
	Problem         string
	ProblemParams   protocol.Params
	Algorithm       string
	AlgorithmParams protocol.Params
	AgentParams     protocol.Params
}

// ChannelOptions tunes a CommandChannel.
type ChannelOptions struct {
	// DefaultInspector is re-created after a reconnect when no subscription
	// of its kind survived. An empty Name disables it.
	DefaultInspector Subscription
	// DefaultSubscriber, if set, builds the subscriber attached to a
	// synthesized default inspector.
	DefaultSubscriber func(sub Subscription) Subscriber
	// OnFatal is called when the connection hits an unrecoverable defect.
	OnFatal func(err error)
	// Alerter surfaces user-visible notices. May be nil.
	Alerter wsconn.Alerter
}

// DefaultChannelOptions returns options with the progress inspector as the
// default subscription.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		DefaultInspector: Subscription{
			Name:   DefaultInspector,
			Params: protocol.Params{"frequency": 1000},
		},
	}
}

// CommandChannel issues commands as soon as the connection allows it and
// restores the subscriptions after every reconnect. It owns the session and
// the subscription registry. All methods must be called on the event loop.
type CommandChannel struct {
	log      zerolog.Logger
	loop     eventloop.Scheduler
	conn     *wsconn.Manager
	registry *Registry
	router   *Router
	collab   Collaborator
	opts     ChannelOptions

	session *Session
	opened  bool

	train             *deferred
	interrupt         *deferred
	registerInspector *deferred
	removeInspector   *deferred
}

// NewCommandChannel wires a channel and the connection manager beneath it.
// collab may be nil.
func NewCommandChannel(url string, transport wsconn.Transport, loop eventloop.Scheduler, collab Collaborator, opts ChannelOptions, log zerolog.Logger) *CommandChannel {
	if collab == nil {
		collab = NopCollaborator{}
	}
	registry := NewRegistry(log)
	c := &CommandChannel{
		log:      log.With().Str("component", "commands").Logger(),
		loop:     loop,
		registry: registry,
		router:   NewRouter(registry, collab, log),
		collab:   collab,
		opts:     opts,
	}
	c.conn = wsconn.NewManager(url, transport, loop, c, opts.Alerter, log)

	c.train = c.wrap(protocol.CommandTrain)
	c.interrupt = c.wrap(protocol.CommandInterrupt)
	c.registerInspector = c.wrap(protocol.CommandRegisterInspector)
	c.removeInspector = c.wrap(protocol.CommandRemoveInspector)
	return c
}

// Start opens the first connection.
func (c *CommandChannel) Start() error {
	return c.conn.Connect()
}

// Close closes the connection normally. Pending commands keep polling but
// can no longer be sent.
func (c *CommandChannel) Close() error {
	return c.conn.Close()
}

// Train records the session and sends a train command. done, if not nil,
// runs after the command has actually been sent.
func (c *CommandChannel) Train(req TrainRequest, done func()) {
	c.train.invoke(func() error {
		cmd := protocol.NewTrainCommand(req.Problem, req.ProblemParams, req.Algorithm, req.AlgorithmParams, req.AgentParams)
		c.session = &Session{
			Problem:   cmd.Problem,
			Algorithm: cmd.Algorithm,
			Agent:     cmd.Agent.Params,
		}
		c.log.Info().
			Str("problem", req.Problem).
			Str("algorithm", req.Algorithm).
			Interface("agent_params", req.AgentParams).
			Msg("starting training")
		return c.conn.Send(cmd)
	}, done)
}

// Interrupt sends an interrupt command.
func (c *CommandChannel) Interrupt(done func()) {
	c.interrupt.invoke(func() error {
		return c.conn.Send(protocol.NewInterruptCommand())
	}, done)
}

// AddInspector allocates a uid, attaches sub to it and registers the
// inspector. sub may be nil.
func (c *CommandChannel) AddInspector(name string, params protocol.Params, sub Subscriber, done func()) int {
	uid := c.registry.Create(name, params)
	if sub != nil {
		c.registry.Attach(uid, sub)
	}
	c.sendRegister(name, uid, params, done)
	return uid
}

// RegisterInspector records the subscription under uid and registers it
// server-side. Local state is updated immediately, without waiting for the
// server.
func (c *CommandChannel) RegisterInspector(name string, uid int, params protocol.Params, done func()) {
	c.registry.Restore(name, uid, params)
	c.sendRegister(name, uid, params, done)
}

func (c *CommandChannel) sendRegister(name string, uid int, params protocol.Params, done func()) {
	cmd := protocol.NewRegisterInspectorCommand(name, uid, params)
	c.registerInspector.invoke(func() error {
		return c.conn.Send(cmd)
	}, done)
}

// RemoveInspector forgets the subscription immediately and asks the server
// to drop it.
func (c *CommandChannel) RemoveInspector(uid int, done func()) {
	c.registry.Remove(uid)
	c.removeInspector.invoke(func() error {
		return c.conn.Send(protocol.NewRemoveInspectorCommand(uid))
	}, done)
}

// AttachSubscriber binds the subscriber of uid.
func (c *CommandChannel) AttachSubscriber(uid int, sub Subscriber) {
	c.registry.Attach(uid, sub)
}

// DetachSubscriber unbinds the subscriber of uid.
func (c *CommandChannel) DetachSubscriber(uid int) {
	c.registry.Detach(uid)
}

// Registry returns the subscription table.
func (c *CommandChannel) Registry() *Registry {
	return c.registry
}

// Session returns the last configuration sent with train, or nil.
func (c *CommandChannel) Session() *Session {
	return c.session
}

// IsReady reports whether commands are sent immediately.
func (c *CommandChannel) IsReady() bool {
	return c.conn.IsReady()
}

// State returns the connection state.
func (c *CommandChannel) State() wsconn.State {
	return c.conn.State()
}

// OnOpen replays the subscriptions on every open but the first.
func (c *CommandChannel) OnOpen(conn wsconn.Conn) {
	if !c.opened {
		c.opened = true
		c.log.Info().Msg("connection opened")
		return
	}

	c.log.Info().Int("subscriptions", c.registry.Len()).Msg("reconnected, replaying subscriptions")
	if c.opts.Alerter != nil {
		c.opts.Alerter.Success(reconnectedNotice)
	}
	c.collab.OnReconnected()

	// The replay covers a registration suspended during the outage; its
	// callback runs once the replay has been sent.
	suspended := c.registerInspector.take()

	for _, sub := range c.registry.List() {
		c.RegisterInspector(sub.Name, sub.UID, sub.Params, nil)
	}

	def := c.opts.DefaultInspector
	if def.Name != "" && !c.registry.HasKind(def.Name) {
		uid := c.AddInspector(def.Name, def.Params, nil, nil)
		if c.opts.DefaultSubscriber != nil {
			c.registry.Attach(uid, c.opts.DefaultSubscriber(Subscription{Name: def.Name, UID: uid, Params: def.Params.Clone()}))
		}
		c.log.Info().Int("uid", uid).Str("name", def.Name).Msg("created default inspector")
	}

	if suspended != nil {
		suspended()
	}
}

// OnMessage routes one inbound message.
func (c *CommandChannel) OnMessage(msg *protocol.Message) {
	c.router.Route(msg)
}

// OnInterrupted tells the collaborator the connection dropped.
func (c *CommandChannel) OnInterrupted(code int) {
	if c.opts.Alerter != nil {
		c.opts.Alerter.Danger(interruptedNotice)
	}
	c.collab.OnDisconnected()
}

// OnFatal forwards unrecoverable connection errors.
func (c *CommandChannel) OnFatal(err error) {
	c.log.Error().Err(err).Msg("connection failed permanently")
	if c.opts.OnFatal != nil {
		c.opts.OnFatal(err)
	}
}

// deferred sends one command kind as soon as the connection is ready. While
// not ready it polls every RetryDelay. Only the newest call survives: a call
// made while another one is waiting replaces its arguments.
type deferred struct {
	kind    string
	channel *CommandChannel

	pending  *call
	timer    eventloop.Timer
	timerSeq int
}

type call struct {
	send func() error
	done func()
}

func (c *CommandChannel) wrap(kind string) *deferred {
	return &deferred{kind: kind, channel: c}
}

func (d *deferred) invoke(send func() error, done func()) {
	next := &call{send: send, done: done}
	if d.channel.conn.IsReady() {
		d.cancel()
		d.run(next)
		return
	}

	if d.pending != nil {
		d.channel.log.Debug().Str("command", d.kind).Msg("replacing suspended command arguments")
	}
	d.pending = next
	d.suspend()
}

func (d *deferred) suspend() {
	d.channel.log.Info().Str("command", d.kind).Dur("retry_in", RetryDelay).Msg("command suspended, waiting for connection")
	if d.timer != nil {
		return
	}
	d.timerSeq++
	seq := d.timerSeq
	d.timer = d.channel.loop.AfterFunc(RetryDelay, func() {
		if seq == d.timerSeq {
			d.retry()
		}
	})
}

func (d *deferred) retry() {
	d.timer = nil
	if d.pending == nil {
		return
	}
	if !d.channel.conn.IsReady() {
		d.suspend()
		return
	}
	next := d.pending
	d.pending = nil
	d.run(next)
}

func (d *deferred) cancel() {
	d.pending = nil
	d.timerSeq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// take cancels the waiting call, if any, and returns its callback.
func (d *deferred) take() func() {
	var done func()
	if d.pending != nil {
		done = d.pending.done
	}
	d.cancel()
	return done
}

func (d *deferred) run(c *call) {
	if err := c.send(); err != nil {
		d.channel.log.Error().Err(err).Str("command", d.kind).Msg("command failed")
	}
	if c.done != nil {
		c.done()
	}
}
