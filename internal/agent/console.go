package agent

import (
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/Hiestaa/RLViz/internal/wsconn"
	"github.com/rs/zerolog"
)

// Alerter surfaces user-visible notices.
type Alerter = wsconn.Alerter

// LogAlerter writes notices to a logger.
type LogAlerter struct {
	Log zerolog.Logger
}

// Danger logs msg as a warning.
func (a LogAlerter) Danger(msg string) {
	a.Log.Warn().Msg(msg)
}

// Success logs msg at info level.
func (a LogAlerter) Success(msg string) {
	a.Log.Info().Msg(msg)
}

// ConsoleSubscriber logs the inspect messages of one subscription.
type ConsoleSubscriber struct {
	log zerolog.Logger
}

// NewConsoleSubscriber creates a subscriber logging under sub's key.
func NewConsoleSubscriber(log zerolog.Logger, sub Subscription) *ConsoleSubscriber {
	return &ConsoleSubscriber{
		log: log.With().Str("inspector", sub.Key()).Logger(),
	}
}

// Dispatch logs msg. Progress messages get their fields spelled out.
func (c *ConsoleSubscriber) Dispatch(msg *protocol.Message) {
	var p protocol.ProgressPayload
	if err := msg.ParsePayload(&p); err == nil && p.NEpisodes > 0 {
		c.log.Info().
			Float64("pc", p.PcVal).
			Int("episode", p.IEpisode).
			Int("episodes", p.NEpisodes).
			Float64("return", p.EpisodeReturn).
			Msg("training progress")
		return
	}
	c.log.Info().RawJSON("message", msg.Raw).Msg("inspector update")
}

// LogCollaborator logs connection and server outcomes.
type LogCollaborator struct {
	Log zerolog.Logger
	// Done, if set, is called on every success message.
	Done func(message string)
}

func (c LogCollaborator) OnReconnected() {
	c.Log.Info().Msg("training session restored")
}

func (c LogCollaborator) OnDisconnected() {
	c.Log.Warn().Msg("training session lost")
}

func (c LogCollaborator) OnServerError(msg *protocol.Message) {
	var p protocol.StatusPayload
	_ = msg.ParsePayload(&p)
	c.Log.Error().Str("message", p.Message).Msg("server error")
}

func (c LogCollaborator) OnServerSuccess(msg *protocol.Message) {
	var p protocol.StatusPayload
	_ = msg.ParsePayload(&p)
	c.Log.Info().Str("message", p.Message).Str("run", p.RunID).Msg("server success")
	if c.Done != nil {
		c.Done(p.Message)
	}
}
