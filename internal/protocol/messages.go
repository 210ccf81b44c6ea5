// Package protocol defines the WebSocket messages exchanged between the
// training client and the training server.
//
// Outbound frames are commands: JSON objects whose "command" field names the
// kind. Inbound frames are push messages: JSON objects whose "route" field
// selects a handler on the client side.
package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
)

// Command kinds (client → server)
const (
	CommandTrain             = "train"
	CommandInterrupt         = "interrupt"
	CommandRegisterInspector = "registerInspector"
	CommandRemoveInspector   = "removeInspector"
)

// Routes (server → client)
const (
	RouteInspect = "inspect"
	RouteError   = "error"
	RouteSuccess = "success"
)

// Params maps a parameter name to its user-picked value.
type Params map[string]any

// Clone returns a shallow copy of p. A nil map clones to an empty one so the
// field always encodes as an object.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Named is a named, parameterized component (problem or algorithm).
type Named struct {
	Name   string `json:"name"`
	Params Params `json:"params"`
}

// AgentSpec carries the agent's execution parameters.
type AgentSpec struct {
	Params Params `json:"params"`
}

// TrainCommand starts a new training run.
type TrainCommand struct {
	Command   string    `json:"command"`
	Algorithm Named     `json:"algorithm"`
	Problem   Named     `json:"problem"`
	Agent     AgentSpec `json:"agent"`
}

// NewTrainCommand builds a train command from its parts.
func NewTrainCommand(problem string, problemParams Params, algorithm string, algorithmParams, agentParams Params) TrainCommand {
	return TrainCommand{
		Command:   CommandTrain,
		Algorithm: Named{Name: algorithm, Params: algorithmParams.Clone()},
		Problem:   Named{Name: problem, Params: problemParams.Clone()},
		Agent:     AgentSpec{Params: agentParams.Clone()},
	}
}

// InterruptCommand stops the current training run.
type InterruptCommand struct {
	Command string `json:"command"`
}

// NewInterruptCommand builds an interrupt command.
func NewInterruptCommand() InterruptCommand {
	return InterruptCommand{Command: CommandInterrupt}
}

// RegisterInspectorCommand creates a server-side inspector bound to UID.
type RegisterInspectorCommand struct {
	Command string `json:"command"`
	Name    string `json:"name"`
	UID     int    `json:"uid"`
	Params  Params `json:"params"`
}

// NewRegisterInspectorCommand builds a registerInspector command.
func NewRegisterInspectorCommand(name string, uid int, params Params) RegisterInspectorCommand {
	return RegisterInspectorCommand{
		Command: CommandRegisterInspector,
		Name:    name,
		UID:     uid,
		Params:  params.Clone(),
	}
}

// RemoveInspectorCommand deletes the server-side inspector bound to UID.
type RemoveInspectorCommand struct {
	Command string `json:"command"`
	UID     int    `json:"uid"`
}

// NewRemoveInspectorCommand builds a removeInspector command.
func NewRemoveInspectorCommand(uid int) RemoveInspectorCommand {
	return RemoveInspectorCommand{Command: CommandRemoveInspector, UID: uid}
}

// Message is the envelope of every inbound push message. Route and UID are
// decoded eagerly; the complete frame is kept in Raw so handlers can decode
// their own payload shape. A frame whose route is missing or not a string
// has an empty Route, and a uid that is not an integer leaves UID nil.
type Message struct {
	Route string
	UID   *int
	Raw   json.RawMessage
}

// ErrInvalidFrame is returned when a frame is not valid JSON.
var ErrInvalidFrame = errors.New("frame is not valid JSON")

// UnmarshalJSON decodes the routing header and keeps a copy of the frame.
// Only syntactically invalid JSON is an error.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return ErrInvalidFrame
	}
	m.Route = ""
	m.UID = nil
	m.Raw = append(json.RawMessage(nil), data...)

	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		// Not an object: nothing to route on.
		return nil
	}
	if raw, ok := head["route"]; ok {
		var route string
		if json.Unmarshal(raw, &route) == nil {
			m.Route = route
		}
	}
	if raw, ok := head["uid"]; ok {
		if uid, err := strconv.Atoi(string(raw)); err == nil {
			m.UID = &uid
		}
	}
	return nil
}

// MarshalJSON returns the original frame.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Raw == nil {
		return []byte("{}"), nil
	}
	return m.Raw, nil
}

// ParsePayload unmarshals the full frame into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Raw, target)
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewMessage encodes a typed push payload into a Message.
func NewMessage(payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

// Envelope is the server-side view of an inbound command frame.
type Envelope struct {
	Command string
	Raw     json.RawMessage
}

// DecodeEnvelope parses one command frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var head struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	return &Envelope{Command: head.Command, Raw: append(json.RawMessage(nil), data...)}, nil
}

// ParsePayload unmarshals the full command frame into the given target.
func (e *Envelope) ParsePayload(target any) error {
	return json.Unmarshal(e.Raw, target)
}

// ProgressPayload is pushed by a progress inspector while training runs.
type ProgressPayload struct {
	Route         string  `json:"route"`
	UID           int     `json:"uid"`
	PcVal         float64 `json:"pcVal"`         // percentage 0-100
	IEpisode      int     `json:"iEpisode"`      // episode just completed
	NEpisodes     int     `json:"nEpisodes"`     // total episodes this run
	EpisodeReturn float64 `json:"episodeReturn"` // total reward of IEpisode
}

// EfficiencyPayload is pushed by an efficiency inspector: mean return and
// mean episode length over the last window of episodes.
type EfficiencyPayload struct {
	Route      string  `json:"route"`
	UID        int     `json:"uid"`
	IEpisode   int     `json:"iEpisode"`
	MeanReturn float64 `json:"meanReturn"`
	MeanSteps  float64 `json:"meanSteps"`
}

// ValueFunctionPayload is pushed by a value function inspector: the
// estimated value of a grid of sampled states. Each Data sample maps the
// axis keys (x, y, param1...) to the state coordinate and "z" to its value.
type ValueFunctionPayload struct {
	Route          string               `json:"route"`
	UID            int                  `json:"uid"`
	IEpisode       int                  `json:"iEpisode"`
	Data           []map[string]float64 `json:"data"`
	NbDims         int                  `json:"nbDims"`
	Low            map[string]float64   `json:"low"`
	High           map[string]float64   `json:"high"`
	StepSizes      map[string]float64   `json:"stepSizes"`
	DimensionNames map[string]string    `json:"dimensionNames"`
}

// StatusPayload is pushed on the error and success routes.
type StatusPayload struct {
	Route   string `json:"route"`
	Message string `json:"message"`
	RunID   string `json:"runId,omitempty"`
}
