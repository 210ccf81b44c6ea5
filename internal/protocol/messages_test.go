package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainCommand_WireShape(t *testing.T) {
	cmd := NewTrainCommand("CartPole", nil, "QLearning", Params{"lr": 0.1}, Params{"nEpisodes": 100})

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"command": "train",
		"algorithm": {"name": "QLearning", "params": {"lr": 0.1}},
		"problem": {"name": "CartPole", "params": {}},
		"agent": {"params": {"nEpisodes": 100}}
	}`, string(data))
}

func TestInspectorCommands_WireShape(t *testing.T) {
	data, err := json.Marshal(NewRegisterInspectorCommand("ProgressInspector", 3, Params{"frequency": 1000}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"registerInspector","name":"ProgressInspector","uid":3,"params":{"frequency":1000}}`, string(data))

	data, err = json.Marshal(NewRemoveInspectorCommand(3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"removeInspector","uid":3}`, string(data))

	data, err = json.Marshal(NewInterruptCommand())
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"interrupt"}`, string(data))
}

func TestParamsClone_Independent(t *testing.T) {
	orig := Params{"frequency": 100}
	cmd := NewRegisterInspectorCommand("ProgressInspector", 1, orig)
	orig["frequency"] = 5

	assert.Equal(t, 100, cmd.Params["frequency"])
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"route":"inspect","uid":7,"pcVal":50}`))
	require.NoError(t, err)
	assert.Equal(t, RouteInspect, msg.Route)
	require.NotNil(t, msg.UID)
	assert.Equal(t, 7, *msg.UID)

	var p ProgressPayload
	require.NoError(t, msg.ParsePayload(&p))
	assert.Equal(t, 50.0, p.PcVal)
}

func TestDecodeMessage_NoUID(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"route":"error","message":"boom"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.UID)
	assert.Equal(t, RouteError, msg.Route)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	for _, frame := range []string{`not json`, `{"route":`, `{"route":"inspect"`, ``} {
		_, err := DecodeMessage([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}
}

func TestDecodeMessage_UnexpectedShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		route string
		uid   *int
	}{
		{"string uid", `{"route":"inspect","uid":"2"}`, RouteInspect, nil},
		{"fractional uid", `{"route":"inspect","uid":1.5}`, RouteInspect, nil},
		{"null uid", `{"route":"inspect","uid":null}`, RouteInspect, nil},
		{"numeric route", `{"route":7,"uid":3}`, "", intPtr(3)},
		{"missing route", `{"uid":3}`, "", intPtr(3)},
		{"array", `[1,2]`, "", nil},
		{"null", `null`, "", nil},
		{"string", `"inspect"`, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.route, msg.Route)
			assert.Equal(t, tt.uid, msg.UID)
			assert.JSONEq(t, tt.frame, string(msg.Raw))
		})
	}
}

func intPtr(n int) *int { return &n }

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"command":"removeInspector","uid":4}`))
	require.NoError(t, err)
	assert.Equal(t, CommandRemoveInspector, env.Command)

	var cmd RemoveInspectorCommand
	require.NoError(t, env.ParsePayload(&cmd))
	assert.Equal(t, 4, cmd.UID)
}
