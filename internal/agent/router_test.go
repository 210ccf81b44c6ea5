package agent

import (
	"testing"

	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, frame string) *protocol.Message {
	t.Helper()
	msg, err := protocol.DecodeMessage([]byte(frame))
	require.NoError(t, err)
	return msg
}

func TestRouter_Route(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	collab := &recordingCollaborator{}
	router := NewRouter(registry, collab, zerolog.Nop())

	calls := 0
	uid := registry.Create("ProgressInspector", nil)
	registry.Attach(uid, SubscriberFunc(func(*protocol.Message) { calls++ }))

	tests := []struct {
		name  string
		frame string
		want  bool
	}{
		{"inspect", `{"route":"inspect","uid":1,"pcVal":50}`, true},
		{"inspect unknown uid", `{"route":"inspect","uid":99}`, true},
		{"error", `{"route":"error","message":"boom"}`, true},
		{"success", `{"route":"success","message":"done"}`, true},
		{"unknown route", `{"route":"telemetry"}`, false},
		{"missing route", `{"uid":1}`, false},
		{"numeric route", `{"route":7,"uid":1}`, false},
		{"inspect string uid", `{"route":"inspect","uid":"1"}`, true},
		{"inspect fractional uid", `{"route":"inspect","uid":1.5}`, true},
		{"array frame", `[1,2]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, router.Route(decode(t, tt.frame)))
		})
	}

	assert.Equal(t, 1, calls)
	require.Len(t, collab.errors, 1)
	require.Len(t, collab.successes, 1)

	var status protocol.StatusPayload
	require.NoError(t, collab.errors[0].ParsePayload(&status))
	assert.Equal(t, "boom", status.Message)
}
