package agent_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hiestaa/RLViz/internal/agent"
	"github.com/Hiestaa/RLViz/internal/config"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/Hiestaa/RLViz/internal/trainserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events collects collaborator callbacks and inspect messages from the loop
// goroutine.
type events struct {
	mu   sync.Mutex
	seen seen
}

type seen struct {
	reconnected  int
	disconnected int
	errors       []string
	successes    []string
	progress     []protocol.ProgressPayload
}

func (e *events) OnReconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen.reconnected++
}

func (e *events) OnDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen.disconnected++
}

func (e *events) OnServerError(msg *protocol.Message) {
	var p protocol.StatusPayload
	_ = msg.ParsePayload(&p)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen.errors = append(e.seen.errors, p.Message)
}

func (e *events) OnServerSuccess(msg *protocol.Message) {
	var p protocol.StatusPayload
	_ = msg.ParsePayload(&p)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen.successes = append(e.seen.successes, p.Message)
}

func (e *events) Dispatch(msg *protocol.Message) {
	var p protocol.ProgressPayload
	_ = msg.ParsePayload(&p)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen.progress = append(e.seen.progress, p)
}

func (e *events) snapshot() seen {
	e.mu.Lock()
	defer e.mu.Unlock()
	return seen{
		reconnected:  e.seen.reconnected,
		disconnected: e.seen.disconnected,
		errors:       append([]string(nil), e.seen.errors...),
		successes:    append([]string(nil), e.seen.successes...),
		progress:     append([]protocol.ProgressPayload(nil), e.seen.progress...),
	}
}

type harness struct {
	server *trainserver.Server
	agent  *agent.Agent
	events *events
	errCh  chan error
}

func startHarness(t *testing.T) *harness {
	t.Helper()

	db, err := trainserver.InitDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := trainserver.New(trainserver.DefaultConfig(), db, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.ServerURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/subscribe/train"

	h := &harness{server: srv, events: &events{}, errCh: make(chan error, 1)}
	h.agent = agent.New(cfg, zerolog.Nop(), h.events)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.errCh <- h.agent.Run(ctx) }()

	require.Eventually(t, func() bool { return h.agent.IsReady(ctx) }, 5*time.Second, 10*time.Millisecond)
	return h
}

func TestAgent_TrainReceivesProgress(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	uid, err := h.agent.AddInspector(ctx, "ProgressInspector", protocol.Params{"frequency": 10}, h.events)
	require.NoError(t, err)
	assert.Equal(t, 1, uid)

	sent := make(chan struct{})
	h.agent.Train(agent.TrainRequest{
		Problem:     "GridWorld",
		Algorithm:   "Sarsa",
		AgentParams: protocol.Params{"nEpisodes": 100, "delay": 0},
	}, func() { close(sent) })

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("train command never sent")
	}

	require.Eventually(t, func() bool {
		return len(h.events.snapshot().successes) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := h.events.snapshot()
	require.Len(t, got.progress, 10)
	assert.Equal(t, 1, got.progress[0].UID)
	assert.Equal(t, 100.0, got.progress[9].PcVal)
	assert.Equal(t, []string{"training complete"}, got.successes)
}

func TestAgent_ServerErrorReachesCollaborator(t *testing.T) {
	h := startHarness(t)

	h.agent.Train(agent.TrainRequest{Problem: "Chess", Algorithm: "Sarsa"}, nil)

	require.Eventually(t, func() bool {
		return len(h.events.snapshot().errors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.events.snapshot().errors[0], "unknown problem")
}

func TestAgent_ReconnectReplaysInspectors(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	_, err := h.agent.AddInspector(ctx, "EfficiencyInspector", protocol.Params{"frequency": 20}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		insp := h.server.Hub().Inspectors()
		return len(insp) == 1 && len(insp[0]) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.server.Hub().DropAll()

	require.Eventually(t, func() bool {
		return h.events.snapshot().reconnected == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, h.events.snapshot().disconnected)

	// The efficiency inspector comes back under its uid, followed by a
	// default progress inspector.
	require.Eventually(t, func() bool {
		insp := h.server.Hub().Inspectors()
		return len(insp) == 1 && assert.ObjectsAreEqual([]int{1, 2}, insp[0])
	}, 5*time.Second, 10*time.Millisecond)

	subs, err := h.agent.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "EfficiencyInspector", subs[0].Name)
	assert.Equal(t, agent.DefaultInspector, subs[1].Name)
}

func TestAgent_ShutdownClosesNormally(t *testing.T) {
	h := startHarness(t)

	h.agent.Shutdown()

	select {
	case err := <-h.errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Equal(t, 0, h.events.snapshot().disconnected)
	assert.ErrorIs(t, h.agent.Run(context.Background()), agent.ErrAlreadyRun)
}
