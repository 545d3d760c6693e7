package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/engine"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/scheduler"
	"github.com/fluxhq/flux/pkg/secrets"
	"github.com/fluxhq/flux/pkg/server"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

type harness struct {
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	url       string
}

// newHarness wires a full in-process control plane: storage, manager,
// server with worker hub, and a scheduler driven manually by tests.
func newHarness(t *testing.T, workflows ...string) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cat := catalog.New(store)
	for _, name := range workflows {
		_, err := cat.Register(name, []byte("src"), catalog.RegisterOptions{})
		require.NoError(t, err)
	}

	mgr := manager.New(store, broker, cat)
	sec, err := secrets.NewManagerFromPassword("test-password", store)
	require.NoError(t, err)

	srv := server.New(config.ServerConfig{}, mgr, broker, sec, store)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	sched := scheduler.New(mgr, srv.Hub(), scheduler.Config{})
	return &harness{manager: mgr, scheduler: sched, url: ts.URL}
}

func startWorker(t *testing.T, h *harness, registry *engine.Registry, cfg config.WorkerConfig) *Worker {
	t.Helper()
	cfg.ServerURL = h.url
	w := New(cfg, registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("worker run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not shut down")
		}
	})

	// Registration is synchronous inside Run; wait until it lands.
	require.Eventually(t, func() bool {
		worker, err := h.manager.GetWorker(cfg.Name)
		return err == nil && worker.State == types.WorkerStateOnline
	}, 5*time.Second, 20*time.Millisecond)
	return w
}

func waitForState(t *testing.T, h *harness, executionID string, want types.ExecutionState) *types.Execution {
	t.Helper()
	var exec *types.Execution
	require.Eventually(t, func() bool {
		h.scheduler.DispatchPending()
		var err error
		exec, err = h.manager.GetExecution(executionID)
		return err == nil && exec.State == want
	}, 15*time.Second, 50*time.Millisecond)
	return exec
}

func TestWorkerRunsDispatchedExecution(t *testing.T) {
	h := newHarness(t, "greet")

	registry := engine.NewRegistry()
	hello := engine.NewTask("hello", func(ctx context.Context, inv *engine.Invocation) (any, error) {
		return "Hello, " + inv.String(0) + "!", nil
	})
	registry.Register(engine.NewWorkflow("greet", func(ec *engine.ExecutionContext) (any, error) {
		var input struct {
			Name string `json:"name"`
		}
		if err := ec.Input(&input); err != nil {
			return nil, err
		}
		raw, err := hello.Run(ec, input.Name)
		if err != nil {
			return nil, err
		}
		var out string
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}))

	startWorker(t, h, registry, config.WorkerConfig{Name: "w1", Concurrency: 2})

	exec, err := h.manager.SubmitExecution("greet", 0, json.RawMessage(`{"name":"World"}`))
	require.NoError(t, err)

	final := waitForState(t, h, exec.ID, types.ExecutionStateCompleted)
	assert.JSONEq(t, `"Hello, World!"`, string(final.Output))

	evs, err := h.manager.GetEvents(exec.ID)
	require.NoError(t, err)
	var eventTypes []types.EventType
	for _, ev := range evs {
		eventTypes = append(eventTypes, ev.Type)
	}
	assert.Equal(t, []types.EventType{
		types.EventWorkflowScheduled,
		types.EventWorkflowClaimed,
		types.EventWorkflowStarted,
		types.EventTaskStarted,
		types.EventTaskCompleted,
		types.EventWorkflowCompleted,
	}, eventTypes)
}

func TestWorkerPauseAndResumeAcrossDispatches(t *testing.T) {
	h := newHarness(t, "approval")

	registry := engine.NewRegistry()
	registry.Register(engine.NewWorkflow("approval", func(ec *engine.ExecutionContext) (any, error) {
		payload, err := engine.Pause(ec, "wait-for-approval")
		if err != nil {
			return nil, err
		}
		var decision struct {
			Approved bool `json:"approved"`
		}
		if err := json.Unmarshal(payload, &decision); err != nil {
			return nil, err
		}
		return map[string]bool{"approved": decision.Approved}, nil
	}))

	startWorker(t, h, registry, config.WorkerConfig{Name: "w1"})

	exec, err := h.manager.SubmitExecution("approval", 0, nil)
	require.NoError(t, err)
	waitForState(t, h, exec.ID, types.ExecutionStatePaused)

	_, err = h.manager.ResumeExecution(exec.ID, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)

	final := waitForState(t, h, exec.ID, types.ExecutionStateCompleted)
	assert.JSONEq(t, `{"approved":true}`, string(final.Output))
}

func TestWorkerCancelledViaCheckpointInterrupt(t *testing.T) {
	h := newHarness(t, "long")

	registry := engine.NewRegistry()
	step := engine.NewTask("step", func(ctx context.Context, inv *engine.Invocation) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return inv.Int(0), nil
	})
	registry.Register(engine.NewWorkflow("long", func(ec *engine.ExecutionContext) (any, error) {
		for i := 0; i < 200; i++ {
			if _, err := step.Run(ec, i); err != nil {
				return nil, err
			}
		}
		return "done", nil
	}))

	startWorker(t, h, registry, config.WorkerConfig{Name: "w1"})

	exec, err := h.manager.SubmitExecution("long", 0, nil)
	require.NoError(t, err)
	waitForState(t, h, exec.ID, types.ExecutionStateRunning)

	// The CANCELLING state travels back on the next checkpoint; no
	// worker stream push is needed.
	_, needsSignal, err := h.manager.CancelExecution(exec.ID)
	require.NoError(t, err)
	assert.True(t, needsSignal)

	final := waitForState(t, h, exec.ID, types.ExecutionStateCancelled)

	var errVal types.ErrorValue
	require.NoError(t, json.Unmarshal(final.Output, &errVal))
	assert.Equal(t, types.ErrorKindCancelled, errVal.Kind)
}

func TestWorkerStopSuspendsActiveExecutions(t *testing.T) {
	h := newHarness(t, "blocker")

	registry := engine.NewRegistry()
	block := engine.NewTask("block", func(ctx context.Context, inv *engine.Invocation) (any, error) {
		select {
		case <-time.After(30 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	registry.Register(engine.NewWorkflow("blocker", func(ec *engine.ExecutionContext) (any, error) {
		raw, err := block.Run(ec)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}))

	w := startWorker(t, h, registry, config.WorkerConfig{Name: "w1"})

	exec, err := h.manager.SubmitExecution("blocker", 0, nil)
	require.NoError(t, err)
	waitForState(t, h, exec.ID, types.ExecutionStateRunning)

	w.Stop()

	// The blocked task is interrupted and the claim handed back for
	// re-dispatch; the execution is not finalized.
	require.Eventually(t, func() bool {
		got, err := h.manager.GetExecution(exec.ID)
		return err == nil && got.State == types.ExecutionStateScheduled
	}, 5*time.Second, 50*time.Millisecond)

	claims, err := h.manager.ListClaims()
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestWorkerWithoutWorkflowIsNotDispatched(t *testing.T) {
	h := newHarness(t, "greet", "other")

	registry := engine.NewRegistry()
	registry.Register(engine.NewWorkflow("other", func(ec *engine.ExecutionContext) (any, error) {
		return nil, nil
	}))
	startWorker(t, h, registry, config.WorkerConfig{Name: "w1"})

	exec, err := h.manager.SubmitExecution("greet", 0, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.scheduler.DispatchPending()
		time.Sleep(50 * time.Millisecond)
	}
	got, err := h.manager.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateScheduled, got.State)
}

func TestDetectResourcesHonorsOverrides(t *testing.T) {
	res := detectResources(config.WorkerConfig{
		MemoryBytes: 2 << 30,
		CPUShares:   512,
		GPU:         true,
		Packages:    []string{"pandas"},
	})
	assert.Equal(t, int64(2<<30), res.MemoryBytes)
	assert.Equal(t, int64(512), res.CPUShares)
	assert.True(t, res.HasGPU())
	assert.Equal(t, []string{"pandas"}, res.Packages)

	detected := detectResources(config.WorkerConfig{})
	assert.Greater(t, detected.CPUShares, int64(0))
	assert.False(t, detected.HasGPU())
}
