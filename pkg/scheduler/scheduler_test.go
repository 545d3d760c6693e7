package scheduler

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched map[string]string // execution ID -> worker name
	versions   map[string]int    // execution ID -> catalog version
	fail       bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		dispatched: make(map[string]string),
		versions:   make(map[string]int),
	}
}

func (d *recordingDispatcher) Dispatch(worker *types.Worker, exec *types.Execution, entry *types.CatalogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return assert.AnError
	}
	d.dispatched[exec.ID] = worker.Name
	d.versions[exec.ID] = entry.Version
	return nil
}

func (d *recordingDispatcher) workerFor(execID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched[execID]
}

func (d *recordingDispatcher) versionFor(execID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions[execID]
}

func newTestSetup(t *testing.T, opts catalog.RegisterOptions) (*manager.Manager, *recordingDispatcher, *Scheduler) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := catalog.New(store)
	_, err = cat.Register("etl", []byte("src"), opts)
	require.NoError(t, err)

	mgr := manager.New(store, nil, cat)
	dispatcher := newRecordingDispatcher()
	sched := New(mgr, dispatcher, Config{})
	return mgr, dispatcher, sched
}

func registerWorker(t *testing.T, mgr *manager.Manager, name string, res *types.WorkerResources) {
	t.Helper()
	require.NoError(t, mgr.RegisterWorker(&types.Worker{
		Name:                name,
		SessionID:           "sess-" + name,
		Resources:           res,
		RegisteredWorkflows: []string{"etl"},
	}))
}

func TestDispatchToEligibleWorker(t *testing.T) {
	mgr, dispatcher, sched := newTestSetup(t, catalog.RegisterOptions{})
	registerWorker(t, mgr, "worker-1", nil)

	exec, err := mgr.SubmitExecution("etl", 0, json.RawMessage(`{}`))
	require.NoError(t, err)

	sched.DispatchPending()

	assert.Equal(t, "worker-1", dispatcher.workerFor(exec.ID))
	got, err := mgr.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateClaimed, got.State)
}

func TestUnmatchedExecutionStaysScheduled(t *testing.T) {
	mgr, dispatcher, sched := newTestSetup(t, catalog.RegisterOptions{
		ResourceRequest: &types.ResourceRequest{GPU: true},
	})
	registerWorker(t, mgr, "cpu-only", &types.WorkerResources{MemoryBytes: 1 << 30, CPUShares: 1024})

	exec, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)

	sched.DispatchPending()
	assert.Empty(t, dispatcher.workerFor(exec.ID))

	got, err := mgr.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateScheduled, got.State)

	// A matching worker appearing later picks it up.
	registerWorker(t, mgr, "gpu-worker", &types.WorkerResources{
		MemoryBytes: 1 << 30,
		CPUShares:   1024,
		GPUs:        []types.GPUInfo{{Name: "a100", MemoryTotal: 40 << 30}},
	})
	sched.DispatchPending()
	assert.Equal(t, "gpu-worker", dispatcher.workerFor(exec.ID))
}

func TestDispatchMatchesSubmittedVersion(t *testing.T) {
	mgr, dispatcher, sched := newTestSetup(t, catalog.RegisterOptions{})
	registerWorker(t, mgr, "cpu-only", &types.WorkerResources{MemoryBytes: 1 << 30, CPUShares: 1024})

	exec, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)

	// A later registration with stricter requirements must not affect
	// an execution already submitted against version 1.
	_, err = mgr.Catalog().Register("etl", []byte("src-v2"), catalog.RegisterOptions{
		ResourceRequest: &types.ResourceRequest{GPU: true},
	})
	require.NoError(t, err)

	sched.DispatchPending()
	assert.Equal(t, "cpu-only", dispatcher.workerFor(exec.ID))
	assert.Equal(t, 1, dispatcher.versionFor(exec.ID))
}

func TestDispatchFailureReleasesClaim(t *testing.T) {
	mgr, dispatcher, sched := newTestSetup(t, catalog.RegisterOptions{})
	registerWorker(t, mgr, "worker-1", nil)
	dispatcher.fail = true

	exec, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)

	sched.DispatchPending()

	got, err := mgr.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateScheduled, got.State)

	claims, err := mgr.ListClaims()
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestFewestClaimsTieBreak(t *testing.T) {
	mgr, dispatcher, sched := newTestSetup(t, catalog.RegisterOptions{})
	registerWorker(t, mgr, "busy", nil)
	registerWorker(t, mgr, "idle", nil)

	// Give "busy" an active claim on another execution.
	other, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)
	_, err = mgr.ClaimExecution(other.ID, "busy", "sess-busy")
	require.NoError(t, err)

	exec, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)

	sched.DispatchPending()
	assert.Equal(t, "idle", dispatcher.workerFor(exec.ID))
}

func TestStableHashTieBreakIsDeterministic(t *testing.T) {
	workers := []*types.Worker{
		{Name: "w-a", SessionID: "sa", RegisteredWorkflows: []string{"etl"}},
		{Name: "w-b", SessionID: "sb", RegisteredWorkflows: []string{"etl"}},
	}
	sched := &Scheduler{lastClaim: make(map[string]time.Time)}

	first := sched.pick(workers, "exec-x", map[string]int{})
	for range 10 {
		assert.Equal(t, first.Name, sched.pick(workers, "exec-x", map[string]int{}).Name)
	}
}

func TestMatches(t *testing.T) {
	worker := &types.Worker{
		Name:                "worker-1",
		RegisteredWorkflows: []string{"etl"},
		Resources: &types.WorkerResources{
			MemoryBytes: 8 << 30,
			CPUShares:   4096,
			Packages:    []string{"pandas", "numpy"},
		},
	}

	tests := []struct {
		name     string
		workflow string
		req      *types.ResourceRequest
		want     bool
	}{
		{"no constraints", "etl", nil, true},
		{"unregistered workflow", "other", nil, false},
		{"memory fits", "etl", &types.ResourceRequest{MemoryBytes: 4 << 30}, true},
		{"memory too large", "etl", &types.ResourceRequest{MemoryBytes: 16 << 30}, false},
		{"cpu fits", "etl", &types.ResourceRequest{CPUShares: 2048}, true},
		{"cpu too large", "etl", &types.ResourceRequest{CPUShares: 8192}, false},
		{"gpu missing", "etl", &types.ResourceRequest{GPU: true}, false},
		{"packages subset", "etl", &types.ResourceRequest{Packages: []string{"numpy"}}, true},
		{"package missing", "etl", &types.ResourceRequest{Packages: []string{"torch"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(worker, tt.workflow, tt.req))
		})
	}
}
