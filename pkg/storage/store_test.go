package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/types"
)

// backends runs the given test against both store implementations.
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("bolt", func(t *testing.T) {
		store, err := NewBoltStore(t.TempDir())
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(t.TempDir())
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func newTestExecution(id string) *types.Execution {
	return &types.Execution{
		ID:           id,
		WorkflowID:   "wf-" + id,
		WorkflowName: "hello_world",
		State:        types.ExecutionStateCreated,
		Input:        json.RawMessage(`"world"`),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		exec := newTestExecution("exec-1")
		require.NoError(t, store.SaveExecution(exec))

		got, err := store.GetExecution("exec-1")
		require.NoError(t, err)
		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, exec.WorkflowName, got.WorkflowName)
		assert.Equal(t, types.ExecutionStateCreated, got.State)
		assert.JSONEq(t, `"world"`, string(got.Input))

		_, err = store.GetExecution("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListExecutionsFilter(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		a := newTestExecution("exec-a")
		b := newTestExecution("exec-b")
		b.State = types.ExecutionStateCompleted
		c := newTestExecution("exec-c")
		c.WorkflowName = "other_flow"
		for _, e := range []*types.Execution{a, b, c} {
			require.NoError(t, store.SaveExecution(e))
		}

		all, err := store.ListExecutions(ExecutionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		completed, err := store.ListExecutions(ExecutionFilter{State: types.ExecutionStateCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "exec-b", completed[0].ID)

		byName, err := store.ListExecutions(ExecutionFilter{WorkflowName: "hello_world"})
		require.NoError(t, err)
		assert.Len(t, byName, 2)
	})
}

func TestAppendEventsAssignsSequence(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		exec := newTestExecution("exec-seq")
		require.NoError(t, store.SaveExecution(exec))

		first := []*types.Event{
			{Type: types.EventWorkflowScheduled, SourceType: types.SourceWorkflow, SourceID: exec.ID, Time: time.Now().UTC()},
			{Type: types.EventWorkflowStarted, SourceType: types.SourceWorkflow, SourceID: exec.ID, Time: time.Now().UTC()},
		}
		exec.State = types.ExecutionStateRunning
		require.NoError(t, store.AppendEvents(exec, first))
		assert.Equal(t, uint64(1), first[0].Seq)
		assert.Equal(t, uint64(2), first[1].Seq)

		second := []*types.Event{
			{Type: types.EventWorkflowCompleted, SourceType: types.SourceWorkflow, SourceID: exec.ID, Time: time.Now().UTC()},
		}
		exec.State = types.ExecutionStateCompleted
		require.NoError(t, store.AppendEvents(exec, second))
		assert.Equal(t, uint64(3), second[0].Seq)

		events, err := store.GetEvents(exec.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
		assert.Equal(t, types.EventWorkflowCompleted, events[2].Type)

		// Snapshot was updated in the same transaction.
		got, err := store.GetExecution(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ExecutionStateCompleted, got.State)
	})
}

func TestEventLogsAreIsolatedPerExecution(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		a := newTestExecution("exec-iso-a")
		b := newTestExecution("exec-iso-b")
		require.NoError(t, store.SaveExecution(a))
		require.NoError(t, store.SaveExecution(b))

		evA := []*types.Event{{Type: types.EventWorkflowStarted, SourceType: types.SourceWorkflow, SourceID: a.ID, Time: time.Now().UTC()}}
		evB := []*types.Event{{Type: types.EventWorkflowStarted, SourceType: types.SourceWorkflow, SourceID: b.ID, Time: time.Now().UTC()}}
		require.NoError(t, store.AppendEvents(a, evA))
		require.NoError(t, store.AppendEvents(b, evB))

		assert.Equal(t, uint64(1), evA[0].Seq)
		assert.Equal(t, uint64(1), evB[0].Seq)

		eventsA, err := store.GetEvents(a.ID)
		require.NoError(t, err)
		assert.Len(t, eventsA, 1)
	})
}

func TestCatalogVersionImmutability(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		v1 := &types.CatalogEntry{ID: "cat-1", Name: "hello_world", Version: 1, CreatedAt: time.Now().UTC()}
		require.NoError(t, store.PutCatalogEntry(v1))

		dup := &types.CatalogEntry{ID: "cat-dup", Name: "hello_world", Version: 1}
		assert.ErrorIs(t, store.PutCatalogEntry(dup), ErrVersionExists)

		v2 := &types.CatalogEntry{ID: "cat-2", Name: "hello_world", Version: 2, CreatedAt: time.Now().UTC()}
		require.NoError(t, store.PutCatalogEntry(v2))

		latest, err := store.LatestCatalogVersion("hello_world")
		require.NoError(t, err)
		assert.Equal(t, 2, latest)

		// Version 0 resolves to latest.
		got, err := store.GetCatalogEntry("hello_world", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)

		got, err = store.GetCatalogEntry("hello_world", 1)
		require.NoError(t, err)
		assert.Equal(t, "cat-1", got.ID)

		_, err = store.GetCatalogEntry("unknown", 0)
		assert.ErrorIs(t, err, ErrNotFound)

		entries, err := store.ListCatalogEntries()
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestWorkerRegistry(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		w := &types.Worker{
			Name:      "worker-1",
			SessionID: "sess-1",
			State:     types.WorkerStateOnline,
			Resources: &types.WorkerResources{MemoryBytes: 1 << 30, CPUShares: 2048},
			LastSeen:  time.Now().UTC(),
		}
		require.NoError(t, store.UpsertWorker(w))

		offline := &types.Worker{Name: "worker-2", SessionID: "sess-2", State: types.WorkerStateOffline}
		require.NoError(t, store.UpsertWorker(offline))

		got, err := store.GetWorker("worker-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", got.SessionID)
		assert.Equal(t, int64(1<<30), got.Resources.MemoryBytes)

		online, err := store.ListWorkers(true)
		require.NoError(t, err)
		require.Len(t, online, 1)
		assert.Equal(t, "worker-1", online[0].Name)

		all, err := store.ListWorkers(false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		// Upsert replaces the session.
		w.SessionID = "sess-9"
		require.NoError(t, store.UpsertWorker(w))
		got, err = store.GetWorker("worker-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-9", got.SessionID)
	})
}

func TestClaimExclusivity(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		claim := &types.Claim{
			ExecutionID:     "exec-claim",
			WorkerName:      "worker-1",
			WorkerSessionID: "sess-1",
			ClaimedAt:       time.Now().UTC(),
		}
		require.NoError(t, store.InsertClaim(claim))

		rival := &types.Claim{ExecutionID: "exec-claim", WorkerName: "worker-2", WorkerSessionID: "sess-2"}
		assert.ErrorIs(t, store.InsertClaim(rival), ErrClaimExists)

		got, err := store.GetClaim("exec-claim")
		require.NoError(t, err)
		assert.Equal(t, "worker-1", got.WorkerName)

		require.NoError(t, store.DeleteClaim("exec-claim"))
		_, err = store.GetClaim("exec-claim")
		assert.ErrorIs(t, err, ErrNotFound)

		// A released execution can be claimed again.
		require.NoError(t, store.InsertClaim(rival))
		claims, err := store.ListClaims()
		require.NoError(t, err)
		assert.Len(t, claims, 1)
	})
}

func TestSecretsCiphertext(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		require.NoError(t, store.PutSecret("api_key", []byte{0x01, 0x02, 0x03}))
		require.NoError(t, store.PutSecret("db_password", []byte{0xff}))

		got, err := store.GetSecret("api_key")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)

		names, err := store.ListSecretNames()
		require.NoError(t, err)
		assert.Equal(t, []string{"api_key", "db_password"}, names)

		require.NoError(t, store.DeleteSecret("api_key"))
		_, err = store.GetSecret("api_key")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTaskCacheAndOutputs(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		require.NoError(t, store.PutCacheEntry("expensive/abc123", json.RawMessage(`{"n":42}`)))
		val, err := store.GetCacheEntry("expensive/abc123")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":42}`, string(val))

		_, err = store.GetCacheEntry("missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.PutOutput("out-ref-1", json.RawMessage(`"big payload"`)))
		out, err := store.GetOutput("out-ref-1")
		require.NoError(t, err)
		assert.JSONEq(t, `"big payload"`, string(out))
	})
}

func TestOpenDispatch(t *testing.T) {
	dir := t.TempDir()
	store, err := Open("bolt", dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open("sqlite", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open("postgres", dir)
	assert.Error(t, err)
}
