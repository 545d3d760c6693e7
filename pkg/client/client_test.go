package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/secrets"
	"github.com/fluxhq/flux/pkg/server"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newClient(t *testing.T) (*Client, *manager.Manager) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cat := catalog.New(store)
	mgr := manager.New(store, broker, cat)
	sec, err := secrets.NewManagerFromPassword("test-password", store)
	require.NoError(t, err)

	srv := server.New(config.ServerConfig{}, mgr, broker, sec, store)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return New(ts.URL), mgr
}

func TestRegisterRunAndStatus(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	entry, err := c.RegisterWorkflow(ctx, "etl", "etl.py", []byte("def main(): pass"), RegisterWorkflowOptions{
		SecretRequests: []string{"api_key"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, []string{"api_key"}, entry.SecretRequests)

	exec, err := c.Run(ctx, "etl", 0, json.RawMessage(`{"n":1}`), RunAsync)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateScheduled, exec.State)

	status, err := c.Status(ctx, "etl", exec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, status.Execution.ID)
	require.Len(t, status.Events, 1)
	assert.Equal(t, types.EventWorkflowScheduled, status.Events[0].Type)

	workflows, err := c.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 1)

	execs, err := c.ListExecutions(ctx, string(types.ExecutionStateScheduled), "etl")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, exec.ID, execs[0].ID)
}

func TestRunUnknownWorkflowSurfacesServerError(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Run(context.Background(), "missing", 0, nil, RunAsync)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCancelAndStreamEvents(t *testing.T) {
	c, mgr := newClient(t)
	ctx := context.Background()

	_, err := c.RegisterWorkflow(ctx, "etl", "etl.py", []byte("src"), RegisterWorkflowOptions{})
	require.NoError(t, err)
	exec, err := mgr.SubmitExecution("etl", 0, nil)
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, "etl", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStateCancelled, cancelled.State)

	var seen []types.EventType
	err = c.StreamEvents(ctx, exec.ID, func(ev *types.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EventType{
		types.EventWorkflowScheduled,
		types.EventWorkflowCancelling,
		types.EventWorkflowCancelled,
	}, seen)
}

func TestSecretOperations(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetSecret(ctx, "db_password", "hunter2"))

	value, err := c.GetSecret(ctx, "db_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	require.NoError(t, c.RotateSecret(ctx, "db_password", "hunter3"))
	value, err = c.GetSecret(ctx, "db_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter3", value)

	names, err := c.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_password"}, names)

	require.NoError(t, c.RemoveSecret(ctx, "db_password"))
	_, err = c.GetSecret(ctx, "db_password")
	require.Error(t, err)
}
