package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/engine"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

func newTestCatalog(t *testing.T) *Catalog {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestRegisterAssignsVersions(t *testing.T) {
	c := newTestCatalog(t)

	v1, err := c.Register("etl", []byte("source-v1"), RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := c.Register("etl", []byte("source-v2"), RegisterOptions{
		ResourceRequest: &types.ResourceRequest{MemoryBytes: 1 << 30},
		SecretRequests:  []string{"api_key"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := c.Get("etl", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []byte("source-v2"), latest.Source)
	assert.Equal(t, []string{"api_key"}, latest.SecretRequests)

	pinned, err := c.Get("etl", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("source-v1"), pinned.Source)

	entries, err := c.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Register("", nil, RegisterOptions{})
	assert.Error(t, err)
}

func TestRegistryLoader(t *testing.T) {
	reg := engine.NewRegistry()
	reg.Register(engine.NewWorkflow("etl", func(ec *engine.ExecutionContext) (any, error) {
		return nil, nil
	}))
	loader := NewRegistryLoader(reg)

	w, err := loader.Load(&types.CatalogEntry{Name: "etl", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "etl", w.Name)

	_, err = loader.Load(&types.CatalogEntry{Name: "unknown", Version: 1})
	assert.Error(t, err)
}
