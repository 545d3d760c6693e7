package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/storage"
)

func newTestManager(t *testing.T) *Manager {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManagerFromPassword("test-password", store)
	require.NoError(t, err)
	return m
}

func TestSetGetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("api_key", "s3cr3t-value"))
	got, err := m.Get("api_key")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCiphertextAtRest(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m, err := NewManagerFromPassword("pw", store)
	require.NoError(t, err)
	require.NoError(t, m.Set("db_password", "hunter2"))

	raw, err := store.GetSecret("db_password")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestListAndRemove(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("a", "1"))
	require.NoError(t, m.Set("b", "2"))

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, m.Remove("a"))
	_, err = m.Get("a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, m.Remove("a"), storage.ErrNotFound)
}

func TestRotate(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("token", "old"))

	// Rotate without a new value keeps the plaintext.
	require.NoError(t, m.Rotate("token", ""))
	got, err := m.Get("token")
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	require.NoError(t, m.Rotate("token", "new"))
	got, err = m.Get("token")
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	assert.ErrorIs(t, m.Rotate("missing", "x"), storage.ErrNotFound)
}

func TestResolve(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Set("user", "admin"))
	require.NoError(t, m.Set("pass", "pw"))

	resolved, err := m.Resolve([]string{"user", "pass"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "admin", "pass": "pw"}, resolved)

	_, err = m.Resolve([]string{"user", "absent"})
	assert.Error(t, err)
}

func TestKeyValidation(t *testing.T) {
	_, err := NewManager([]byte("short"), nil)
	assert.Error(t, err)

	_, err = NewManagerFromPassword("", nil)
	assert.Error(t, err)
}
