// Package catalog manages the durable registry of workflow versions.
// Entries are immutable per (name, version); registering a name again
// creates the next version. Workers resolve catalog entries to
// executable workflows through a Loader.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/pkg/engine"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

// Catalog wraps the storage layer's catalog operations.
type Catalog struct {
	store storage.Store
}

// New creates a catalog over the storage backend.
func New(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// RegisterOptions carry the metadata attached to a new version.
type RegisterOptions struct {
	ResourceRequest   *types.ResourceRequest
	SecretRequests    []string
	OutputStorageKind string
}

// Register stores source as the next version of name and returns the
// new entry.
func (c *Catalog) Register(name string, source []byte, opts RegisterOptions) (*types.CatalogEntry, error) {
	if name == "" {
		return nil, fmt.Errorf("workflow name cannot be empty")
	}

	version := 1
	latest, err := c.store.LatestCatalogVersion(name)
	if err == nil {
		version = latest + 1
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	entry := &types.CatalogEntry{
		ID:                uuid.NewString(),
		Name:              name,
		Version:           version,
		Source:            source,
		ResourceRequest:   opts.ResourceRequest,
		SecretRequests:    opts.SecretRequests,
		OutputStorageKind: opts.OutputStorageKind,
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.store.PutCatalogEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the entry for name at version; version 0 means latest.
func (c *Catalog) Get(name string, version int) (*types.CatalogEntry, error) {
	return c.store.GetCatalogEntry(name, version)
}

// List returns all entries ordered by name and version.
func (c *Catalog) List() ([]*types.CatalogEntry, error) {
	return c.store.ListCatalogEntries()
}

// Loader turns a catalog entry into an executable workflow.
type Loader interface {
	Load(entry *types.CatalogEntry) (*engine.Workflow, error)
}

// RegistryLoader resolves entries against the workflows compiled into
// the worker binary. The catalog holds the source of record; the
// loader only hands out implementations whose name is registered.
type RegistryLoader struct {
	registry *engine.Registry
}

// NewRegistryLoader wraps an engine registry.
func NewRegistryLoader(registry *engine.Registry) *RegistryLoader {
	return &RegistryLoader{registry: registry}
}

// Load returns the registered workflow matching the entry's name.
func (l *RegistryLoader) Load(entry *types.CatalogEntry) (*engine.Workflow, error) {
	w, err := l.registry.Get(entry.Name)
	if err != nil {
		return nil, fmt.Errorf("catalog entry %s v%d has no local implementation: %w",
			entry.Name, entry.Version, err)
	}
	return w, nil
}
