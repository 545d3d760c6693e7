// Package outputs stores task results that exceed the inline event
// size threshold. Events then carry an opaque reference instead of
// the value.
package outputs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/pkg/storage"
)

// Store persists output blobs in the storage backend. It satisfies
// the engine's OutputStore interface.
type Store struct {
	backend storage.Store
}

// New creates an output store over the storage backend.
func New(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Put stores a value and returns its reference.
func (s *Store) Put(taskID string, value json.RawMessage) (string, error) {
	ref := fmt.Sprintf("%s/%s", taskID, uuid.NewString())
	if err := s.backend.PutOutput(ref, value); err != nil {
		return "", fmt.Errorf("failed to store output for %s: %w", taskID, err)
	}
	return ref, nil
}

// Get resolves a reference back to its value.
func (s *Store) Get(ref string) (json.RawMessage, error) {
	return s.backend.GetOutput(ref)
}
