package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxhq/flux/pkg/types"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound       = errors.New("not found")
	ErrClaimExists    = errors.New("claim already exists for execution")
	ErrVersionExists  = errors.New("catalog entry version already exists")
	ErrStaleExecution = errors.New("execution state changed concurrently")
)

// ExecutionFilter narrows ListExecutions results. Zero values match all.
type ExecutionFilter struct {
	State        types.ExecutionState
	WorkflowName string
}

// Store is the persistence contract for the engine. Implementations
// must make AppendEvents atomic: the event append and the execution
// snapshot update commit together or not at all.
type Store interface {
	// Executions
	SaveExecution(exec *types.Execution) error
	GetExecution(id string) (*types.Execution, error)
	ListExecutions(filter ExecutionFilter) ([]*types.Execution, error)

	// Events. AppendEvents assigns strictly increasing Seq values,
	// persists the events, and saves the execution snapshot in the
	// same transaction.
	AppendEvents(exec *types.Execution, events []*types.Event) error
	GetEvents(executionID string) ([]*types.Event, error)

	// Catalog. PutCatalogEntry fails with ErrVersionExists when the
	// (name, version) pair is already present; entries are immutable.
	PutCatalogEntry(entry *types.CatalogEntry) error
	GetCatalogEntry(name string, version int) (*types.CatalogEntry, error)
	LatestCatalogVersion(name string) (int, error)
	ListCatalogEntries() ([]*types.CatalogEntry, error)

	// Workers
	UpsertWorker(worker *types.Worker) error
	GetWorker(name string) (*types.Worker, error)
	ListWorkers(onlineOnly bool) ([]*types.Worker, error)

	// Claims. InsertClaim fails with ErrClaimExists when a claim for
	// the execution is already held.
	InsertClaim(claim *types.Claim) error
	GetClaim(executionID string) (*types.Claim, error)
	DeleteClaim(executionID string) error
	ListClaims() ([]*types.Claim, error)

	// Secrets (ciphertext only; encryption happens in pkg/secrets)
	PutSecret(name string, ciphertext []byte) error
	GetSecret(name string) ([]byte, error)
	ListSecretNames() ([]string, error)
	DeleteSecret(name string) error

	// Task cache, keyed by task name + args hash
	PutCacheEntry(key string, value json.RawMessage) error
	GetCacheEntry(key string) (json.RawMessage, error)

	// Output storage blobs
	PutOutput(ref string, value json.RawMessage) error
	GetOutput(ref string) (json.RawMessage, error)

	Close() error
}

// Open creates a store for the configured backend, one of "bolt" or
// "sqlite".
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", "bolt":
		return NewBoltStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
