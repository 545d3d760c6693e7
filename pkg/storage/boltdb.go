package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fluxhq/flux/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketExecutions = []byte("executions")
	bucketEvents     = []byte("events")
	bucketCatalog    = []byte("catalog")
	bucketWorkers    = []byte("workers")
	bucketClaims     = []byte("claims")
	bucketSecrets    = []byte("secrets")
	bucketTaskCache  = []byte("task_cache")
	bucketOutputs    = []byte("outputs")
)

// BoltStore implements Store using BoltDB. Events for each execution
// live in a nested bucket keyed by big-endian sequence number, which
// keeps them ordered and makes appends O(log n).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flux.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketExecutions,
			bucketEvents,
			bucketCatalog,
			bucketWorkers,
			bucketClaims,
			bucketSecrets,
			bucketTaskCache,
			bucketOutputs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Execution operations

func (s *BoltStore) SaveExecution(exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putExecution(tx, exec)
	})
}

func putExecution(tx *bolt.Tx, exec *types.Execution) error {
	b := tx.Bucket(bucketExecutions)
	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return b.Put([]byte(exec.ID), data)
}

func (s *BoltStore) GetExecution(id string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) ListExecutions(filter ExecutionFilter) ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if filter.State != "" && exec.State != filter.State {
				return nil
			}
			if filter.WorkflowName != "" && exec.WorkflowName != filter.WorkflowName {
				return nil
			}
			execs = append(execs, &exec)
			return nil
		})
	})
	return execs, err
}

// Event operations

// AppendEvents assigns sequence numbers, writes the events, and saves
// the execution snapshot in a single transaction.
func (s *BoltStore) AppendEvents(exec *types.Execution, events []*types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(exec.ID))
		if err != nil {
			return fmt.Errorf("failed to create event bucket: %w", err)
		}
		for _, event := range events {
			seq, err := eb.NextSequence()
			if err != nil {
				return err
			}
			event.Seq = seq
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if err := eb.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return putExecution(tx, exec)
	})
}

func (s *BoltStore) GetEvents(executionID string) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEvents).Bucket([]byte(executionID))
		if eb == nil {
			return nil
		}
		c := eb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Catalog operations

func catalogKey(name string, version int) []byte {
	return fmt.Appendf(nil, "%s/%08d", name, version)
}

func (s *BoltStore) PutCatalogEntry(entry *types.CatalogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		key := catalogKey(entry.Name, entry.Version)
		if b.Get(key) != nil {
			return fmt.Errorf("%s v%d: %w", entry.Name, entry.Version, ErrVersionExists)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetCatalogEntry(name string, version int) (*types.CatalogEntry, error) {
	if version == 0 {
		latest, err := s.LatestCatalogVersion(name)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	var entry types.CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCatalog).Get(catalogKey(name, version))
		if data == nil {
			return fmt.Errorf("workflow %s v%d: %w", name, version, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) LatestCatalogVersion(name string) (int, error) {
	latest := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCatalog).Cursor()
		prefix := []byte(name + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.CatalogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Version > latest {
				latest = entry.Version
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
	}
	return latest, nil
}

func (s *BoltStore) ListCatalogEntries() ([]*types.CatalogEntry, error) {
	var entries []*types.CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalog).ForEach(func(k, v []byte) error {
			var entry types.CatalogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// Worker operations

func (s *BoltStore) UpsertWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(worker.Name), data)
	})
}

func (s *BoltStore) GetWorker(name string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("worker %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers(onlineOnly bool) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if onlineOnly && worker.State != types.WorkerStateOnline {
				return nil
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// Claim operations

func (s *BoltStore) InsertClaim(claim *types.Claim) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		if b.Get([]byte(claim.ExecutionID)) != nil {
			return fmt.Errorf("execution %s: %w", claim.ExecutionID, ErrClaimExists)
		}
		data, err := json.Marshal(claim)
		if err != nil {
			return err
		}
		return b.Put([]byte(claim.ExecutionID), data)
	})
}

func (s *BoltStore) GetClaim(executionID string) (*types.Claim, error) {
	var claim types.Claim
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClaims).Get([]byte(executionID))
		if data == nil {
			return fmt.Errorf("claim for %s: %w", executionID, ErrNotFound)
		}
		return json.Unmarshal(data, &claim)
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *BoltStore) DeleteClaim(executionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaims).Delete([]byte(executionID))
	})
}

func (s *BoltStore) ListClaims() ([]*types.Claim, error) {
	var claims []*types.Claim
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaims).ForEach(func(k, v []byte) error {
			var claim types.Claim
			if err := json.Unmarshal(v, &claim); err != nil {
				return err
			}
			claims = append(claims, &claim)
			return nil
		})
	})
	return claims, err
}

// Secret operations

func (s *BoltStore) PutSecret(name string, ciphertext []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(name), ciphertext)
	})
}

func (s *BoltStore) GetSecret(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSecrets).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("secret %s: %w", name, ErrNotFound)
		}
		data = bytes.Clone(v)
		return nil
	})
	return data, err
}

func (s *BoltStore) ListSecretNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) DeleteSecret(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(name))
	})
}

// Task cache operations

func (s *BoltStore) PutCacheEntry(key string, value json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskCache).Put([]byte(key), value)
	})
}

func (s *BoltStore) GetCacheEntry(key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTaskCache).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

// Output storage operations

func (s *BoltStore) PutOutput(ref string, value json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutputs).Put([]byte(ref), value)
	})
}

func (s *BoltStore) GetOutput(ref string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOutputs).Get([]byte(ref))
		if v == nil {
			return fmt.Errorf("output %s: %w", ref, ErrNotFound)
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}
