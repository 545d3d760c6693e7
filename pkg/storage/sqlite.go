package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fluxhq/flux/pkg/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over a single-file SQLite database.
// It exists for operational parity with deployments that prefer a
// SQL inspection surface over BoltDB; the semantics are identical.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	state TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
CREATE TABLE IF NOT EXISTS catalog (
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE TABLE IF NOT EXISTS workers (
	name TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS claims (
	execution_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS secrets (
	name TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS task_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS outputs (
	ref TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// NewSQLiteStore creates a SQLite-backed store under dataDir. Pass
// ":memory:" as dataDir for an in-memory database in tests.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	path := dataDir
	if path != ":memory:" {
		path = filepath.Join(dataDir, "flux.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Execution operations

func (s *SQLiteStore) SaveExecution(exec *types.Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO executions (id, workflow_id, workflow_name, state, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id,
			workflow_name=excluded.workflow_name, state=excluded.state, data=excluded.data`,
		exec.ID, exec.WorkflowID, exec.WorkflowName, string(exec.State), data)
	return err
}

func (s *SQLiteStore) GetExecution(id string) (*types.Execution, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM executions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var exec types.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteStore) ListExecutions(filter ExecutionFilter) ([]*types.Execution, error) {
	query := `SELECT data FROM executions WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*types.Execution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var exec types.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// Event operations

func (s *SQLiteStore) AppendEvents(exec *types.Execution, events []*types.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq uint64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE execution_id = ?`,
		exec.ID).Scan(&seq); err != nil {
		return err
	}

	for _, event := range events {
		seq++
		event.Seq = seq
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO events (execution_id, seq, data) VALUES (?, ?, ?)`,
			exec.ID, seq, data); err != nil {
			return err
		}
	}

	exec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO executions (id, workflow_id, workflow_name, state, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id,
			workflow_name=excluded.workflow_name, state=excluded.state, data=excluded.data`,
		exec.ID, exec.WorkflowID, exec.WorkflowName, string(exec.State), data); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetEvents(executionID string) ([]*types.Event, error) {
	rows, err := s.db.Query(`SELECT data FROM events WHERE execution_id = ? ORDER BY seq`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Catalog operations

func (s *SQLiteStore) PutCatalogEntry(entry *types.CatalogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM catalog WHERE name = ? AND version = ?`,
		entry.Name, entry.Version).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%s v%d: %w", entry.Name, entry.Version, ErrVersionExists)
	}
	_, err = s.db.Exec(`INSERT INTO catalog (name, version, data) VALUES (?, ?, ?)`,
		entry.Name, entry.Version, data)
	return err
}

func (s *SQLiteStore) GetCatalogEntry(name string, version int) (*types.CatalogEntry, error) {
	if version == 0 {
		latest, err := s.LatestCatalogVersion(name)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM catalog WHERE name = ? AND version = ?`,
		name, version).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s v%d: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var entry types.CatalogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) LatestCatalogVersion(name string) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM catalog WHERE name = ?`, name).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid || version.Int64 == 0 {
		return 0, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
	}
	return int(version.Int64), nil
}

func (s *SQLiteStore) ListCatalogEntries() ([]*types.CatalogEntry, error) {
	rows, err := s.db.Query(`SELECT data FROM catalog ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.CatalogEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry types.CatalogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Worker operations

func (s *SQLiteStore) UpsertWorker(worker *types.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO workers (name, state, data) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state=excluded.state, data=excluded.data`,
		worker.Name, string(worker.State), data)
	return err
}

func (s *SQLiteStore) GetWorker(name string) (*types.Worker, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM workers WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var worker types.Worker
	if err := json.Unmarshal(data, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *SQLiteStore) ListWorkers(onlineOnly bool) ([]*types.Worker, error) {
	query := `SELECT data FROM workers`
	var args []any
	if onlineOnly {
		query += ` WHERE state = ?`
		args = append(args, string(types.WorkerStateOnline))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return nil, err
		}
		workers = append(workers, &worker)
	}
	return workers, rows.Err()
}

// Claim operations

func (s *SQLiteStore) InsertClaim(claim *types.Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM claims WHERE execution_id = ?`,
		claim.ExecutionID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("execution %s: %w", claim.ExecutionID, ErrClaimExists)
	}
	_, err = s.db.Exec(`INSERT INTO claims (execution_id, data) VALUES (?, ?)`,
		claim.ExecutionID, data)
	return err
}

func (s *SQLiteStore) GetClaim(executionID string) (*types.Claim, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM claims WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim for %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var claim types.Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *SQLiteStore) DeleteClaim(executionID string) error {
	_, err := s.db.Exec(`DELETE FROM claims WHERE execution_id = ?`, executionID)
	return err
}

func (s *SQLiteStore) ListClaims() ([]*types.Claim, error) {
	rows, err := s.db.Query(`SELECT data FROM claims`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*types.Claim
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var claim types.Claim
		if err := json.Unmarshal(data, &claim); err != nil {
			return nil, err
		}
		claims = append(claims, &claim)
	}
	return claims, rows.Err()
}

// Secret operations

func (s *SQLiteStore) PutSecret(name string, ciphertext []byte) error {
	_, err := s.db.Exec(`INSERT INTO secrets (name, ciphertext) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET ciphertext=excluded.ciphertext`, name, ciphertext)
	return err
}

func (s *SQLiteStore) GetSecret(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT ciphertext FROM secrets WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	return data, err
}

func (s *SQLiteStore) ListSecretNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DeleteSecret(name string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	return err
}

// Task cache operations

func (s *SQLiteStore) PutCacheEntry(key string, value json.RawMessage) error {
	_, err := s.db.Exec(`INSERT INTO task_cache (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, []byte(value))
	return err
}

func (s *SQLiteStore) GetCacheEntry(key string) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM task_cache WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	return data, err
}

// Output storage operations

func (s *SQLiteStore) PutOutput(ref string, value json.RawMessage) error {
	_, err := s.db.Exec(`INSERT INTO outputs (ref, value) VALUES (?, ?)
		ON CONFLICT(ref) DO UPDATE SET value=excluded.value`, ref, []byte(value))
	return err
}

func (s *SQLiteStore) GetOutput(ref string) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM outputs WHERE ref = ?`, ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output %s: %w", ref, ErrNotFound)
	}
	return data, err
}
