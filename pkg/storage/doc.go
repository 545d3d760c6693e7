// Package storage persists executions, event logs, the workflow
// catalog, workers, claims, secrets, the task cache, and output blobs.
//
// Two backends implement the Store interface: BoltStore (default,
// embedded BoltDB) and SQLiteStore. Both guarantee that AppendEvents
// commits the events and the execution snapshot atomically, and that
// event sequence numbers are strictly increasing per execution.
package storage
