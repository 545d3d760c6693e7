/*
Package types defines the core data structures used throughout Flux.

It contains the domain model shared by every other package: executions and
their lifecycle state machine, the event taxonomy that forms each execution's
append-only log, catalog entries, the worker registry records, and claims.

The main types are:

  - Execution: one run of a workflow, with state, input, and output
  - Event: an immutable entry in the per-execution event log
  - CatalogEntry: a registered workflow version (immutable per version)
  - Worker: a registered worker process with advertised resources
  - Claim: the exclusive binding of an execution to a worker session

All types serialize as JSON. Payload-carrying fields use json.RawMessage so
values round-trip byte-identically through storage and transport, which the
replay engine depends on.
*/
package types
