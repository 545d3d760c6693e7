package types

import (
	"encoding/json"
	"time"
)

// ExecutionState represents the lifecycle state of a workflow execution.
type ExecutionState string

const (
	ExecutionStateCreated    ExecutionState = "CREATED"
	ExecutionStateScheduled  ExecutionState = "SCHEDULED"
	ExecutionStateClaimed    ExecutionState = "CLAIMED"
	ExecutionStateRunning    ExecutionState = "RUNNING"
	ExecutionStatePaused     ExecutionState = "PAUSED"
	ExecutionStateCancelling ExecutionState = "CANCELLING"
	ExecutionStateCancelled  ExecutionState = "CANCELLED"
	ExecutionStateCompleted  ExecutionState = "COMPLETED"
	ExecutionStateFailed     ExecutionState = "FAILED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the execution state machine allows
// moving from s to next.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	allowed, ok := stateTransitions[s]
	if !ok {
		return false
	}
	for _, n := range allowed {
		if n == next {
			return true
		}
	}
	return false
}

var stateTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStateCreated:    {ExecutionStateScheduled},
	ExecutionStateScheduled:  {ExecutionStateClaimed, ExecutionStateCancelling},
	ExecutionStateClaimed:    {ExecutionStateRunning, ExecutionStateScheduled, ExecutionStateCancelling},
	ExecutionStateRunning:    {ExecutionStateCompleted, ExecutionStateFailed, ExecutionStatePaused, ExecutionStateCancelling, ExecutionStateScheduled},
	ExecutionStatePaused:     {ExecutionStateRunning, ExecutionStateScheduled, ExecutionStateCancelling},
	ExecutionStateCancelling: {ExecutionStateCancelled},
}

// EventType identifies a single observable transition in an execution's log.
type EventType string

const (
	// Workflow events
	EventWorkflowScheduled  EventType = "WORKFLOW_SCHEDULED"
	EventWorkflowClaimed    EventType = "WORKFLOW_CLAIMED"
	EventWorkflowStarted    EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted  EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed     EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused     EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed    EventType = "WORKFLOW_RESUMED"
	EventWorkflowCancelling EventType = "WORKFLOW_CANCELLING"
	EventWorkflowCancelled  EventType = "WORKFLOW_CANCELLED"

	// Task events
	EventTaskStarted           EventType = "TASK_STARTED"
	EventTaskCompleted         EventType = "TASK_COMPLETED"
	EventTaskFailed            EventType = "TASK_FAILED"
	EventTaskRetryStarted      EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted    EventType = "TASK_RETRY_COMPLETED"
	EventTaskFallbackStarted   EventType = "TASK_FALLBACK_STARTED"
	EventTaskFallbackCompleted EventType = "TASK_FALLBACK_COMPLETED"
	EventTaskFallbackFailed    EventType = "TASK_FALLBACK_FAILED"
	EventTaskRollbackStarted   EventType = "TASK_ROLLBACK_STARTED"
	EventTaskRollbackCompleted EventType = "TASK_ROLLBACK_COMPLETED"
	EventTaskRollbackFailed    EventType = "TASK_ROLLBACK_FAILED"
)

// SourceType distinguishes workflow-level events from task-level events.
type SourceType string

const (
	SourceWorkflow SourceType = "workflow"
	SourceTask     SourceType = "task"
)

// Event is an immutable record in an execution's append-only log.
// Seq is assigned by the storage layer on append and is strictly
// increasing within one execution.
type Event struct {
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	SourceType SourceType      `json:"source_type"`
	SourceID   string          `json:"source_id"`
	SourceName string          `json:"source_name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Time       time.Time       `json:"time"`
}

// IsWorkflowTerminal reports whether the event closes the execution.
func (e *Event) IsWorkflowTerminal() bool {
	switch e.Type {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Execution is the persisted snapshot of one workflow run. Events are
// stored separately and loaded on demand.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	State           ExecutionState  `json:"state"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CurrentWorker   string          `json:"current_worker,omitempty"`
	ResumeInput     json.RawMessage `json:"resume_input,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ErrorValue is the structured error shape recorded in FAILED event
// payloads and in the output of failed executions.
type ErrorValue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds recorded in ErrorValue.Kind.
const (
	ErrorKindTask         = "task"
	ErrorKindTimeout      = "timeout"
	ErrorKindCancelled    = "cancelled"
	ErrorKindRetryExhaust = "retry_exhausted"
	ErrorKindFatal        = "fatal"
)

// ResourceRequest declares what a workflow needs from a worker.
// Package matching is plain string-set subset; there is no version
// resolution.
type ResourceRequest struct {
	MemoryBytes int64    `json:"memory_bytes,omitempty"`
	CPUShares   int64    `json:"cpu_shares,omitempty"`
	GPU         bool     `json:"gpu,omitempty"`
	Packages    []string `json:"packages,omitempty"`
}

// IsZero reports whether the request places no constraints.
func (r *ResourceRequest) IsZero() bool {
	return r == nil || (r.MemoryBytes == 0 && r.CPUShares == 0 && !r.GPU && len(r.Packages) == 0)
}

// CatalogEntry is a registered workflow version. Entries are immutable
// per (Name, Version).
type CatalogEntry struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Version           int              `json:"version"`
	Source            []byte           `json:"source,omitempty"`
	ResourceRequest   *ResourceRequest `json:"resource_request,omitempty"`
	SecretRequests    []string         `json:"secret_requests,omitempty"`
	OutputStorageKind string           `json:"output_storage_kind,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// WorkerState tracks connection status in the worker registry.
type WorkerState string

const (
	WorkerStateUnknown WorkerState = "unknown"
	WorkerStateOnline  WorkerState = "online"
	WorkerStateOffline WorkerState = "offline"
)

// GPUInfo describes one GPU advertised by a worker.
type GPUInfo struct {
	Name        string `json:"name"`
	MemoryTotal int64  `json:"memory_total"`
}

// WorkerResources is the capacity a worker advertises at registration.
type WorkerResources struct {
	MemoryBytes int64     `json:"memory_bytes"`
	CPUShares   int64     `json:"cpu_shares"`
	GPUs        []GPUInfo `json:"gpus,omitempty"`
	Packages    []string  `json:"packages,omitempty"`
}

// HasGPU reports whether at least one GPU is advertised.
func (r *WorkerResources) HasGPU() bool {
	return r != nil && len(r.GPUs) > 0
}

// Worker is a registered worker process. Name is stable across
// reconnects; SessionID is fresh per connection.
type Worker struct {
	Name                string           `json:"name"`
	SessionID           string           `json:"session_id"`
	Resources           *WorkerResources `json:"resources,omitempty"`
	RegisteredWorkflows []string         `json:"registered_workflows,omitempty"`
	State               WorkerState      `json:"state"`
	LastSeen            time.Time        `json:"last_seen"`
}

// HasWorkflow reports whether the worker registered the given workflow name.
func (w *Worker) HasWorkflow(name string) bool {
	for _, n := range w.RegisteredWorkflows {
		if n == name {
			return true
		}
	}
	return false
}

// Claim binds one execution to one worker session while the worker
// drives it. At most one claim exists per execution.
type Claim struct {
	ExecutionID     string    `json:"execution_id"`
	WorkerName      string    `json:"worker_name"`
	WorkerSessionID string    `json:"worker_session_id"`
	ClaimedAt       time.Time `json:"claimed_at"`
}
