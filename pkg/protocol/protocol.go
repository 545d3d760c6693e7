// Package protocol defines the wire types shared by the control
// plane, workers, and clients. Server-to-worker traffic flows over a
// server-sent event stream; worker-to-server traffic is plain
// request/response.
package protocol

import (
	"encoding/json"

	"github.com/fluxhq/flux/pkg/types"
)

// Frame types pushed over the worker stream.
const (
	FrameExecutionRequest = "execution_request"
	FrameCancel           = "cancel"
	FrameShutdown         = "shutdown"
	FrameKeepAlive        = "keep_alive"
)

// Frame is one message on the server-to-worker stream.
type Frame struct {
	Type             string            `json:"type"`
	ExecutionRequest *ExecutionRequest `json:"execution_request,omitempty"`
	ExecutionID      string            `json:"execution_id,omitempty"`
}

// ExecutionRequest dispatches a claimed execution to a worker.
type ExecutionRequest struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Version      int             `json:"version"`
	Input        json.RawMessage `json:"input,omitempty"`
	ResumeInput  json.RawMessage `json:"resume_input,omitempty"`
}

// RegisterRequest announces a worker session to the server.
type RegisterRequest struct {
	Name                string                 `json:"name"`
	SessionID           string                 `json:"session_id"`
	Resources           *types.WorkerResources `json:"resources,omitempty"`
	RegisteredWorkflows []string               `json:"registered_workflows,omitempty"`
}

// HeartbeatRequest refreshes worker liveness.
type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

// AppendEventsRequest is the worker's checkpoint call: events are
// appended atomically and the returned snapshot carries server-side
// interrupts back to the worker.
type AppendEventsRequest struct {
	SessionID string         `json:"session_id"`
	Events    []*types.Event `json:"events"`
}

// AppendEventsResponse returns the updated snapshot and the events as
// stored, with sequence numbers assigned.
type AppendEventsResponse struct {
	Execution *types.Execution `json:"execution"`
	Events    []*types.Event   `json:"events"`
}

// ReleaseClaimRequest hands an execution back for re-dispatch.
type ReleaseClaimRequest struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
}

// ResolveSecretsRequest fetches decrypted secrets for a task call.
type ResolveSecretsRequest struct {
	SessionID string   `json:"session_id"`
	Names     []string `json:"names"`
}

// ResolveSecretsResponse carries the decrypted values.
type ResolveSecretsResponse struct {
	Secrets map[string]string `json:"secrets"`
}

// CachePutRequest stores a cross-execution task cache entry.
type CachePutRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// CacheGetResponse returns a cache lookup result.
type CacheGetResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// OutputPutRequest stores a task output blob.
type OutputPutRequest struct {
	TaskID string          `json:"task_id"`
	Value  json.RawMessage `json:"value"`
}

// OutputPutResponse returns the stored reference.
type OutputPutResponse struct {
	Ref string `json:"ref"`
}

// OutputGetResponse returns a dereferenced output value.
type OutputGetResponse struct {
	Value json.RawMessage `json:"value"`
}

// RunRequest submits an execution. The body of the run route is the
// raw workflow input; this wrapper is used by the client library.
type RunRequest struct {
	Input json.RawMessage `json:"input"`
}

// ExecutionStatus is the public status payload.
type ExecutionStatus struct {
	Execution *types.Execution `json:"execution"`
	Events    []*types.Event   `json:"events,omitempty"`
}

// SecretRequest sets or rotates a secret value.
type SecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SecretResponse returns a secret value.
type SecretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SecretListResponse lists secret names.
type SecretListResponse struct {
	Names []string `json:"names"`
}

// RegisterWorkflowResponse returns the created catalog entry.
type RegisterWorkflowResponse struct {
	Entry *types.CatalogEntry `json:"entry"`
}

// ErrorResponse is the JSON error body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
