package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxhq/flux/pkg/types"
)

// WorkflowFunc is the user workflow body. It is re-executed from the
// top on every (re)entry; task calls inside it consult the event log
// so completed work fast-forwards without side effects.
type WorkflowFunc func(ec *ExecutionContext) (any, error)

// WorkflowOptions carry scheduling and catalog metadata for a workflow.
type WorkflowOptions struct {
	ResourceRequest   *types.ResourceRequest
	SecretRequests    []string
	OutputStorageKind string
}

// WorkflowOption mutates WorkflowOptions at construction.
type WorkflowOption func(*WorkflowOptions)

// WithResourceRequest declares what the workflow needs from a worker.
func WithResourceRequest(r *types.ResourceRequest) WorkflowOption {
	return func(o *WorkflowOptions) { o.ResourceRequest = r }
}

// WithWorkflowSecrets declares secrets the workflow's tasks will request.
func WithWorkflowSecrets(names ...string) WorkflowOption {
	return func(o *WorkflowOptions) { o.SecretRequests = names }
}

// WithWorkflowOutputStorage routes large results to the named output store.
func WithWorkflowOutputStorage(kind string) WorkflowOption {
	return func(o *WorkflowOptions) { o.OutputStorageKind = kind }
}

// Workflow is a registered, replayable workflow definition.
type Workflow struct {
	Name string
	Fn   WorkflowFunc
	Opts WorkflowOptions
}

// NewWorkflow builds a workflow definition.
func NewWorkflow(name string, fn WorkflowFunc, opts ...WorkflowOption) *Workflow {
	w := &Workflow{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&w.Opts)
	}
	return w
}

// Run drives the execution to a terminal or paused state. Re-entry on
// a partial log replays recorded work, then continues from the first
// fingerprint not in the log.
func (w *Workflow) Run(ec *ExecutionContext) error {
	if ec.HasFinished() {
		return nil
	}

	if ec.IsCancelling() || ec.CancelRequested() {
		return w.finishCancelled(ec)
	}

	if !ec.HasStarted() {
		ev := &types.Event{
			Type:       types.EventWorkflowStarted,
			SourceType: types.SourceWorkflow,
			SourceID:   ec.exec.ID,
			SourceName: w.Name,
			Value:      ec.exec.Input,
		}
		if err := ec.Append(ev); err != nil {
			return err
		}
	}
	ec.setState(types.ExecutionStateRunning)

	output, err := w.Fn(ec)

	var pause *PauseError
	switch {
	case errors.As(err, &pause):
		// WORKFLOW_PAUSED was appended at the pause point
		ec.setState(types.ExecutionStatePaused)
		return nil
	case errors.Is(err, ErrCancelled):
		return w.finishCancelled(ec)
	case errors.Is(err, ErrSuspended):
		// hand the claim back without finalizing; another worker
		// resumes from the journaled log
		return err
	case err != nil:
		return w.finishFailed(ec, err)
	default:
		return w.finishCompleted(ec, output)
	}
}

func (w *Workflow) finishCompleted(ec *ExecutionContext, output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return w.finishFailed(ec, &FatalError{Msg: fmt.Sprintf("workflow %s output is not serializable: %v", w.Name, err)})
	}
	ec.exec.Output = raw
	ev := &types.Event{
		Type:       types.EventWorkflowCompleted,
		SourceType: types.SourceWorkflow,
		SourceID:   ec.exec.ID,
		SourceName: w.Name,
		Value:      raw,
	}
	ec.setState(types.ExecutionStateCompleted)
	return ec.Append(ev)
}

func (w *Workflow) finishFailed(ec *ExecutionContext, cause error) error {
	payload := mustJSON(errorValue(cause))
	ec.exec.Output = payload
	ev := &types.Event{
		Type:       types.EventWorkflowFailed,
		SourceType: types.SourceWorkflow,
		SourceID:   ec.exec.ID,
		SourceName: w.Name,
		Value:      payload,
	}
	ec.setState(types.ExecutionStateFailed)
	return ec.Append(ev)
}

func (w *Workflow) finishCancelled(ec *ExecutionContext) error {
	if !ec.IsCancelling() {
		ev := &types.Event{
			Type:       types.EventWorkflowCancelling,
			SourceType: types.SourceWorkflow,
			SourceID:   ec.exec.ID,
			SourceName: w.Name,
		}
		ec.setState(types.ExecutionStateCancelling)
		if err := ec.Append(ev); err != nil {
			return err
		}
	} else {
		ec.setState(types.ExecutionStateCancelling)
	}

	payload := mustJSON(types.ErrorValue{Kind: types.ErrorKindCancelled, Message: "execution cancelled"})
	ec.exec.Output = payload
	ev := &types.Event{
		Type:       types.EventWorkflowCancelled,
		SourceType: types.SourceWorkflow,
		SourceID:   ec.exec.ID,
		SourceName: w.Name,
		Value:      payload,
	}
	ec.setState(types.ExecutionStateCancelled)
	return ec.Append(ev)
}

// Call runs a nested workflow as a journaled sub-sequence of the
// parent execution. The child's terminal value is recorded under a
// workflow-call fingerprint, so replay fast-forwards the whole child.
func Call(ec *ExecutionContext, child *Workflow, input any) (json.RawMessage, error) {
	if ec.CancelRequested() {
		return nil, ErrCancelled
	}
	if ec.SuspendRequested() {
		return nil, ErrSuspended
	}

	callName := "workflow:" + child.Name
	callIdx := ec.nextCallIndex(callName)
	fp, err := fingerprint(callName, []any{input}, callIdx)
	if err != nil {
		return nil, &FatalError{Msg: err.Error()}
	}
	fp = ec.fpPrefix + fp

	if completed, failed := ec.taskOutcome(fp); completed != nil {
		return completed.Value, nil
	} else if failed != nil {
		return nil, replayedError(child.Name, failed)
	}

	if err := ec.Append(taskEvent(types.EventTaskStarted, fp, callName, nil)); err != nil {
		return nil, err
	}

	rawInput, err := json.Marshal(input)
	if err != nil {
		return nil, &FatalError{Msg: fmt.Sprintf("subworkflow %s input is not serializable: %v", child.Name, err)}
	}
	childCtx := ec.child(child.Name, fp, rawInput)

	output, err := child.Fn(childCtx)
	if err != nil {
		var pause *PauseError
		if errors.As(err, &pause) {
			return nil, &FatalError{Msg: fmt.Sprintf("subworkflow %s attempted to pause", child.Name)}
		}
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		if errors.Is(err, ErrSuspended) {
			return nil, ErrSuspended
		}
		payload := mustJSON(errorValue(err))
		if aErr := ec.Append(taskEvent(types.EventTaskFailed, fp, callName, payload)); aErr != nil {
			return nil, aErr
		}
		return nil, err
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, &FatalError{Msg: fmt.Sprintf("subworkflow %s output is not serializable: %v", child.Name, err)}
	}
	if err := ec.Append(taskEvent(types.EventTaskCompleted, fp, callName, raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

// child derives a context for a nested workflow call. Events append
// into the parent's log; fingerprints are namespaced by the call
// fingerprint so repeated calls to the same child stay distinct.
func (c *ExecutionContext) child(workflowName, callFP string, input json.RawMessage) *ExecutionContext {
	childExec := *c.exec
	childExec.WorkflowName = workflowName
	childExec.Input = input
	return &ExecutionContext{
		exec:       &childExec,
		events:     c.events,
		callIdx:    make(map[string]int),
		checkpoint: c.forwardingCheckpoint(),
		fpPrefix:   callFP + "/",
		secrets:    c.secrets,
		outputs:    c.outputs,
		cache:      c.cache,
		cancelCh:   c.cancelCh,
		suspendCh:  c.suspendCh,
		logger:     c.logger.With().Str("subworkflow", workflowName).Logger(),
	}
}

// forwardingCheckpoint routes a child's appends through the parent so
// the parent's in-memory log and snapshot stay authoritative.
func (c *ExecutionContext) forwardingCheckpoint() CheckpointFunc {
	return func(_ *types.Execution, events []*types.Event) error {
		for _, ev := range events {
			if err := c.Append(ev); err != nil {
				return err
			}
		}
		return nil
	}
}
