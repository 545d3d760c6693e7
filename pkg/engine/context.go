package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/types"
)

// SecretSource resolves secret values requested by a task.
type SecretSource interface {
	Resolve(names []string) (map[string]string, error)
}

// OutputStore persists task results that must not be inlined in the
// event log, returning an opaque reference.
type OutputStore interface {
	Put(taskID string, value json.RawMessage) (string, error)
	Get(ref string) (json.RawMessage, error)
}

// CacheStore is the cross-execution task result cache.
type CacheStore interface {
	Get(key string) (json.RawMessage, bool)
	Put(key string, value json.RawMessage)
}

// CheckpointFunc persists appended events together with the execution
// snapshot. It must be atomic per call.
type CheckpointFunc func(exec *types.Execution, events []*types.Event) error

// ExecutionContext is the addressable state of one execution while a
// driver advances it. All event appends for the execution go through
// a single context; Append serializes concurrent fan-out internally.
type ExecutionContext struct {
	mu         sync.Mutex
	exec       *types.Execution
	events     []*types.Event
	callIdx    map[string]int
	checkpoint CheckpointFunc

	// fpPrefix namespaces task fingerprints inside a subworkflow so a
	// child calling the same task name as its parent stays distinct.
	fpPrefix string

	secrets SecretSource
	outputs OutputStore
	cache   CacheStore

	cancelOnce sync.Once
	cancelCh   chan struct{}

	suspendOnce sync.Once
	suspendCh   chan struct{}

	logger zerolog.Logger
}

// ContextOption configures optional collaborators on an ExecutionContext.
type ContextOption func(*ExecutionContext)

func WithSecretSource(s SecretSource) ContextOption {
	return func(c *ExecutionContext) { c.secrets = s }
}

func WithOutputStore(o OutputStore) ContextOption {
	return func(c *ExecutionContext) { c.outputs = o }
}

func WithCacheStore(cs CacheStore) ContextOption {
	return func(c *ExecutionContext) { c.cache = cs }
}

// NewExecutionContext wraps an execution and its loaded event log.
// checkpoint may be nil for in-memory runs (tests).
func NewExecutionContext(exec *types.Execution, events []*types.Event, checkpoint CheckpointFunc, opts ...ContextOption) *ExecutionContext {
	c := &ExecutionContext{
		exec:       exec,
		events:     events,
		callIdx:    make(map[string]int),
		checkpoint: checkpoint,
		cancelCh:   make(chan struct{}),
		suspendCh:  make(chan struct{}),
		logger:     log.WithExecutionID(exec.ID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execution returns the underlying snapshot. Callers must not mutate
// it outside the context's methods.
func (c *ExecutionContext) Execution() *types.Execution { return c.exec }

// Events returns the ordered event log.
func (c *ExecutionContext) Events() []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Input decodes the execution input into out.
func (c *ExecutionContext) Input(out any) error {
	if len(c.exec.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.exec.Input, out)
}

// Append records an event, persists it atomically with the execution
// snapshot, and keeps the in-memory log in sync.
func (c *ExecutionContext) Append(event *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if c.checkpoint != nil {
		if err := c.checkpoint(c.exec, []*types.Event{event}); err != nil {
			return err
		}
	} else {
		event.Seq = uint64(len(c.events)) + 1
	}
	c.events = append(c.events, event)
	return nil
}

// setState transitions the execution snapshot. Invalid transitions
// are logged and ignored so a duplicate terminal event cannot corrupt
// a finished execution.
func (c *ExecutionContext) setState(next types.ExecutionState) {
	if c.exec.State == next {
		return
	}
	if !c.exec.State.CanTransitionTo(next) {
		c.logger.Warn().
			Str("from", string(c.exec.State)).
			Str("to", string(next)).
			Msg("rejected execution state transition")
		return
	}
	c.exec.State = next
}

// nextCallIndex reserves the next call index for a task name. Indexes
// follow declaration order, which parallel fan-out relies on for
// stable fingerprints.
func (c *ExecutionContext) nextCallIndex(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.callIdx[name]
	c.callIdx[name]++
	return idx
}

// RequestCancel sets the cooperative cancel flag. It is consumed at
// the next task boundary.
func (c *ExecutionContext) RequestCancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// CancelRequested reports whether a cancel interrupt is pending.
func (c *ExecutionContext) CancelRequested() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// RequestSuspend asks the execution to stop at the next task boundary
// without finalizing, so its claim can be released for re-dispatch.
func (c *ExecutionContext) RequestSuspend() {
	c.suspendOnce.Do(func() { close(c.suspendCh) })
}

// SuspendRequested reports whether a suspend interrupt is pending.
func (c *ExecutionContext) SuspendRequested() bool {
	select {
	case <-c.suspendCh:
		return true
	default:
		return false
	}
}

// Derived predicates over the event log.

func (c *ExecutionContext) HasStarted() bool   { return c.hasEvent(types.EventWorkflowStarted) }
func (c *ExecutionContext) HasSucceeded() bool { return c.hasEvent(types.EventWorkflowCompleted) }
func (c *ExecutionContext) HasFailed() bool    { return c.hasEvent(types.EventWorkflowFailed) }
func (c *ExecutionContext) IsCancelling() bool { return c.hasEvent(types.EventWorkflowCancelling) }
func (c *ExecutionContext) HasCancelled() bool { return c.hasEvent(types.EventWorkflowCancelled) }
func (c *ExecutionContext) IsClaimed() bool    { return c.hasEvent(types.EventWorkflowClaimed) }

// IsPaused reports whether the latest pause has not been resumed.
func (c *ExecutionContext) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	paused := false
	for _, ev := range c.events {
		switch ev.Type {
		case types.EventWorkflowPaused:
			paused = true
		case types.EventWorkflowResumed:
			paused = false
		}
	}
	return paused
}

// HasFinished reports whether the execution reached a terminal event.
func (c *ExecutionContext) HasFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.IsWorkflowTerminal() {
			return true
		}
	}
	return false
}

func (c *ExecutionContext) hasEvent(t types.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// taskOutcome scans the log for the recorded outcome of a fingerprint.
// A TASK_FAILED outcome may be superseded by a later fallback result.
func (c *ExecutionContext) taskOutcome(fp string) (completed *types.Event, failed *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.SourceID != fp {
			continue
		}
		switch ev.Type {
		case types.EventTaskCompleted, types.EventTaskFallbackCompleted:
			completed, failed = ev, nil
		case types.EventTaskFailed:
			failed = ev
		case types.EventTaskFallbackStarted:
			// fallback supersedes the bare failure
			failed = nil
		case types.EventTaskFallbackFailed:
			failed = ev
		}
	}
	return completed, failed
}

// attemptsRecorded counts TASK_STARTED events already journaled for a
// fingerprint, so a re-dispatched execution resumes its retry budget
// instead of resetting it.
func (c *ExecutionContext) attemptsRecorded(fp string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.SourceID == fp && ev.Type == types.EventTaskStarted {
			n++
		}
	}
	return n
}

// pauseOutcome finds the recorded state of a pause fingerprint: the
// pause event, and the resume event if the pause was already answered.
func (c *ExecutionContext) pauseOutcome(fp string) (paused *types.Event, resumed *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.SourceID != fp {
			continue
		}
		switch ev.Type {
		case types.EventWorkflowPaused:
			paused, resumed = ev, nil
		case types.EventWorkflowResumed:
			resumed = ev
		}
	}
	return paused, resumed
}

// LatestPendingPause returns the fingerprint of the newest pause event
// that has no matching resume, or "" when none is pending.
func (c *ExecutionContext) LatestPendingPause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := ""
	for _, ev := range c.events {
		switch ev.Type {
		case types.EventWorkflowPaused:
			pending = ev.SourceID
		case types.EventWorkflowResumed:
			if ev.SourceID == pending {
				pending = ""
			}
		}
	}
	return pending
}
