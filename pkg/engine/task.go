package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fluxhq/flux/pkg/types"
)

// Retry delays are capped regardless of backoff growth.
const maxRetryDelay = 600 * time.Second

// TaskMetadata describes an invocation to the task function when the
// metadata option is enabled.
type TaskMetadata struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
}

// Invocation carries one task call's inputs into the task function.
type Invocation struct {
	TaskID   string
	Name     string
	Args     []any
	Secrets  map[string]string
	Metadata *TaskMetadata
}

// Decode unmarshals positional argument i into out via JSON, which
// normalizes values that were replayed from the log.
func (inv *Invocation) Decode(i int, out any) error {
	if i < 0 || i >= len(inv.Args) {
		return fmt.Errorf("argument index %d out of range (%d args)", i, len(inv.Args))
	}
	data, err := json.Marshal(inv.Args[i])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// String returns argument i as a string, or "" when absent.
func (inv *Invocation) String(i int) string {
	var s string
	if err := inv.Decode(i, &s); err != nil {
		return ""
	}
	return s
}

// Int returns argument i as an int, or 0 when absent.
func (inv *Invocation) Int(i int) int {
	var n int
	if err := inv.Decode(i, &n); err != nil {
		return 0
	}
	return n
}

// Float returns argument i as a float64, or 0 when absent.
func (inv *Invocation) Float(i int) float64 {
	var f float64
	if err := inv.Decode(i, &f); err != nil {
		return 0
	}
	return f
}

// TaskFunc is the user code executed by one task attempt. The context
// is cancelled on timeout or cooperative interrupt.
type TaskFunc func(ctx context.Context, inv *Invocation) (any, error)

// TaskOptions configure retry, timeout, recovery, and result handling
// for a task.
type TaskOptions struct {
	NameTemplate     string
	RetryMaxAttempts int
	RetryDelay       time.Duration
	RetryBackoff     float64
	Timeout          time.Duration
	Fallback         *Task
	Rollback         TaskFunc
	SecretRequests   []string
	Cache            bool
	Metadata         bool
	OutputStorage    string
}

// TaskOption mutates TaskOptions at construction.
type TaskOption func(*TaskOptions)

// WithNameTemplate sets the event name template. Placeholders {0},
// {1}, ... are substituted with the call's positional args.
func WithNameTemplate(tmpl string) TaskOption {
	return func(o *TaskOptions) { o.NameTemplate = tmpl }
}

// WithRetry configures the retry loop: maxAttempts retries after the
// initial attempt, spaced delay * backoff^i apart.
func WithRetry(maxAttempts int, delay time.Duration, backoff float64) TaskOption {
	return func(o *TaskOptions) {
		o.RetryMaxAttempts = maxAttempts
		o.RetryDelay = delay
		o.RetryBackoff = backoff
	}
}

// WithTimeout caps each attempt's wall-clock duration.
func WithTimeout(d time.Duration) TaskOption {
	return func(o *TaskOptions) { o.Timeout = d }
}

// WithFallback invokes fb when the retry budget is exhausted; its
// result becomes the task's result.
func WithFallback(fb *Task) TaskOption {
	return func(o *TaskOptions) { o.Fallback = fb }
}

// WithRollback invokes fn with the original args after a terminal
// failure. Its result is ignored; errors are logged as events.
func WithRollback(fn TaskFunc) TaskOption {
	return func(o *TaskOptions) { o.Rollback = fn }
}

// WithSecrets resolves the named secrets at call time and injects
// them into the invocation.
func WithSecrets(names ...string) TaskOption {
	return func(o *TaskOptions) { o.SecretRequests = names }
}

// WithCache treats the task as deterministic: identical calls return
// the cached result even across executions.
func WithCache() TaskOption {
	return func(o *TaskOptions) { o.Cache = true }
}

// WithMetadata injects invocation metadata into the task function.
func WithMetadata() TaskOption {
	return func(o *TaskOptions) { o.Metadata = true }
}

// WithOutputStorage writes the result to the named output store and
// records a reference in the event instead of the value.
func WithOutputStorage(kind string) TaskOption {
	return func(o *TaskOptions) { o.OutputStorage = kind }
}

// Task is a journaled unit of work. Calls are deduplicated by
// fingerprint: a replayed call returns the recorded result without
// re-executing side effects.
type Task struct {
	Name string
	Fn   TaskFunc
	Opts TaskOptions
}

// NewTask builds a task from a function and options.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{Name: name, Fn: fn, Opts: TaskOptions{RetryBackoff: 1}}
	for _, opt := range opts {
		opt(&t.Opts)
	}
	if t.Opts.RetryBackoff < 1 {
		t.Opts.RetryBackoff = 1
	}
	return t
}

// outputRef is the event payload recorded when a result lives in
// external output storage.
type outputRef struct {
	OutputRef string `json:"$output_ref"`
}

// Run executes (or replays) one call of the task within an execution.
// The returned value is the task result as canonical JSON.
func (t *Task) Run(ec *ExecutionContext, args ...any) (json.RawMessage, error) {
	fp, err := t.bind(ec, args)
	if err != nil {
		return nil, err
	}
	return t.runBound(ec, fp, args)
}

// bind reserves the call index and computes the fingerprint for one
// invocation. Parallel fan-out binds all calls in declaration order
// before any of them runs, keeping fingerprints stable.
func (t *Task) bind(ec *ExecutionContext, args []any) (string, error) {
	callIdx := ec.nextCallIndex(t.Name)
	fp, err := fingerprint(t.Name, args, callIdx)
	if err != nil {
		return "", &FatalError{Msg: err.Error()}
	}
	return ec.fpPrefix + fp, nil
}

// runBound replays or executes a call whose fingerprint is already bound.
func (t *Task) runBound(ec *ExecutionContext, fp string, args []any) (json.RawMessage, error) {
	if ec.CancelRequested() {
		return nil, ErrCancelled
	}
	if ec.SuspendRequested() {
		return nil, ErrSuspended
	}
	name := t.displayName(args)

	if completed, failed := ec.taskOutcome(fp); completed != nil {
		return t.deref(ec, completed.Value)
	} else if failed != nil {
		return nil, replayedError(name, failed)
	}

	return t.execute(ec, fp, name, args)
}

func (t *Task) displayName(args []any) string {
	if t.Opts.NameTemplate == "" {
		return t.Name
	}
	name := t.Opts.NameTemplate
	for i, arg := range args {
		placeholder := fmt.Sprintf("{%d}", i)
		if strings.Contains(name, placeholder) {
			name = strings.ReplaceAll(name, placeholder, fmt.Sprint(arg))
		}
	}
	return name
}

// deref resolves an event payload into the task value, following an
// output storage reference when present.
func (t *Task) deref(ec *ExecutionContext, value json.RawMessage) (json.RawMessage, error) {
	var ref outputRef
	if err := json.Unmarshal(value, &ref); err == nil && ref.OutputRef != "" {
		if ec.outputs == nil {
			return nil, &FatalError{Msg: fmt.Sprintf("task %s recorded output ref %s but no output store is configured", t.Name, ref.OutputRef)}
		}
		return ec.outputs.Get(ref.OutputRef)
	}
	return value, nil
}

func replayedError(name string, failed *types.Event) error {
	var ev types.ErrorValue
	if err := json.Unmarshal(failed.Value, &ev); err != nil {
		ev = types.ErrorValue{Kind: types.ErrorKindTask, Message: string(failed.Value)}
	}
	return &TaskError{TaskName: name, Value: ev}
}

func (t *Task) execute(ec *ExecutionContext, fp, name string, args []any) (json.RawMessage, error) {
	recorded := ec.attemptsRecorded(fp)
	if recorded == 0 {
		if err := ec.Append(taskEvent(types.EventTaskStarted, fp, name, nil)); err != nil {
			return nil, err
		}
		recorded = 1
	}

	if t.Opts.Cache && ec.cache != nil {
		key, err := cacheKey(t.Name, args)
		if err == nil {
			if val, ok := ec.cache.Get(key); ok {
				if err := ec.Append(taskEvent(types.EventTaskCompleted, fp, name, val)); err != nil {
					return nil, err
				}
				return val, nil
			}
		}
	}

	inv, err := t.invocation(ec, fp, name, args)
	if err != nil {
		return nil, err
	}

	maxAttempts := t.Opts.RetryMaxAttempts + 1
	var lastErr error
	for attempt := recorded; attempt <= maxAttempts; {
		result, err := t.attempt(ec, inv)
		if err == nil {
			return t.complete(ec, fp, name, args, attempt, result)
		}
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		if errors.Is(err, ErrSuspended) {
			return nil, ErrSuspended
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(t.Opts.RetryDelay, t.Opts.RetryBackoff, attempt-1)
		payload := mustJSON(map[string]any{"attempt": attempt + 1, "delay_seconds": delay.Seconds()})
		if err := ec.Append(taskEvent(types.EventTaskRetryStarted, fp, name, payload)); err != nil {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ec.cancelCh:
			return nil, ErrCancelled
		case <-ec.suspendCh:
			return nil, ErrSuspended
		}
		attempt++
		if err := ec.Append(taskEvent(types.EventTaskStarted, fp, name, nil)); err != nil {
			return nil, err
		}
	}

	if maxAttempts > 1 {
		lastErr = &RetryExhaustedError{TaskName: name, Attempts: maxAttempts, Err: lastErr}
	}
	return t.recover(ec, fp, name, args, lastErr)
}

func (t *Task) invocation(ec *ExecutionContext, fp, name string, args []any) (*Invocation, error) {
	inv := &Invocation{TaskID: fp, Name: name, Args: args}
	if len(t.Opts.SecretRequests) > 0 {
		if ec.secrets == nil {
			return nil, &FatalError{Msg: fmt.Sprintf("task %s requests secrets but no secret source is configured", name)}
		}
		secrets, err := ec.secrets.Resolve(t.Opts.SecretRequests)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secrets for task %s: %w", name, err)
		}
		inv.Secrets = secrets
	}
	if t.Opts.Metadata {
		inv.Metadata = &TaskMetadata{TaskID: fp, TaskName: name}
	}
	return inv, nil
}

// attempt runs the task function once under the per-attempt deadline
// and the execution's cancel interrupt.
func (t *Task) attempt(ec *ExecutionContext, inv *Invocation) (any, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if t.Opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := t.Fn(ctx, inv)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, &TimeoutError{TaskName: inv.Name, Timeout: t.Opts.Timeout}
	case <-ec.cancelCh:
		cancel()
		return nil, ErrCancelled
	case <-ec.suspendCh:
		cancel()
		return nil, ErrSuspended
	}
}

func (t *Task) complete(ec *ExecutionContext, fp, name string, args []any, attempt int, result any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, &FatalError{Msg: fmt.Sprintf("task %s result is not serializable: %v", name, err)}
	}

	if attempt > 1 {
		payload := mustJSON(map[string]any{"attempt": attempt})
		if err := ec.Append(taskEvent(types.EventTaskRetryCompleted, fp, name, payload)); err != nil {
			return nil, err
		}
	}

	if t.Opts.Cache && ec.cache != nil {
		if key, err := cacheKey(t.Name, args); err == nil {
			ec.cache.Put(key, raw)
		}
	}

	eventValue := raw
	if t.Opts.OutputStorage != "" && ec.outputs != nil {
		ref, err := ec.outputs.Put(fp, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to store output for task %s: %w", name, err)
		}
		eventValue = mustJSON(outputRef{OutputRef: ref})
	}

	if err := ec.Append(taskEvent(types.EventTaskCompleted, fp, name, eventValue)); err != nil {
		return nil, err
	}
	return raw, nil
}

// recover drives the fallback and rollback chain after the retry
// budget is spent. The original error is surfaced unless a fallback
// succeeds.
func (t *Task) recover(ec *ExecutionContext, fp, name string, args []any, taskErr error) (json.RawMessage, error) {
	if t.Opts.Fallback != nil {
		if err := ec.Append(taskEvent(types.EventTaskFallbackStarted, fp, name, nil)); err != nil {
			return nil, err
		}
		value, fbErr := t.Opts.Fallback.runRecovery(ec, args)
		if fbErr == nil {
			if err := ec.Append(taskEvent(types.EventTaskFallbackCompleted, fp, name, value)); err != nil {
				return nil, err
			}
			return value, nil
		}
		if errors.Is(fbErr, ErrCancelled) {
			return nil, ErrCancelled
		}
		if errors.Is(fbErr, ErrSuspended) {
			return nil, ErrSuspended
		}
		payload := mustJSON(errorValue(fbErr))
		if err := ec.Append(taskEvent(types.EventTaskFallbackFailed, fp, name, payload)); err != nil {
			return nil, err
		}
	} else {
		payload := mustJSON(errorValue(taskErr))
		if err := ec.Append(taskEvent(types.EventTaskFailed, fp, name, payload)); err != nil {
			return nil, err
		}
	}

	if t.Opts.Rollback != nil {
		if err := t.rollback(ec, fp, name, args); err != nil {
			return nil, err
		}
	}
	return nil, taskErr
}

// runRecovery executes a fallback task's own attempt loop without
// journaling nested task events; the caller records the fallback
// outcome against the original fingerprint.
func (t *Task) runRecovery(ec *ExecutionContext, args []any) (json.RawMessage, error) {
	inv, err := t.invocation(ec, "", t.displayName(args), args)
	if err != nil {
		return nil, err
	}
	maxAttempts := t.Opts.RetryMaxAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := t.attempt(ec, inv)
		if err == nil {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				return nil, &FatalError{Msg: fmt.Sprintf("task %s result is not serializable: %v", t.Name, mErr)}
			}
			return raw, nil
		}
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		if errors.Is(err, ErrSuspended) {
			return nil, ErrSuspended
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		select {
		case <-time.After(retryDelay(t.Opts.RetryDelay, t.Opts.RetryBackoff, attempt-1)):
		case <-ec.cancelCh:
			return nil, ErrCancelled
		case <-ec.suspendCh:
			return nil, ErrSuspended
		}
	}
	return nil, lastErr
}

// rollback invokes the rollback function with the original args. Its
// errors are logged as events and never mask the task failure.
func (t *Task) rollback(ec *ExecutionContext, fp, name string, args []any) error {
	if err := ec.Append(taskEvent(types.EventTaskRollbackStarted, fp, name, nil)); err != nil {
		return err
	}
	inv := &Invocation{TaskID: fp, Name: name, Args: args}
	_, rbErr := t.Opts.Rollback(context.Background(), inv)
	if rbErr != nil {
		ec.logger.Error().Err(rbErr).Str("task", name).Msg("rollback failed")
		payload := mustJSON(errorValue(rbErr))
		return ec.Append(taskEvent(types.EventTaskRollbackFailed, fp, name, payload))
	}
	return ec.Append(taskEvent(types.EventTaskRollbackCompleted, fp, name, nil))
}

func taskEvent(t types.EventType, fp, name string, value json.RawMessage) *types.Event {
	return &types.Event{
		Type:       t,
		SourceType: types.SourceTask,
		SourceID:   fp,
		SourceName: name,
		Value:      value,
	}
}

func retryDelay(base time.Duration, backoff float64, retryIndex int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(backoff, float64(retryIndex)))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
