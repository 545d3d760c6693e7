package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/fluxhq/flux/pkg/types"
)

// ErrCancelled is returned when a cooperative cancel interrupt is
// consumed at a task boundary.
var ErrCancelled = errors.New("execution cancelled")

// ErrSuspended is returned when a draining worker interrupts the
// execution at a task boundary. It is not a failure: no terminal event
// is journaled, and the released claim lets another worker resume from
// the log.
var ErrSuspended = errors.New("execution suspended")

// PauseError unwinds the workflow function when a pause point is hit
// for the first time. It is not a failure.
type PauseError struct {
	Name string
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("workflow paused at %q", e.Name)
}

// TimeoutError marks an attempt that exceeded its per-attempt deadline.
// Timeouts are retryable failures.
type TimeoutError struct {
	TaskName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskName, e.Timeout)
}

// RetryExhaustedError wraps the last attempt error once the retry
// budget is spent and no fallback succeeded.
type RetryExhaustedError struct {
	TaskName string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskName, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// TaskError carries a structured error recorded in (or replayed from)
// the event log.
type TaskError struct {
	TaskName string
	Value    types.ErrorValue
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskName, e.Value.Message)
}

// FatalError marks an invariant violation, such as a corrupt event
// log. It is never retried.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

// errorValue converts an error into the structured shape persisted in
// FAILED event payloads.
func errorValue(err error) types.ErrorValue {
	var timeout *TimeoutError
	var exhausted *RetryExhaustedError
	var taskErr *TaskError
	var fatal *FatalError
	switch {
	case errors.Is(err, ErrCancelled):
		return types.ErrorValue{Kind: types.ErrorKindCancelled, Message: err.Error()}
	case errors.As(err, &timeout):
		return types.ErrorValue{Kind: types.ErrorKindTimeout, Message: err.Error()}
	case errors.As(err, &exhausted):
		return types.ErrorValue{Kind: types.ErrorKindRetryExhaust, Message: err.Error()}
	case errors.As(err, &fatal):
		return types.ErrorValue{Kind: types.ErrorKindFatal, Message: err.Error()}
	case errors.As(err, &taskErr):
		return taskErr.Value
	default:
		return types.ErrorValue{Kind: types.ErrorKindTask, Message: err.Error()}
	}
}
