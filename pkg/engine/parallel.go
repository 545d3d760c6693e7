package engine

import (
	"encoding/json"
	"sync"
)

// TaskCall pairs a task with its args for fan-out.
type TaskCall struct {
	Task *Task
	Args []any
}

// P builds a TaskCall for use with Parallel.
func P(t *Task, args ...any) TaskCall {
	return TaskCall{Task: t, Args: args}
}

// Parallel runs the calls concurrently and returns their results in
// declaration order. Fingerprints are bound in declaration order
// before any call starts, so the event log interleaving does not
// affect replay. The returned error is the first failing call's error
// in declaration order.
func Parallel(ec *ExecutionContext, calls ...TaskCall) ([]json.RawMessage, error) {
	if ec.CancelRequested() {
		return nil, ErrCancelled
	}
	if ec.SuspendRequested() {
		return nil, ErrSuspended
	}

	fps := make([]string, len(calls))
	for i, call := range calls {
		fp, err := call.Task.bind(ec, call.Args)
		if err != nil {
			return nil, err
		}
		fps[i] = fp
	}

	results := make([]json.RawMessage, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call TaskCall) {
			defer wg.Done()
			results[i], errs[i] = call.Task.runBound(ec, fps[i], call.Args)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Pipeline threads a value through the tasks sequentially: each task
// receives the previous task's result as its single argument.
func Pipeline(ec *ExecutionContext, initial any, tasks ...*Task) (json.RawMessage, error) {
	current, err := json.Marshal(initial)
	if err != nil {
		return nil, &FatalError{Msg: "pipeline input is not serializable: " + err.Error()}
	}
	for _, t := range tasks {
		current, err = t.Run(ec, json.RawMessage(current))
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}
