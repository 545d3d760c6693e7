package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func testContext(input string, opts ...ContextOption) *ExecutionContext {
	exec := &types.Execution{
		ID:           "exec-test",
		WorkflowID:   "wf-test",
		WorkflowName: "test",
		State:        types.ExecutionStateClaimed,
		Input:        json.RawMessage(input),
		CreatedAt:    time.Now().UTC(),
	}
	return NewExecutionContext(exec, nil, nil, opts...)
}

// reenter builds a fresh context over the same snapshot and log, the
// way a worker does after a crash or resume.
func reenter(ec *ExecutionContext, opts ...ContextOption) *ExecutionContext {
	return NewExecutionContext(ec.Execution(), ec.Events(), nil, opts...)
}

func countEvents(events []*types.Event, typ types.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type memCache struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

func newMemCache() *memCache { return &memCache{m: make(map[string]json.RawMessage)} }

func (c *memCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memCache) Put(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
}

type memSecrets map[string]string

func (s memSecrets) Resolve(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := s[name]
		if !ok {
			return nil, fmt.Errorf("secret %s not found", name)
		}
		out[name] = v
	}
	return out, nil
}

type memOutputs struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
	n  int
}

func newMemOutputs() *memOutputs { return &memOutputs{m: make(map[string]json.RawMessage)} }

func (o *memOutputs) Put(taskID string, value json.RawMessage) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n++
	ref := fmt.Sprintf("ref-%d", o.n)
	o.m[ref] = value
	return ref, nil
}

func (o *memOutputs) Get(ref string) (json.RawMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.m[ref]
	if !ok {
		return nil, fmt.Errorf("output %s not found", ref)
	}
	return v, nil
}

func TestTaskReplayReturnsRecordedResult(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("compute", func(ctx context.Context, inv *Invocation) (any, error) {
		runs.Add(1)
		return inv.Int(0) * 2, nil
	})

	ec := testContext(`null`)
	raw, err := task.Run(ec, 21)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(raw))
	assert.Equal(t, int32(1), runs.Load())

	// Re-entry with the same log replays without executing.
	ec2 := reenter(ec)
	raw, err = task.Run(ec2, 21)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(raw))
	assert.Equal(t, int32(1), runs.Load())
	assert.Len(t, ec2.Events(), len(ec.Events()))
}

func TestCallIndexDisambiguatesIdenticalCalls(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("ping", func(ctx context.Context, inv *Invocation) (any, error) {
		return int(runs.Add(1)), nil
	})

	ec := testContext(`null`)
	first, err := task.Run(ec, "same")
	require.NoError(t, err)
	second, err := task.Run(ec, "same")
	require.NoError(t, err)

	assert.JSONEq(t, `1`, string(first))
	assert.JSONEq(t, `2`, string(second))
	assert.Equal(t, int32(2), runs.Load())

	events := ec.Events()
	require.Equal(t, 2, countEvents(events, types.EventTaskStarted))
	assert.NotEqual(t, events[0].SourceID, events[2].SourceID)
}

func TestRetryLoopEventSequence(t *testing.T) {
	var runs atomic.Int32
	flaky := NewTask("flaky", func(ctx context.Context, inv *Invocation) (any, error) {
		if runs.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, WithRetry(2, 0, 1))

	ec := testContext(`null`)
	raw, err := flaky.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(raw))

	events := ec.Events()
	assert.Equal(t, 3, countEvents(events, types.EventTaskStarted))
	assert.Equal(t, 2, countEvents(events, types.EventTaskRetryStarted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskRetryCompleted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskCompleted))
	assert.Equal(t, 0, countEvents(events, types.EventTaskFailed))
}

func TestRetryExhaustionWithoutFallback(t *testing.T) {
	always := NewTask("always_fails", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("boom")
	}, WithRetry(1, 0, 1))

	ec := testContext(`null`)
	_, err := always.Run(ec)
	require.Error(t, err)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	events := ec.Events()
	assert.Equal(t, 2, countEvents(events, types.EventTaskStarted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskFailed))
}

func TestFallbackResultBecomesTaskResult(t *testing.T) {
	fallback := NewTask("fallback", func(ctx context.Context, inv *Invocation) (any, error) {
		return "fb", nil
	})
	task := NewTask("doomed", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("boom")
	}, WithFallback(fallback))

	ec := testContext(`null`)
	raw, err := task.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"fb"`, string(raw))

	events := ec.Events()
	assert.Equal(t, 1, countEvents(events, types.EventTaskFallbackStarted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskFallbackCompleted))
	assert.Equal(t, 0, countEvents(events, types.EventTaskFailed))
	assert.Equal(t, types.EventTaskFallbackCompleted, events[len(events)-1].Type)

	// Replay returns the fallback result.
	ec2 := reenter(ec)
	raw, err = task.Run(ec2)
	require.NoError(t, err)
	assert.JSONEq(t, `"fb"`, string(raw))
}

func TestFallbackFailureSurfacesOriginalError(t *testing.T) {
	fallback := NewTask("fallback", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("fallback also broken")
	})
	task := NewTask("doomed", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("original")
	}, WithFallback(fallback))

	ec := testContext(`null`)
	_, err := task.Run(ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "original")

	events := ec.Events()
	assert.Equal(t, 1, countEvents(events, types.EventTaskFallbackFailed))
}

func TestRollbackRunsWithOriginalArgs(t *testing.T) {
	var rolledBack []any
	task := NewTask("provision", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("provision failed")
	}, WithRollback(func(ctx context.Context, inv *Invocation) (any, error) {
		rolledBack = inv.Args
		return nil, nil
	}))

	ec := testContext(`null`)
	_, err := task.Run(ec, "vm-1", 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provision failed")
	assert.Equal(t, []any{"vm-1", 8}, rolledBack)

	events := ec.Events()
	assert.Equal(t, 1, countEvents(events, types.EventTaskFailed))
	assert.Equal(t, 1, countEvents(events, types.EventTaskRollbackStarted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskRollbackCompleted))
}

func TestRollbackErrorDoesNotMaskTaskFailure(t *testing.T) {
	task := NewTask("provision", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("provision failed")
	}, WithRollback(func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("rollback broke too")
	}))

	ec := testContext(`null`)
	_, err := task.Run(ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provision failed")
	assert.Equal(t, 1, countEvents(ec.Events(), types.EventTaskRollbackFailed))
}

func TestTimeoutIsRetryableFailure(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("slow", func(ctx context.Context, inv *Invocation) (any, error) {
		if runs.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "fast", nil
	}, WithTimeout(30*time.Millisecond), WithRetry(1, 0, 1))

	ec := testContext(`null`)
	raw, err := task.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(raw))
	assert.Equal(t, 1, countEvents(ec.Events(), types.EventTaskRetryStarted))
}

func TestTimeoutExhaustionKind(t *testing.T) {
	task := NewTask("stuck", func(ctx context.Context, inv *Invocation) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond))

	ec := testContext(`null`)
	_, err := task.Run(ec)
	require.Error(t, err)
	var timeout *TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestCacheSharedAcrossExecutions(t *testing.T) {
	var runs atomic.Int32
	cache := newMemCache()
	expensive := NewTask("expensive", func(ctx context.Context, inv *Invocation) (any, error) {
		runs.Add(1)
		return map[string]int{"n": inv.Int(0) * 10}, nil
	}, WithCache())

	first := testContext(`null`, WithCacheStore(cache))
	rawA, err := expensive.Run(first, 7)
	require.NoError(t, err)

	second := testContext(`null`, WithCacheStore(cache))
	second.Execution().ID = "exec-other"
	rawB, err := expensive.Run(second, 7)
	require.NoError(t, err)

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, string(rawA), string(rawB))

	// Different args miss the cache.
	third := testContext(`null`, WithCacheStore(cache))
	third.Execution().ID = "exec-third"
	_, err = expensive.Run(third, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestSecretsInjectedByName(t *testing.T) {
	secrets := memSecrets{"api_key": "s3cr3t"}
	task := NewTask("call_api", func(ctx context.Context, inv *Invocation) (any, error) {
		return inv.Secrets["api_key"], nil
	}, WithSecrets("api_key"))

	ec := testContext(`null`, WithSecretSource(secrets))
	raw, err := task.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"s3cr3t"`, string(raw))
}

func TestMetadataInjection(t *testing.T) {
	task := NewTask("introspect", func(ctx context.Context, inv *Invocation) (any, error) {
		if inv.Metadata == nil {
			return nil, errors.New("metadata not injected")
		}
		return inv.Metadata.TaskName, nil
	}, WithMetadata(), WithNameTemplate("introspect_{0}"))

	ec := testContext(`null`)
	raw, err := task.Run(ec, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `"introspect_x"`, string(raw))
}

func TestOutputStorageRecordsReference(t *testing.T) {
	outputs := newMemOutputs()
	task := NewTask("big_result", func(ctx context.Context, inv *Invocation) (any, error) {
		return "a large payload", nil
	}, WithOutputStorage("blob"))

	ec := testContext(`null`, WithOutputStore(outputs))
	raw, err := task.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"a large payload"`, string(raw))

	events := ec.Events()
	var completed *types.Event
	for _, ev := range events {
		if ev.Type == types.EventTaskCompleted {
			completed = ev
		}
	}
	require.NotNil(t, completed)
	assert.Contains(t, string(completed.Value), "$output_ref")

	// Replay dereferences the stored value.
	ec2 := reenter(ec, WithOutputStore(outputs))
	raw, err = task.Run(ec2)
	require.NoError(t, err)
	assert.JSONEq(t, `"a large payload"`, string(raw))
}

func TestCrashedAttemptResumesRetryBudget(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("interrupted", func(ctx context.Context, inv *Invocation) (any, error) {
		runs.Add(1)
		return "done", nil
	}, WithRetry(2, 0, 1))

	// Simulate a worker that died after TASK_STARTED.
	fp, err := fingerprint("interrupted", nil, 0)
	require.NoError(t, err)
	crashed := []*types.Event{
		{Seq: 1, Type: types.EventTaskStarted, SourceType: types.SourceTask, SourceID: fp, SourceName: "interrupted", Time: time.Now().UTC()},
	}
	exec := &types.Execution{ID: "exec-crash", WorkflowName: "test", State: types.ExecutionStateClaimed}
	ec := NewExecutionContext(exec, crashed, nil)

	raw, err := task.Run(ec)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(raw))
	assert.Equal(t, int32(1), runs.Load())

	// No second TASK_STARTED for the resumed attempt.
	assert.Equal(t, 1, countEvents(ec.Events(), types.EventTaskStarted))
}

func TestParallelReturnsDeclarationOrder(t *testing.T) {
	make3 := func(name string, val int, delay time.Duration) *Task {
		return NewTask(name, func(ctx context.Context, inv *Invocation) (any, error) {
			time.Sleep(delay)
			return val, nil
		})
	}
	a := make3("a", 1, 30*time.Millisecond)
	b := make3("b", 2, 0)
	c := make3("c", 3, 10*time.Millisecond)

	ec := testContext(`null`)
	results, err := Parallel(ec, P(a), P(b), P(c))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.JSONEq(t, `1`, string(results[0]))
	assert.JSONEq(t, `2`, string(results[1]))
	assert.JSONEq(t, `3`, string(results[2]))
}

func TestParallelErrorInDeclarationOrder(t *testing.T) {
	ok := func(name string, val int) *Task {
		return NewTask(name, func(ctx context.Context, inv *Invocation) (any, error) {
			return val, nil
		})
	}
	a := ok("a", 1)
	b := NewTask("b", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, errors.New("b exploded")
	})
	c := ok("c", 3)

	ec := testContext(`null`)
	_, err := Parallel(ec, P(a), P(b), P(c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b exploded")

	// a and c still ran and their events are present.
	events := ec.Events()
	assert.Equal(t, 2, countEvents(events, types.EventTaskCompleted))
	assert.Equal(t, 1, countEvents(events, types.EventTaskFailed))
}

func TestParallelReplayIsOrderIndependent(t *testing.T) {
	var runs atomic.Int32
	mk := func(name string, val int) *Task {
		return NewTask(name, func(ctx context.Context, inv *Invocation) (any, error) {
			runs.Add(1)
			return val, nil
		})
	}
	a, b, c := mk("a", 1), mk("b", 2), mk("c", 3)

	ec := testContext(`null`)
	first, err := Parallel(ec, P(a), P(b), P(c))
	require.NoError(t, err)
	require.Equal(t, int32(3), runs.Load())

	ec2 := reenter(ec)
	second, err := Parallel(ec2, P(a), P(b), P(c))
	require.NoError(t, err)
	assert.Equal(t, int32(3), runs.Load())
	for i := range first {
		assert.Equal(t, string(first[i]), string(second[i]))
	}
}

func TestPipelineThreadsValues(t *testing.T) {
	double := NewTask("double", func(ctx context.Context, inv *Invocation) (any, error) {
		return inv.Int(0) * 2, nil
	})
	inc := NewTask("inc", func(ctx context.Context, inv *Invocation) (any, error) {
		return inv.Int(0) + 1, nil
	})

	ec := testContext(`null`)
	raw, err := Pipeline(ec, 5, double, inc, double)
	require.NoError(t, err)
	assert.JSONEq(t, `22`, string(raw))
}

func TestCancelConsumedAtTaskBoundary(t *testing.T) {
	task := NewTask("noop", func(ctx context.Context, inv *Invocation) (any, error) {
		return nil, nil
	})

	ec := testContext(`null`)
	ec.RequestCancel()
	_, err := task.Run(ec)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, ec.Events())
}

func TestBuiltinsAreJournaled(t *testing.T) {
	ec := testContext(`null`)

	id, err := UUID4(ec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	now, err := Now(ec)
	require.NoError(t, err)

	n, err := RandInt(ec, 1, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 100)

	r, err := RandRange(ec, 10, 20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r, 10)
	assert.Less(t, r, 20)

	// Replay returns identical values.
	ec2 := reenter(ec)
	id2, err := UUID4(ec2)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	now2, err := Now(ec2)
	require.NoError(t, err)
	assert.True(t, now.Equal(now2))

	n2, err := RandInt(ec2, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, n, n2)

	r2, err := RandRange(ec2, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, r, r2)
}

func TestSleepSkippedOnReplay(t *testing.T) {
	ec := testContext(`null`)
	require.NoError(t, Sleep(ec, 10*time.Millisecond))

	ec2 := reenter(ec)
	start := time.Now()
	require.NoError(t, Sleep(ec2, 10*time.Millisecond))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestRetryDelayCapped(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelay(0, 2, 5))
	assert.Equal(t, 2*time.Second, retryDelay(time.Second, 2, 1))
	assert.Equal(t, maxRetryDelay, retryDelay(time.Hour, 10, 3))
}

func TestFingerprintStability(t *testing.T) {
	a, err := fingerprint("task", []any{map[string]int{"b": 2, "a": 1}}, 0)
	require.NoError(t, err)
	b, err := fingerprint("task", []any{map[string]int{"a": 1, "b": 2}}, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := fingerprint("task", []any{map[string]int{"a": 1, "b": 2}}, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
