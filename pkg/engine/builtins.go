package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Built-in non-deterministic operations. Each is routed through the
// task runtime so its first execution journals the value and replay
// returns it unchanged. Calling the host clock or rand directly from
// workflow code is a correctness bug.

var (
	nowTask = NewTask("now", func(ctx context.Context, inv *Invocation) (any, error) {
		return time.Now().UTC(), nil
	})

	uuid4Task = NewTask("uuid4", func(ctx context.Context, inv *Invocation) (any, error) {
		return uuid.NewString(), nil
	})

	randIntTask = NewTask("randint", func(ctx context.Context, inv *Invocation) (any, error) {
		low, high := inv.Int(0), inv.Int(1)
		if high < low {
			return nil, fmt.Errorf("randint: high %d < low %d", high, low)
		}
		return low + rand.Intn(high-low+1), nil
	})

	randRangeTask = NewTask("randrange", func(ctx context.Context, inv *Invocation) (any, error) {
		start, stop := inv.Int(0), inv.Int(1)
		if stop <= start {
			return nil, fmt.Errorf("randrange: empty range [%d, %d)", start, stop)
		}
		return start + rand.Intn(stop-start), nil
	})

	sleepTask = NewTask("sleep", func(ctx context.Context, inv *Invocation) (any, error) {
		select {
		case <-time.After(time.Duration(inv.Float(0) * float64(time.Second))):
			return true, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
)

// Now returns the journaled current time.
func Now(ec *ExecutionContext) (time.Time, error) {
	raw, err := nowTask.Run(ec)
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// UUID4 returns a journaled random UUID string.
func UUID4(ec *ExecutionContext) (string, error) {
	raw, err := uuid4Task.Run(ec)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// RandInt returns a journaled random int in [low, high].
func RandInt(ec *ExecutionContext, low, high int) (int, error) {
	raw, err := randIntTask.Run(ec, low, high)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// RandRange returns a journaled random int in [start, stop).
func RandRange(ec *ExecutionContext, start, stop int) (int, error) {
	raw, err := randRangeTask.Run(ec, start, stop)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Sleep waits for d, journaled so replay does not wait again.
func Sleep(ec *ExecutionContext, d time.Duration) error {
	_, err := sleepTask.Run(ec, d.Seconds())
	return err
}
