package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// fingerprint identifies one logical task invocation within an
// execution. It must be stable across processes: args are canonically
// serialized (encoding/json sorts map keys), hashed with xxhash64,
// and combined with the per-name call index so two call sites with
// identical args stay distinct.
func fingerprint(taskName string, args []any, callIndex int) (string, error) {
	h, err := argsHash(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%d", taskName, h, callIndex), nil
}

// cacheKey scopes the cross-execution result cache by task name and
// args only; the call index is deliberately excluded.
func cacheKey(taskName string, args []any) (string, error) {
	h, err := argsHash(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", taskName, h), nil
}

func argsHash(args []any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("args are not serializable: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
