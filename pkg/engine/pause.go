package engine

import (
	"encoding/json"

	"github.com/fluxhq/flux/pkg/types"
)

// Pause suspends the workflow at a named approval point. The first
// hit journals WORKFLOW_PAUSED and unwinds the workflow function; on
// re-entry after a resume, the resume payload is returned as the
// pause's value.
func Pause(ec *ExecutionContext, name string) (json.RawMessage, error) {
	if ec.CancelRequested() {
		return nil, ErrCancelled
	}
	if ec.SuspendRequested() {
		return nil, ErrSuspended
	}

	callName := "pause:" + name
	callIdx := ec.nextCallIndex(callName)
	fp, err := fingerprint(callName, []any{name}, callIdx)
	if err != nil {
		return nil, &FatalError{Msg: err.Error()}
	}
	fp = ec.fpPrefix + fp

	paused, resumed := ec.pauseOutcome(fp)
	if resumed != nil {
		return resumed.Value, nil
	}
	if paused != nil {
		// still awaiting a resume payload
		return nil, &PauseError{Name: name}
	}

	ev := &types.Event{
		Type:       types.EventWorkflowPaused,
		SourceType: types.SourceWorkflow,
		SourceID:   fp,
		SourceName: name,
		Value:      mustJSON(map[string]string{"name": name}),
	}
	if err := ec.Append(ev); err != nil {
		return nil, err
	}
	return nil, &PauseError{Name: name}
}

// PauseDecode is a convenience wrapper decoding the resume payload.
func PauseDecode(ec *ExecutionContext, name string, out any) error {
	raw, err := Pause(ec, name)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
