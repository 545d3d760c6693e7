// Package manager is the control plane's authority over execution
// state. All state transitions, event appends, claims, and worker
// registry updates go through it; workers and clients never write to
// storage directly.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/metrics"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

var (
	// ErrTerminal rejects writes against a finished execution.
	ErrTerminal = errors.New("execution is terminal")
	// ErrNotPaused rejects a resume against a non-paused execution.
	ErrNotPaused = errors.New("execution is not paused")
	// ErrWrongSession rejects events from a worker that does not hold
	// the claim.
	ErrWrongSession = errors.New("event sender does not hold the claim")
)

// Manager owns the serialization point for per-execution writes.
type Manager struct {
	store   storage.Store
	broker  *events.Broker
	catalog *catalog.Catalog
	logger  zerolog.Logger
}

// New creates a manager.
func New(store storage.Store, broker *events.Broker, cat *catalog.Catalog) *Manager {
	return &Manager{
		store:   store,
		broker:  broker,
		catalog: cat,
		logger:  log.WithComponent("manager"),
	}
}

// Catalog exposes the workflow catalog.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// SubmitExecution creates an execution for a cataloged workflow and
// schedules it for dispatch.
func (m *Manager) SubmitExecution(workflowName string, version int, input json.RawMessage) (*types.Execution, error) {
	entry, err := m.catalog.Get(workflowName, version)
	if err != nil {
		return nil, err
	}

	exec := &types.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      entry.ID,
		WorkflowName:    entry.Name,
		WorkflowVersion: entry.Version,
		State:           types.ExecutionStateCreated,
		Input:           input,
		CreatedAt:       time.Now().UTC(),
	}

	exec.State = types.ExecutionStateScheduled
	ev := &types.Event{
		Type:       types.EventWorkflowScheduled,
		SourceType: types.SourceWorkflow,
		SourceID:   exec.ID,
		SourceName: exec.WorkflowName,
		Value:      input,
		Time:       time.Now().UTC(),
	}
	if err := m.store.AppendEvents(exec, []*types.Event{ev}); err != nil {
		return nil, err
	}
	m.publish(exec.ID, ev)

	metrics.ExecutionsSubmitted.Inc()
	metrics.ExecutionsTotal.WithLabelValues(string(exec.State)).Inc()
	m.logger.Info().
		Str("execution_id", exec.ID).
		Str("workflow", exec.WorkflowName).
		Int("version", entry.Version).
		Msg("execution scheduled")
	return exec, nil
}

// GetExecution returns the execution snapshot.
func (m *Manager) GetExecution(id string) (*types.Execution, error) {
	return m.store.GetExecution(id)
}

// ListExecutions lists executions matching the filter.
func (m *Manager) ListExecutions(filter storage.ExecutionFilter) ([]*types.Execution, error) {
	return m.store.ListExecutions(filter)
}

// GetEvents returns the ordered event log for an execution.
func (m *Manager) GetEvents(executionID string) ([]*types.Event, error) {
	return m.store.GetEvents(executionID)
}

// ClaimExecution binds a scheduled execution to a worker session. The
// claim insert is optimistic: a concurrent claim loses with
// storage.ErrClaimExists.
func (m *Manager) ClaimExecution(executionID, workerName, sessionID string) (*types.Execution, error) {
	exec, err := m.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec.State != types.ExecutionStateScheduled {
		return nil, fmt.Errorf("execution %s is %s, not SCHEDULED", executionID, exec.State)
	}

	claim := &types.Claim{
		ExecutionID:     executionID,
		WorkerName:      workerName,
		WorkerSessionID: sessionID,
		ClaimedAt:       time.Now().UTC(),
	}
	if err := m.store.InsertClaim(claim); err != nil {
		return nil, err
	}
	metrics.ClaimsActive.Inc()

	m.transition(exec, types.ExecutionStateClaimed)
	exec.CurrentWorker = workerName
	ev := &types.Event{
		Type:       types.EventWorkflowClaimed,
		SourceType: types.SourceWorkflow,
		SourceID:   exec.ID,
		SourceName: exec.WorkflowName,
		Value:      mustJSON(map[string]string{"worker": workerName}),
		Time:       time.Now().UTC(),
	}
	if err := m.store.AppendEvents(exec, []*types.Event{ev}); err != nil {
		// roll the claim back so another worker can take it
		_ = m.store.DeleteClaim(executionID)
		metrics.ClaimsActive.Dec()
		return nil, err
	}
	m.publish(exec.ID, ev)
	return exec, nil
}

// ReleaseClaim drops a worker's claim. A non-terminal, non-paused
// execution returns to SCHEDULED for re-dispatch with its log intact.
func (m *Manager) ReleaseClaim(executionID string) error {
	if _, err := m.store.GetClaim(executionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.store.DeleteClaim(executionID); err != nil {
		return err
	}
	metrics.ClaimsActive.Dec()

	exec, err := m.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	exec.CurrentWorker = ""
	if !exec.State.IsTerminal() && exec.State != types.ExecutionStatePaused {
		m.transition(exec, types.ExecutionStateScheduled)
		m.logger.Info().Str("execution_id", executionID).Msg("claim released, execution rescheduled")
	}
	return m.store.SaveExecution(exec)
}

// ApplyEvents appends events streamed from the worker holding the
// claim and applies their state effects atomically with the append.
// The returned snapshot tells the worker about server-side interrupts
// (CANCELLING).
func (m *Manager) ApplyEvents(executionID, sessionID string, evs []*types.Event) (*types.Execution, error) {
	exec, err := m.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec.State.IsTerminal() {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrTerminal)
	}

	claim, err := m.store.GetClaim(executionID)
	if err != nil {
		return nil, fmt.Errorf("execution %s has no active claim: %w", executionID, err)
	}
	if claim.WorkerSessionID != sessionID {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrWrongSession)
	}

	// A re-dispatched log already carries WORKFLOW_STARTED, so replay
	// appends no event that would move the snapshot out of CLAIMED.
	// Receiving events under the claim is what puts it back in flight.
	if exec.State == types.ExecutionStateClaimed {
		m.transition(exec, types.ExecutionStateRunning)
	}

	releaseClaim := false
	for _, ev := range evs {
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		switch ev.Type {
		case types.EventWorkflowStarted, types.EventWorkflowResumed:
			m.transition(exec, types.ExecutionStateRunning)
		case types.EventWorkflowCompleted:
			m.transition(exec, types.ExecutionStateCompleted)
			exec.Output = ev.Value
			releaseClaim = true
		case types.EventWorkflowFailed:
			m.transition(exec, types.ExecutionStateFailed)
			exec.Output = ev.Value
			releaseClaim = true
		case types.EventWorkflowPaused:
			m.transition(exec, types.ExecutionStatePaused)
			releaseClaim = true
		case types.EventWorkflowCancelling:
			m.transition(exec, types.ExecutionStateCancelling)
		case types.EventWorkflowCancelled:
			m.transition(exec, types.ExecutionStateCancelled)
			exec.Output = ev.Value
			releaseClaim = true
		}
	}

	if err := m.store.AppendEvents(exec, evs); err != nil {
		return nil, err
	}
	for _, ev := range evs {
		m.publish(executionID, ev)
	}

	if releaseClaim {
		if err := m.ReleaseClaim(executionID); err != nil {
			m.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to release claim")
		}
		exec, err = m.store.GetExecution(executionID)
		if err != nil {
			return nil, err
		}
	}
	return exec, nil
}

// ResumeExecution supplies a payload to a paused execution and
// reschedules it. The resume event targets the latest pending pause.
func (m *Manager) ResumeExecution(executionID string, payload json.RawMessage) (*types.Execution, error) {
	exec, err := m.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec.State != types.ExecutionStatePaused {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, exec.State, ErrNotPaused)
	}

	evs, err := m.store.GetEvents(executionID)
	if err != nil {
		return nil, err
	}
	pauseFP := pendingPause(evs)
	if pauseFP == "" {
		return nil, fmt.Errorf("execution %s is paused but has no pending pause event", executionID)
	}

	m.transition(exec, types.ExecutionStateScheduled)
	exec.ResumeInput = payload
	ev := &types.Event{
		Type:       types.EventWorkflowResumed,
		SourceType: types.SourceWorkflow,
		SourceID:   pauseFP,
		SourceName: exec.WorkflowName,
		Value:      payload,
		Time:       time.Now().UTC(),
	}
	if err := m.store.AppendEvents(exec, []*types.Event{ev}); err != nil {
		return nil, err
	}
	m.publish(executionID, ev)
	m.logger.Info().Str("execution_id", executionID).Msg("execution resumed, awaiting dispatch")
	return exec, nil
}

// CancelExecution requests cooperative cancellation. Executions not
// currently held by a worker are finalized immediately; running ones
// transition to CANCELLING and wait for the worker to unwind. The
// second return reports whether a worker signal is needed.
func (m *Manager) CancelExecution(executionID string) (*types.Execution, bool, error) {
	exec, err := m.store.GetExecution(executionID)
	if err != nil {
		return nil, false, err
	}
	if exec.State.IsTerminal() {
		return nil, false, fmt.Errorf("execution %s: %w", executionID, ErrTerminal)
	}

	_, claimErr := m.store.GetClaim(executionID)
	held := claimErr == nil

	cancelling := &types.Event{
		Type:       types.EventWorkflowCancelling,
		SourceType: types.SourceWorkflow,
		SourceID:   exec.ID,
		SourceName: exec.WorkflowName,
		Time:       time.Now().UTC(),
	}

	if held {
		m.transition(exec, types.ExecutionStateCancelling)
		if err := m.store.AppendEvents(exec, []*types.Event{cancelling}); err != nil {
			return nil, false, err
		}
		m.publish(executionID, cancelling)
		return exec, true, nil
	}

	// No worker holds it (SCHEDULED or PAUSED): finalize here without
	// resuming user code.
	m.transition(exec, types.ExecutionStateCancelling)
	payload := mustJSON(types.ErrorValue{Kind: types.ErrorKindCancelled, Message: "execution cancelled"})
	cancelled := &types.Event{
		Type:       types.EventWorkflowCancelled,
		SourceType: types.SourceWorkflow,
		SourceID:   exec.ID,
		SourceName: exec.WorkflowName,
		Value:      payload,
		Time:       time.Now().UTC(),
	}
	m.transition(exec, types.ExecutionStateCancelled)
	exec.Output = payload
	if err := m.store.AppendEvents(exec, []*types.Event{cancelling, cancelled}); err != nil {
		return nil, false, err
	}
	m.publish(executionID, cancelling)
	m.publish(executionID, cancelled)
	return exec, false, nil
}

// RegisterWorker upserts a worker registration and marks it online.
func (m *Manager) RegisterWorker(worker *types.Worker) error {
	worker.State = types.WorkerStateOnline
	worker.LastSeen = time.Now().UTC()
	if err := m.store.UpsertWorker(worker); err != nil {
		return err
	}
	m.refreshWorkerGauge()
	m.logger.Info().
		Str("worker", worker.Name).
		Str("session", worker.SessionID).
		Strs("workflows", worker.RegisteredWorkflows).
		Msg("worker registered")
	return nil
}

// TouchWorker refreshes a worker's liveness timestamp.
func (m *Manager) TouchWorker(name string) error {
	worker, err := m.store.GetWorker(name)
	if err != nil {
		return err
	}
	worker.LastSeen = time.Now().UTC()
	return m.store.UpsertWorker(worker)
}

// MarkWorkerOffline flags the worker offline and releases all claims
// held by it so their executions are re-dispatched.
func (m *Manager) MarkWorkerOffline(name string) error {
	worker, err := m.store.GetWorker(name)
	if err != nil {
		return err
	}
	if worker.State == types.WorkerStateOffline {
		return nil
	}
	worker.State = types.WorkerStateOffline
	if err := m.store.UpsertWorker(worker); err != nil {
		return err
	}
	m.refreshWorkerGauge()

	claims, err := m.store.ListClaims()
	if err != nil {
		return err
	}
	for _, claim := range claims {
		if claim.WorkerName != name {
			continue
		}
		if err := m.ReleaseClaim(claim.ExecutionID); err != nil {
			m.logger.Error().Err(err).
				Str("execution_id", claim.ExecutionID).
				Msg("failed to release claim of offline worker")
		}
	}
	m.logger.Warn().Str("worker", name).Msg("worker marked offline")
	return nil
}

// ReapStaleWorkers marks workers offline whose last heartbeat is
// older than the liveness timeout.
func (m *Manager) ReapStaleWorkers(liveness time.Duration) error {
	workers, err := m.store.ListWorkers(true)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-liveness)
	for _, worker := range workers {
		if worker.LastSeen.Before(cutoff) {
			metrics.WorkersReleased.Inc()
			if err := m.MarkWorkerOffline(worker.Name); err != nil {
				m.logger.Error().Err(err).Str("worker", worker.Name).Msg("failed to mark worker offline")
			}
		}
	}
	return nil
}

// GetWorker returns one worker registration.
func (m *Manager) GetWorker(name string) (*types.Worker, error) {
	return m.store.GetWorker(name)
}

// ListWorkers returns registered workers.
func (m *Manager) ListWorkers(onlineOnly bool) ([]*types.Worker, error) {
	return m.store.ListWorkers(onlineOnly)
}

// ListClaims returns active claims.
func (m *Manager) ListClaims() ([]*types.Claim, error) {
	return m.store.ListClaims()
}

// transition moves the snapshot through the state machine, logging
// and skipping disallowed moves.
func (m *Manager) transition(exec *types.Execution, next types.ExecutionState) {
	if exec.State == next {
		return
	}
	if !exec.State.CanTransitionTo(next) {
		m.logger.Warn().
			Str("execution_id", exec.ID).
			Str("from", string(exec.State)).
			Str("to", string(next)).
			Msg("rejected state transition")
		return
	}
	metrics.ExecutionsTotal.WithLabelValues(string(exec.State)).Dec()
	metrics.ExecutionsTotal.WithLabelValues(string(next)).Inc()
	exec.State = next
}

func (m *Manager) publish(executionID string, ev *types.Event) {
	metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	if m.broker != nil {
		m.broker.Publish(executionID, ev)
	}
}

func (m *Manager) refreshWorkerGauge() {
	online, err := m.store.ListWorkers(true)
	if err != nil {
		return
	}
	metrics.WorkersOnline.Set(float64(len(online)))
}

// pendingPause finds the newest pause fingerprint with no matching
// resume.
func pendingPause(evs []*types.Event) string {
	pending := ""
	for _, ev := range evs {
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

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
