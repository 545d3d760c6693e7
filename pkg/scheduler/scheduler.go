// Package scheduler dispatches scheduled executions to eligible
// workers and enforces worker liveness. Executions with no matching
// worker stay SCHEDULED and are retried on every tick.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/metrics"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

// Dispatcher delivers a claimed execution to its worker. The server's
// worker stream implements it.
type Dispatcher interface {
	Dispatch(worker *types.Worker, exec *types.Execution, entry *types.CatalogEntry) error
}

// Config holds the scheduler's loop intervals.
type Config struct {
	RetryDispatch  time.Duration
	WorkerLiveness time.Duration
}

// Scheduler runs the dispatch and liveness loops.
type Scheduler struct {
	manager    *manager.Manager
	dispatcher Dispatcher
	cfg        Config
	logger     zerolog.Logger

	mu        sync.Mutex
	lastClaim map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler.
func New(mgr *manager.Manager, dispatcher Dispatcher, cfg Config) *Scheduler {
	if cfg.RetryDispatch <= 0 {
		cfg.RetryDispatch = 2 * time.Second
	}
	if cfg.WorkerLiveness <= 0 {
		cfg.WorkerLiveness = 15 * time.Second
	}
	return &Scheduler{
		manager:    mgr,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		lastClaim:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch and liveness loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.livenessLoop()
}

// Stop terminates the loops and waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetryDispatch)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.DispatchPending()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) livenessLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WorkerLiveness / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.manager.ReapStaleWorkers(s.cfg.WorkerLiveness); err != nil {
				s.logger.Error().Err(err).Msg("worker liveness sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// DispatchPending matches every SCHEDULED execution against the
// online workers and dispatches the ones with an eligible worker.
func (s *Scheduler) DispatchPending() {
	pending, err := s.manager.ListExecutions(storage.ExecutionFilter{State: types.ExecutionStateScheduled})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list scheduled executions")
		return
	}
	if len(pending) == 0 {
		return
	}

	workers, err := s.manager.ListWorkers(true)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list workers")
		return
	}

	claims, err := s.manager.ListClaims()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list claims")
		return
	}
	claimCounts := make(map[string]int)
	for _, claim := range claims {
		claimCounts[claim.WorkerName]++
	}

	// Oldest first so a starved execution is matched before newer ones.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, exec := range pending {
		s.dispatchOne(exec, workers, claimCounts)
	}
}

func (s *Scheduler) dispatchOne(exec *types.Execution, workers []*types.Worker, claimCounts map[string]int) {
	// Match against the version the execution was submitted under, not
	// whatever the latest registration asks for.
	entry, err := s.manager.Catalog().Get(exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		s.logger.Error().Err(err).
			Str("execution_id", exec.ID).
			Str("workflow", exec.WorkflowName).
			Msg("scheduled execution has no catalog entry")
		return
	}

	eligible := make([]*types.Worker, 0, len(workers))
	for _, worker := range workers {
		if Matches(worker, exec.WorkflowName, entry.ResourceRequest) {
			eligible = append(eligible, worker)
		}
	}
	if len(eligible) == 0 {
		metrics.DispatchesTotal.WithLabelValues("unmatched").Inc()
		s.logger.Debug().
			Str("execution_id", exec.ID).
			Str("workflow", exec.WorkflowName).
			Msg("no eligible worker, execution stays scheduled")
		return
	}

	chosen := s.pick(eligible, exec.ID, claimCounts)
	timer := metrics.NewTimer()

	claimed, err := s.manager.ClaimExecution(exec.ID, chosen.Name, chosen.SessionID)
	if err != nil {
		// Lost the claim race or the execution moved on.
		metrics.DispatchesTotal.WithLabelValues("claim_lost").Inc()
		s.logger.Debug().Err(err).Str("execution_id", exec.ID).Msg("claim not taken")
		return
	}

	if err := s.dispatcher.Dispatch(chosen, claimed, entry); err != nil {
		metrics.DispatchesTotal.WithLabelValues("dispatch_failed").Inc()
		s.logger.Warn().Err(err).
			Str("execution_id", exec.ID).
			Str("worker", chosen.Name).
			Msg("dispatch failed, releasing claim")
		if rErr := s.manager.ReleaseClaim(exec.ID); rErr != nil {
			s.logger.Error().Err(rErr).Str("execution_id", exec.ID).Msg("failed to release claim")
		}
		return
	}

	metrics.DispatchesTotal.WithLabelValues("dispatched").Inc()
	timer.ObserveDuration(metrics.DispatchLatency)
	claimCounts[chosen.Name]++
	s.mu.Lock()
	s.lastClaim[chosen.Name] = time.Now()
	s.mu.Unlock()
	s.logger.Info().
		Str("execution_id", exec.ID).
		Str("workflow", exec.WorkflowName).
		Str("worker", chosen.Name).
		Msg("execution dispatched")
}

// pick applies the tie-breaking order: fewest active claims, longest
// since last claim, then a stable hash of (worker, execution) so ties
// resolve deterministically.
func (s *Scheduler) pick(eligible []*types.Worker, executionID string, claimCounts map[string]int) *types.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := eligible[0]
	for _, candidate := range eligible[1:] {
		if less(candidate, best, executionID, claimCounts, s.lastClaim) {
			best = candidate
		}
	}
	return best
}

func less(a, b *types.Worker, executionID string, claimCounts map[string]int, lastClaim map[string]time.Time) bool {
	if ca, cb := claimCounts[a.Name], claimCounts[b.Name]; ca != cb {
		return ca < cb
	}
	la, lb := lastClaim[a.Name], lastClaim[b.Name]
	if !la.Equal(lb) {
		return la.Before(lb)
	}
	return stableHash(a.Name, executionID) < stableHash(b.Name, executionID)
}

func stableHash(workerName, executionID string) uint64 {
	return xxhash.Sum64String(workerName + "\x00" + executionID)
}

// Matches reports whether a worker can host the workflow: it must
// have registered the workflow and advertise at least the requested
// resources. Package matching is plain string-set subset.
func Matches(worker *types.Worker, workflowName string, req *types.ResourceRequest) bool {
	if !worker.HasWorkflow(workflowName) {
		return false
	}
	if req.IsZero() {
		return true
	}
	res := worker.Resources
	if res == nil {
		return false
	}
	if req.MemoryBytes > 0 && res.MemoryBytes < req.MemoryBytes {
		return false
	}
	if req.CPUShares > 0 && res.CPUShares < req.CPUShares {
		return false
	}
	if req.GPU && !res.HasGPU() {
		return false
	}
	for _, pkg := range req.Packages {
		if !hasPackage(res.Packages, pkg) {
			return false
		}
	}
	return true
}

func hasPackage(installed []string, pkg string) bool {
	for _, p := range installed {
		if p == pkg {
			return true
		}
	}
	return false
}
