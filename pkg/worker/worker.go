// Package worker runs workflow executions dispatched by the control
// plane. A worker registers its compiled-in workflows and resources,
// holds the dispatch stream open, and drives each execution through
// the engine, checkpointing every event back to the server.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/engine"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/types"
)

const (
	heartbeatInterval = 5 * time.Second
	reconnectBackoff  = 2 * time.Second
)

// Worker is one worker process. Executions run concurrently up to the
// configured pool size.
type Worker struct {
	cfg      config.WorkerConfig
	registry *engine.Registry
	api      *api
	logger   zerolog.Logger

	sem chan struct{}

	mu     sync.Mutex
	active map[string]*engine.ExecutionContext

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker with a fresh session identity.
func New(cfg config.WorkerConfig, registry *engine.Registry) *Worker {
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.Name = host
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	sessionID := uuid.NewString()
	return &Worker{
		cfg:      cfg,
		registry: registry,
		api:      newAPI(cfg.ServerURL, cfg.BootstrapToken, cfg.Name, sessionID),
		logger:   log.WithComponent("worker").With().Str("worker", cfg.Name).Logger(),
		sem:      make(chan struct{}, cfg.Concurrency),
		active:   make(map[string]*engine.ExecutionContext),
		stopCh:   make(chan struct{}),
	}
}

// SessionID returns the session identity used for claims.
func (w *Worker) SessionID() string { return w.api.sessionID }

// Run registers with the server and processes dispatches until the
// context is cancelled, Stop is called, or the server sends shutdown.
func (w *Worker) Run(ctx context.Context) error {
	resources := detectResources(w.cfg)
	if err := w.api.register(resources, w.registry.Names()); err != nil {
		return fmt.Errorf("worker registration failed: %w", err)
	}
	w.logger.Info().
		Str("session", w.api.sessionID).
		Strs("workflows", w.registry.Names()).
		Int64("memory_bytes", resources.MemoryBytes).
		Int64("cpu_shares", resources.CPUShares).
		Msg("worker registered")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	err := w.streamLoop(ctx)
	cancel()
	w.wg.Wait()
	return err
}

// Stop drains the worker: no new dispatches are accepted, active
// executions are interrupted at their next task boundary, and Run
// returns once their claims are released.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.api.heartbeat(); err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

// streamLoop keeps the dispatch stream open, reconnecting after
// transient failures.
func (w *Worker) streamLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		body, err := w.api.openStream(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("dispatch stream connect failed, retrying")
			select {
			case <-time.After(reconnectBackoff):
				continue
			case <-ctx.Done():
				return nil
			case <-w.stopCh:
				return nil
			}
		}

		shutdown := w.consumeStream(ctx, body)
		body.Close()
		if shutdown {
			return nil
		}
	}
}

// consumeStream reads frames until the stream breaks. It returns true
// when the server asked for shutdown or the worker is stopping.
func (w *Worker) consumeStream(ctx context.Context, body io.ReadCloser) bool {
	w.logger.Info().Msg("dispatch stream connected")

	frames := make(chan *protocol.Frame)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame protocol.Frame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				w.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			frames <- &frame
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				w.logger.Warn().Msg("dispatch stream closed")
				return false
			}
			if w.handleFrame(ctx, frame) {
				w.drain()
				return true
			}
		case <-ctx.Done():
			w.drain()
			return true
		case <-w.stopCh:
			w.drain()
			return true
		}
	}
}

// handleFrame reacts to one stream frame. It returns true on shutdown.
func (w *Worker) handleFrame(ctx context.Context, frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.FrameKeepAlive:
		return false
	case protocol.FrameExecutionRequest:
		if frame.ExecutionRequest == nil {
			w.logger.Warn().Msg("execution_request frame without payload")
			return false
		}
		w.launch(ctx, frame.ExecutionRequest)
		return false
	case protocol.FrameCancel:
		w.cancelExecution(frame.ExecutionID)
		return false
	case protocol.FrameShutdown:
		w.logger.Info().Msg("server requested shutdown")
		return true
	default:
		w.logger.Warn().Str("type", frame.Type).Msg("unknown frame type")
		return false
	}
}

// launch starts an execution on the pool. When the pool is full the
// claim is released immediately so the scheduler can re-dispatch.
func (w *Worker) launch(ctx context.Context, req *protocol.ExecutionRequest) {
	select {
	case w.sem <- struct{}{}:
	default:
		w.logger.Warn().
			Str("execution_id", req.ExecutionID).
			Msg("executor pool full, releasing claim")
		if err := w.api.releaseClaim(req.ExecutionID); err != nil {
			w.logger.Error().Err(err).Str("execution_id", req.ExecutionID).Msg("failed to release claim")
		}
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.runExecution(ctx, req)
	}()
}

func (w *Worker) cancelExecution(executionID string) {
	w.mu.Lock()
	ec, ok := w.active[executionID]
	w.mu.Unlock()
	if !ok {
		w.logger.Warn().Str("execution_id", executionID).Msg("cancel for unknown execution")
		return
	}
	w.logger.Info().Str("execution_id", executionID).Msg("cancel interrupt received")
	ec.RequestCancel()
}

// runExecution replays the event log and drives the workflow to its
// next settling point. Every event appended by the engine goes through
// the checkpoint, which carries server-side interrupts back.
func (w *Worker) runExecution(ctx context.Context, req *protocol.ExecutionRequest) {
	logger := w.logger.With().Str("execution_id", req.ExecutionID).Logger()

	wf, err := w.registry.Get(req.WorkflowName)
	if err != nil {
		logger.Error().Err(err).Str("workflow", req.WorkflowName).Msg("workflow not registered, releasing claim")
		if rErr := w.api.releaseClaim(req.ExecutionID); rErr != nil {
			logger.Error().Err(rErr).Msg("failed to release claim")
		}
		return
	}

	snapshot, err := w.api.getEvents(req.ExecutionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load event log, releasing claim")
		if rErr := w.api.releaseClaim(req.ExecutionID); rErr != nil {
			logger.Error().Err(rErr).Msg("failed to release claim")
		}
		return
	}

	ec := engine.NewExecutionContext(
		snapshot.Execution,
		snapshot.Events,
		w.checkpoint(req.ExecutionID),
		engine.WithSecretSource(w.api),
		engine.WithOutputStore(&remoteOutputs{api: w.api}),
		engine.WithCacheStore(&remoteCache{api: w.api}),
	)

	w.mu.Lock()
	w.active[req.ExecutionID] = ec
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, req.ExecutionID)
		w.mu.Unlock()
	}()

	logger.Info().
		Str("workflow", req.WorkflowName).
		Int("replayed_events", len(snapshot.Events)).
		Msg("execution started")

	if err := wf.Run(ec); err != nil {
		if errors.Is(err, engine.ErrSuspended) {
			logger.Info().Msg("execution suspended, releasing claim for re-dispatch")
		} else {
			logger.Error().Err(err).Msg("execution driver failed, releasing claim")
		}
		if rErr := w.api.releaseClaim(req.ExecutionID); rErr != nil {
			logger.Error().Err(rErr).Msg("failed to release claim")
		}
		return
	}
	logger.Info().Str("state", string(ec.Execution().State)).Msg("execution settled")
}

// checkpoint builds the engine's persistence hook for one execution.
// The server assigns sequence numbers and reports interrupts through
// the returned snapshot.
func (w *Worker) checkpoint(executionID string) engine.CheckpointFunc {
	return func(exec *types.Execution, evs []*types.Event) error {
		resp, err := w.api.appendEvents(executionID, evs)
		if err != nil {
			return err
		}
		for i, stored := range resp.Events {
			if i < len(evs) {
				evs[i].Seq = stored.Seq
			}
		}
		if resp.Execution.State == types.ExecutionStateCancelling {
			w.mu.Lock()
			ec, ok := w.active[executionID]
			w.mu.Unlock()
			if ok {
				ec.RequestCancel()
			}
		}
		return nil
	}
}

// drain interrupts in-flight executions at their next task boundary.
// Each one releases its claim so the server re-dispatches it; Run's
// WaitGroup blocks until the releases have checkpointed.
func (w *Worker) drain() {
	w.mu.Lock()
	n := len(w.active)
	for _, ec := range w.active {
		ec.RequestSuspend()
	}
	w.mu.Unlock()
	if n > 0 {
		w.logger.Info().Int("active", n).Msg("suspending in-flight executions for re-dispatch")
	}
}
