package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fluxhq/flux/pkg/catalog"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

const maxRegisterBytes = 10 << 20

// handleRegisterWorkflow accepts a multipart upload: a "source" file
// plus metadata fields, and registers the next catalog version.
func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRegisterBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing workflow name"))
		return
	}

	file, _, err := r.FormFile("source")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing source file: %w", err))
		return
	}
	defer file.Close()
	source, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := catalog.RegisterOptions{
		OutputStorageKind: r.FormValue("output_storage"),
	}
	if raw := r.FormValue("resource_request"); raw != "" {
		var req types.ResourceRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid resource_request: %w", err))
			return
		}
		opts.ResourceRequest = &req
	}
	if raw := r.FormValue("secret_requests"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if name := strings.TrimSpace(part); name != "" {
				opts.SecretRequests = append(opts.SecretRequests, name)
			}
		}
	}

	entry, err := s.manager.Catalog().Register(name, source, opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info().Str("workflow", entry.Name).Int("version", entry.Version).Msg("workflow registered")
	writeJSON(w, http.StatusCreated, protocol.RegisterWorkflowResponse{Entry: entry})
}

// handleRun submits an execution. The request body is the raw workflow
// input. Mode "async" returns immediately, "sync" blocks until the
// execution settles, "stream" relays its events as they happen.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mode := r.PathValue("mode")
	switch mode {
	case "async", "sync", "stream":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown run mode %q", mode))
		return
	}

	input, err := io.ReadAll(io.LimitReader(r.Body, maxRegisterBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(input) == 0 {
		input = []byte("null")
	}

	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		if version, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version: %w", err))
			return
		}
	}

	// Subscribe before submitting so no event can slip past.
	var sub events.Subscriber
	if mode == "sync" || mode == "stream" {
		sub = s.broker.Subscribe()
		defer s.broker.Unsubscribe(sub)
	}

	exec, err := s.manager.SubmitExecution(name, version, input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	switch mode {
	case "async":
		writeJSON(w, http.StatusAccepted, protocol.ExecutionStatus{Execution: exec})
	case "sync":
		s.respondSettled(w, r, exec.ID, sub)
	case "stream":
		s.streamExecution(w, r, exec.ID, sub, 0)
	}
}

// handleResume supplies a payload to a paused execution. Modes match
// handleRun.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mode := r.PathValue("mode")
	switch mode {
	case "async", "sync", "stream":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown resume mode %q", mode))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRegisterBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	var sub events.Subscriber
	if mode == "sync" || mode == "stream" {
		sub = s.broker.Subscribe()
		defer s.broker.Unsubscribe(sub)
	}

	exec, err := s.manager.ResumeExecution(id, payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	switch mode {
	case "async":
		writeJSON(w, http.StatusAccepted, protocol.ExecutionStatus{Execution: exec})
	case "sync":
		s.respondSettled(w, r, exec.ID, sub)
	case "stream":
		s.streamExecution(w, r, exec.ID, sub, 0)
	}
}

// handleCancel requests cooperative cancellation. If a worker holds
// the execution, a cancel interrupt is pushed over its stream.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, needsSignal, err := s.manager.CancelExecution(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if needsSignal {
		if err := s.hub.Cancel(exec.CurrentWorker, id); err != nil {
			// Liveness reaping will release the claim if the worker is
			// truly gone.
			s.logger.Warn().Err(err).
				Str("execution_id", id).
				Str("worker", exec.CurrentWorker).
				Msg("could not push cancel interrupt")
		}
	}
	writeJSON(w, http.StatusOK, protocol.ExecutionStatus{Execution: exec})
}

// handleStatus returns the execution snapshot, with the event log when
// detailed=true.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := r.PathValue("id")

	exec, err := s.manager.GetExecution(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if exec.WorkflowName != name {
		writeError(w, http.StatusNotFound, fmt.Errorf("execution %s does not belong to workflow %s", id, name))
		return
	}

	status := protocol.ExecutionStatus{Execution: exec}
	if r.URL.Query().Get("detailed") == "true" {
		status.Events, err = s.manager.GetEvents(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manager.Catalog().List()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*types.CatalogEntry{"workflows": entries})
}

// handleGetWorkflow returns one workflow's catalog entry; version 0 or
// absent means latest.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		var err error
		if version, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version: %w", err))
			return
		}
	}
	entry, err := s.manager.Catalog().Get(name, version)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterWorkflowResponse{Entry: entry})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := storage.ExecutionFilter{
		State:        types.ExecutionState(r.URL.Query().Get("state")),
		WorkflowName: r.URL.Query().Get("workflow"),
	}
	execs, err := s.manager.ListExecutions(filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*types.Execution{"executions": execs})
}

// respondSettled blocks until the execution reaches a terminal state
// or pauses, then returns the snapshot.
func (s *Server) respondSettled(w http.ResponseWriter, r *http.Request, executionID string, sub events.Subscriber) {
	// The execution may already have settled before the subscription
	// saw anything.
	if exec, err := s.manager.GetExecution(executionID); err == nil && settled(exec.State) {
		writeJSON(w, http.StatusOK, protocol.ExecutionStatus{Execution: exec})
		return
	}

	for {
		select {
		case n, ok := <-sub:
			if !ok {
				writeError(w, http.StatusInternalServerError, fmt.Errorf("event subscription closed"))
				return
			}
			if n.ExecutionID != executionID || !settlingEvent(n.Event.Type) {
				continue
			}
			exec, err := s.manager.GetExecution(executionID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, protocol.ExecutionStatus{Execution: exec})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func settled(state types.ExecutionState) bool {
	return state.IsTerminal() || state == types.ExecutionStatePaused
}

// settlingEvent reports whether the event ends a sync wait.
func settlingEvent(t types.EventType) bool {
	switch t {
	case types.EventWorkflowCompleted, types.EventWorkflowFailed,
		types.EventWorkflowCancelled, types.EventWorkflowPaused:
		return true
	}
	return false
}

func terminalEvent(t types.EventType) bool {
	switch t {
	case types.EventWorkflowCompleted, types.EventWorkflowFailed, types.EventWorkflowCancelled:
		return true
	}
	return false
}

// handleEventStream relays an execution's event log over SSE: the
// recorded history first, then live events until a terminal one.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.GetExecution(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	sub := s.broker.SubscribeExecution(id)
	defer s.broker.Unsubscribe(sub)

	s.streamExecution(w, r, id, sub, 0)
}

// streamExecution writes historical then live events as SSE frames.
// Live events already covered by the historical read are dropped by
// sequence number.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, executionID string, sub events.Subscriber, afterSeq uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	history, err := s.manager.GetEvents(executionID)
	if err != nil {
		s.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to read event history")
		return
	}
	lastSeq := afterSeq
	for _, ev := range history {
		if ev.Seq <= afterSeq {
			continue
		}
		writeSSE(w, ev)
		lastSeq = ev.Seq
		if terminalEvent(ev.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case n, ok := <-sub:
			if !ok {
				return
			}
			if n.ExecutionID != executionID || n.Event.Seq <= lastSeq {
				continue
			}
			writeSSE(w, n.Event)
			lastSeq = n.Event.Seq
			flusher.Flush()
			if terminalEvent(n.Event.Type) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w io.Writer, ev *types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
