package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/outputs"
	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/storage"
	"github.com/fluxhq/flux/pkg/types"
)

const keepAliveInterval = 10 * time.Second

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker name and session_id are required"))
		return
	}

	worker := &types.Worker{
		Name:                req.Name,
		SessionID:           req.SessionID,
		Resources:           req.Resources,
		RegisteredWorkflows: req.RegisteredWorkflows,
	}
	if err := s.manager.RegisterWorker(worker); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": worker.Name, "session_id": worker.SessionID})
}

// handleWorkerStream holds the server-to-worker SSE channel open and
// pushes dispatch, cancel, and shutdown frames. A worker disconnecting
// is marked offline so its claims are released.
func (s *Server) handleWorkerStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sessionID := r.URL.Query().Get("session")

	worker, err := s.manager.GetWorker(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if worker.SessionID != sessionID {
		writeError(w, http.StatusForbidden, fmt.Errorf("session %s is not the registered session for worker %s", sessionID, name))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	stream := s.hub.attach(name, sessionID)
	defer func() {
		if s.hub.detach(stream) {
			if err := s.manager.MarkWorkerOffline(name); err != nil {
				s.logger.Error().Err(err).Str("worker", name).Msg("failed to mark disconnected worker offline")
			}
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info().Str("worker", name).Str("session", sessionID).Msg("worker stream connected")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-stream.frames:
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
			if frame.Type == protocol.FrameShutdown {
				return
			}
		case <-ticker.C:
			if err := writeFrame(w, &protocol.Frame{Type: protocol.FrameKeepAlive}); err != nil {
				return
			}
			flusher.Flush()
		case <-stream.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
	return err
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.TouchWorker(name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleReleaseClaim hands an execution back for re-dispatch, for
// example during worker drain.
func (s *Server) handleReleaseClaim(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReleaseClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	claim, err := s.store.GetClaim(req.ExecutionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if claim.WorkerSessionID != req.SessionID {
		writeError(w, http.StatusForbidden, manager.ErrWrongSession)
		return
	}
	if err := s.manager.ReleaseClaim(req.ExecutionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": req.ExecutionID})
}

// handleWorkerSecrets resolves decrypted secret values for task calls.
func (s *Server) handleWorkerSecrets(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResolveSecretsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resolved, err := s.secrets.Resolve(req.Names)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ResolveSecretsResponse{Secrets: resolved})
}

// handleAppendEvents is the worker checkpoint: events append
// atomically and the response snapshot carries interrupts back.
func (s *Server) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req protocol.AppendEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	exec, err := s.manager.ApplyEvents(id, req.SessionID, req.Events)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AppendEventsResponse{Execution: exec, Events: req.Events})
}

// handleGetEvents returns the snapshot and full event log, which a
// worker replays before driving an execution.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.manager.GetExecution(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	evs, err := s.manager.GetEvents(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AppendEventsResponse{Execution: exec, Events: evs})
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var req protocol.CachePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.PutCacheEntry(req.Key, req.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value, err := s.store.GetCacheEntry(key)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, protocol.CacheGetResponse{Found: false})
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CacheGetResponse{Found: true, Value: value})
}

func (s *Server) handleOutputPut(w http.ResponseWriter, r *http.Request) {
	var req protocol.OutputPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := outputs.New(s.store).Put(req.TaskID, req.Value)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OutputPutResponse{Ref: ref})
}

func (s *Server) handleOutputGet(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	value, err := outputs.New(s.store).Get(ref)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OutputGetResponse{Value: value})
}
