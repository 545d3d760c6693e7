// Package server exposes the control plane over HTTP. External
// clients submit, resume, cancel, and observe executions; workers
// register, hold a server-sent event stream for dispatch, and post
// events back as they drive executions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/events"
	"github.com/fluxhq/flux/pkg/log"
	"github.com/fluxhq/flux/pkg/manager"
	"github.com/fluxhq/flux/pkg/metrics"
	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/secrets"
	"github.com/fluxhq/flux/pkg/storage"
)

// Server is the HTTP control plane.
type Server struct {
	cfg     config.ServerConfig
	manager *manager.Manager
	broker  *events.Broker
	secrets *secrets.Manager
	store   storage.Store
	hub     *workerHub
	http    *http.Server
	logger  zerolog.Logger
}

// New assembles the server. The returned server also implements the
// scheduler's Dispatcher through its worker hub.
func New(cfg config.ServerConfig, mgr *manager.Manager, broker *events.Broker, sec *secrets.Manager, store storage.Store) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		broker:  broker,
		secrets: sec,
		store:   store,
		hub:     newWorkerHub(),
		logger:  log.WithComponent("server"),
	}
	s.http = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.Routes(),
	}
	return s
}

// Hub returns the worker stream hub, which implements scheduler.Dispatcher.
func (s *Server) Hub() Dispatcher { return s.hub }

// Routes builds the full handler tree. Exposed so tests and embedders
// can mount the server without a listener.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Public API
	mux.HandleFunc("POST /workflows", s.instrument("register_workflow", s.handleRegisterWorkflow))
	mux.HandleFunc("POST /workflows/{name}/run/{mode}", s.instrument("run", s.handleRun))
	mux.HandleFunc("POST /workflows/{name}/resume/{id}/{mode}", s.instrument("resume", s.handleResume))
	mux.HandleFunc("POST /workflows/{name}/cancel/{id}", s.instrument("cancel", s.handleCancel))
	mux.HandleFunc("GET /workflows/{name}/status/{id}", s.instrument("status", s.handleStatus))
	mux.HandleFunc("GET /workflows", s.instrument("list_workflows", s.handleListWorkflows))
	mux.HandleFunc("GET /workflows/{name}", s.instrument("get_workflow", s.handleGetWorkflow))
	mux.HandleFunc("GET /executions", s.instrument("list_executions", s.handleListExecutions))
	mux.HandleFunc("GET /executions/{id}/events", s.handleEventStream)

	// Secrets
	mux.HandleFunc("POST /secrets", s.instrument("secret_set", s.handleSecretSet))
	mux.HandleFunc("GET /secrets", s.instrument("secret_list", s.handleSecretList))
	mux.HandleFunc("GET /secrets/{name}", s.instrument("secret_get", s.handleSecretGet))
	mux.HandleFunc("DELETE /secrets/{name}", s.instrument("secret_remove", s.handleSecretRemove))
	mux.HandleFunc("POST /secrets/{name}/rotate", s.instrument("secret_rotate", s.handleSecretRotate))

	// Worker plane
	mux.HandleFunc("POST /v1/workers/register", s.workerAuth(s.handleWorkerRegister))
	mux.HandleFunc("GET /v1/workers/{name}/stream", s.workerAuth(s.handleWorkerStream))
	mux.HandleFunc("POST /v1/workers/{name}/heartbeat", s.workerAuth(s.handleWorkerHeartbeat))
	mux.HandleFunc("POST /v1/workers/{name}/release", s.workerAuth(s.handleReleaseClaim))
	mux.HandleFunc("POST /v1/workers/secrets", s.workerAuth(s.handleWorkerSecrets))
	mux.HandleFunc("POST /v1/executions/{id}/events", s.workerAuth(s.handleAppendEvents))
	mux.HandleFunc("GET /v1/executions/{id}/events", s.workerAuth(s.handleGetEvents))
	mux.HandleFunc("POST /v1/cache", s.workerAuth(s.handleCachePut))
	mux.HandleFunc("GET /v1/cache", s.workerAuth(s.handleCacheGet))
	mux.HandleFunc("POST /v1/outputs", s.workerAuth(s.handleOutputPut))
	mux.HandleFunc("GET /v1/outputs", s.workerAuth(s.handleOutputGet))

	// Operational
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("control plane listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown tells connected workers to drain and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.broadcastShutdown()
	return s.http.Shutdown(ctx)
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// workerAuth enforces the bootstrap token on worker-plane routes when
// one is configured.
func (s *Server) workerAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.BootstrapToken != "" && r.Header.Get("X-Flux-Token") != s.cfg.BootstrapToken {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid bootstrap token"))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the recorder streamable for SSE handlers.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrClaimExists):
		return http.StatusConflict
	case errors.Is(err, manager.ErrTerminal), errors.Is(err, manager.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, manager.ErrWrongSession):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
