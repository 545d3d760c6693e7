package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/types"
)

// Dispatcher delivers claimed executions to workers. The worker hub
// implements it; the scheduler consumes it.
type Dispatcher interface {
	Dispatch(worker *types.Worker, exec *types.Execution, entry *types.CatalogEntry) error
}

// workerStream is one connected worker session's outbound frame queue.
type workerStream struct {
	name      string
	sessionID string
	frames    chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (ws *workerStream) close() {
	ws.closeOnce.Do(func() { close(ws.done) })
}

// workerHub tracks connected worker streams by worker name. A worker
// reconnecting with a new session replaces its previous stream.
type workerHub struct {
	mu      sync.Mutex
	streams map[string]*workerStream
}

func newWorkerHub() *workerHub {
	return &workerHub{streams: make(map[string]*workerStream)}
}

func (h *workerHub) attach(name, sessionID string) *workerStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.streams[name]; ok {
		old.close()
	}
	ws := &workerStream{
		name:      name,
		sessionID: sessionID,
		frames:    make(chan *protocol.Frame, 32),
		done:      make(chan struct{}),
	}
	h.streams[name] = ws
	return ws
}

// detach removes the stream if it is still the current one for its
// worker; a reconnect may already have replaced it.
func (h *workerHub) detach(ws *workerStream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws.close()
	if current, ok := h.streams[ws.name]; ok && current == ws {
		delete(h.streams, ws.name)
		return true
	}
	return false
}

func (h *workerHub) send(workerName string, frame *protocol.Frame) error {
	h.mu.Lock()
	ws, ok := h.streams[workerName]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s has no connected stream", workerName)
	}
	select {
	case ws.frames <- frame:
		return nil
	case <-ws.done:
		return fmt.Errorf("worker %s stream is closed", workerName)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker %s stream is not draining", workerName)
	}
}

// Dispatch sends an execution request to the chosen worker's stream.
func (h *workerHub) Dispatch(worker *types.Worker, exec *types.Execution, entry *types.CatalogEntry) error {
	h.mu.Lock()
	ws, ok := h.streams[worker.Name]
	h.mu.Unlock()
	if ok && ws.sessionID != worker.SessionID {
		return fmt.Errorf("worker %s stream session mismatch", worker.Name)
	}
	return h.send(worker.Name, &protocol.Frame{
		Type: protocol.FrameExecutionRequest,
		ExecutionRequest: &protocol.ExecutionRequest{
			ExecutionID:  exec.ID,
			WorkflowName: exec.WorkflowName,
			Version:      entry.Version,
			Input:        exec.Input,
			ResumeInput:  exec.ResumeInput,
		},
	})
}

// Cancel pushes a cancel interrupt for one execution.
func (h *workerHub) Cancel(workerName, executionID string) error {
	return h.send(workerName, &protocol.Frame{
		Type:        protocol.FrameCancel,
		ExecutionID: executionID,
	})
}

func (h *workerHub) broadcastShutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ws := range h.streams {
		select {
		case ws.frames <- &protocol.Frame{Type: protocol.FrameShutdown}:
		default:
		}
	}
}
