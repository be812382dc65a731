package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
)

// TaskHandler is the behavior a remote agent plugs into a Server. Handlers
// receive the raw dispatch params and answer with a protocol result; the
// Server owns envelope encoding and routing.
type TaskHandler interface {
	// HandleTask processes a dispatched task and returns its result.
	HandleTask(ctx context.Context, params TaskSendParams) (TaskResult, error)
	// TaskStatus reports a previously dispatched task; false when unknown.
	TaskStatus(ctx context.Context, taskID string) (TaskResult, bool)
	// CancelTask cancels a previously dispatched task; false when unknown.
	CancelTask(ctx context.Context, taskID string) (TaskResult, bool)
}

// Server exposes a TaskHandler over the wire contract consumed by
// Connection: POST /task/send, GET /task/status/{id}, POST /task/cancel/{id}
// and GET /health. Intended for reference agents, tests and examples.
type Server struct {
	handler TaskHandler
	logger  logging.Logger
}

// NewServer wraps the handler. A nil logger degrades to no-op.
func NewServer(handler TaskHandler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{handler: handler, logger: logger}
}

// Handler returns the http.Handler implementing the protocol surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /task/send", s.handleSend)
	mux.HandleFunc("GET /task/status/{id}", s.handleStatus)
	mux.HandleFunc("POST /task/cancel/{id}", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var params TaskSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, TaskResponse{Error: "malformed task params"})
		return
	}
	result, err := s.handler.HandleTask(r.Context(), params)
	if err != nil {
		s.logger.Error("task handler failed for task %s: %v", params.ID, err)
		writeJSON(w, http.StatusOK, TaskResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Result: &result})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, ok := s.handler.TaskStatus(r.Context(), r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, TaskResponse{Error: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Result: &result})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, ok := s.handler.CancelTask(r.Context(), r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, TaskResponse{Error: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Result: &result})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// EchoHandler is a minimal TaskHandler completing every task immediately
// with a text artifact echoing the dispatched content. Useful as a protocol
// test peer.
type EchoHandler struct {
	mu    sync.Mutex
	tasks map[string]TaskResult
}

// NewEchoHandler constructs an empty echo handler.
func NewEchoHandler() *EchoHandler {
	return &EchoHandler{tasks: make(map[string]TaskResult)}
}

// HandleTask implements TaskHandler.
func (h *EchoHandler) HandleTask(_ context.Context, params TaskSendParams) (TaskResult, error) {
	result := TaskResult{
		Status: TaskStatus{
			State:   core.TaskStateCompleted.String(),
			Message: &MessagePayload{Role: "assistant", Content: "Echo: " + params.Message.Content},
		},
		Artifacts: []core.Artifact{{"type": "text", "value": params.Message.Content}},
	}
	h.mu.Lock()
	h.tasks[params.ID] = result
	h.mu.Unlock()
	return result, nil
}

// TaskStatus implements TaskHandler.
func (h *EchoHandler) TaskStatus(_ context.Context, taskID string) (TaskResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	result, ok := h.tasks[taskID]
	return result, ok
}

// CancelTask implements TaskHandler.
func (h *EchoHandler) CancelTask(_ context.Context, taskID string) (TaskResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	result, ok := h.tasks[taskID]
	if !ok {
		return TaskResult{}, false
	}
	result.Status = TaskStatus{State: core.TaskStateCanceled.String()}
	h.tasks[taskID] = result
	return result, true
}
