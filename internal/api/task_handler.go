package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hearth/internal/domain"
	"hearth/internal/store"
)

// TaskHandler exposes the task lifecycle over HTTP.
type TaskHandler struct {
	tasks  store.TaskStore
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks store.TaskStore, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger.With("component", "task_handler")}
}

// createTaskRequest is the enqueue payload.
type createTaskRequest struct {
	Handler     string          `json:"handler"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	Recurrence  string          `json:"recurrence,omitempty"`
}

// Create enqueues a new task. Acceptance never blocks on execution; the
// caller observes outcomes through task status.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	runAt := time.Time{}
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	t, err := domain.NewTask(req.Handler, req.Payload, runAt, req.MaxAttempts, req.Recurrence)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.tasks.Enqueue(r.Context(), t); err != nil {
		respondWithError(w, r, err)
		return
	}

	h.logger.Info("task enqueued", "task_id", t.ID, "handler", t.Handler)
	respondWithJSON(w, r, http.StatusCreated, t)
}

// Get returns a task by ID.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	t, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, t)
}

// List returns tasks filtered by status.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if !status.IsValid() {
		badRequest(w, r, "unknown status")
		return
	}
	tasks, err := h.tasks.ListByStatus(r.Context(), status, 100)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	respondWithJSON(w, r, http.StatusOK, tasks)
}

// Cancel marks a pending task cancelled. Running tasks are not preemptible.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.tasks.Cancel(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("task cancelled", "task_id", id)
	respondWithJSON(w, r, http.StatusNoContent, nil)
}

// Retry resets a failed task to pending with a fresh attempt budget, for
// operator-triggered recovery.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.tasks.Retry(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("task reset for retry", "task_id", id)
	respondWithJSON(w, r, http.StatusNoContent, nil)
}

// parseID extracts the {id} URL parameter as a UUID.
func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, r, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
