package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"hearth/internal/domain"
	"hearth/internal/events"
	"hearth/internal/store"
)

// ListenerHandler exposes listener management over HTTP.
type ListenerHandler struct {
	listeners store.ListenerStore
	logger    *slog.Logger
}

// NewListenerHandler creates a ListenerHandler.
func NewListenerHandler(listeners store.ListenerStore, logger *slog.Logger) *ListenerHandler {
	return &ListenerHandler{
		listeners: listeners,
		logger:    logger.With("component", "listener_handler"),
	}
}

// listenerRequest is the create/update payload.
type listenerRequest struct {
	Name             string          `json:"name"`
	EventPattern     string          `json:"event_pattern"`
	Condition        json.RawMessage `json:"condition,omitempty"`
	Action           domain.Action   `json:"action"`
	RateLimitSeconds int             `json:"rate_limit_seconds"`
	Enabled          *bool           `json:"enabled,omitempty"`
}

// validateCondition rejects condition documents the router would refuse at
// evaluation time, so definition mistakes surface on write instead of
// silently never matching.
func validateCondition(raw json.RawMessage) error {
	_, err := events.ParseCondition(raw)
	return err
}

// Create registers a new listener.
func (h *ListenerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req listenerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := validateCondition(req.Condition); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	l, err := domain.NewListener(req.Name, req.EventPattern, req.Condition, req.Action, req.RateLimitSeconds)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Enabled != nil {
		l.Enabled = *req.Enabled
	}
	if err := h.listeners.Create(r.Context(), l); err != nil {
		respondWithError(w, r, err)
		return
	}

	h.logger.Info("listener created", "listener_id", l.ID, "name", l.Name)
	respondWithJSON(w, r, http.StatusCreated, l)
}

// Update replaces a listener's definition.
func (h *ListenerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req listenerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := validateCondition(req.Condition); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	l, err := h.listeners.GetByID(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	l.Name = req.Name
	l.EventPattern = req.EventPattern
	l.Condition = req.Condition
	l.Action = req.Action
	l.RateLimitSeconds = req.RateLimitSeconds
	if req.Enabled != nil {
		l.Enabled = *req.Enabled
	}
	if err := l.Validate(); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.listeners.Update(r.Context(), l); err != nil {
		respondWithError(w, r, err)
		return
	}

	h.logger.Info("listener updated", "listener_id", l.ID, "name", l.Name)
	respondWithJSON(w, r, http.StatusOK, l)
}

// Delete removes a listener.
func (h *ListenerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.listeners.Delete(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("listener deleted", "listener_id", id)
	respondWithJSON(w, r, http.StatusNoContent, nil)
}

// Get returns a listener by ID.
func (h *ListenerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	l, err := h.listeners.GetByID(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, r, http.StatusOK, l)
}

// List returns all listeners ordered by ID.
func (h *ListenerHandler) List(w http.ResponseWriter, r *http.Request) {
	ls, err := h.listeners.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if ls == nil {
		ls = []*domain.Listener{}
	}
	respondWithJSON(w, r, http.StatusOK, ls)
}

// SetEnabled flips the enabled flag without touching the definition.
func (h *ListenerHandler) SetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		if err := h.listeners.SetEnabled(r.Context(), id, enabled); err != nil {
			respondWithError(w, r, err)
			return
		}
		h.logger.Info("listener enabled flag set", "listener_id", id, "enabled", enabled)
		respondWithJSON(w, r, http.StatusNoContent, nil)
	}
}
