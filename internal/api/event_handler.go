package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"hearth/internal/domain"
	"hearth/internal/events"
	"hearth/internal/store"
)

// EventHandler exposes event ingestion and inspection over HTTP.
type EventHandler struct {
	router *events.Router
	events store.EventStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(router *events.Router, es store.EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		router: router,
		events: es,
		logger: logger.With("component", "event_handler"),
	}
}

// ingestEventRequest is the minimal event schema accepted from producers.
type ingestEventRequest struct {
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

// Ingest stores the event and routes it through the listener engine.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	occurredAt := time.Time{}
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}
	e, err := domain.NewEvent(req.Source, req.Type, req.Payload, occurredAt)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.router.Ingest(r.Context(), e); err != nil {
		respondWithError(w, r, err)
		return
	}

	h.logger.Info("event ingested", "event_id", e.ID, "type", e.Type, "source", e.Source)
	respondWithJSON(w, r, http.StatusAccepted, e)
}

// List returns recent events, newest first.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	evts, err := h.events.ListRecent(r.Context(), 100)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if evts == nil {
		evts = []*domain.Event{}
	}
	respondWithJSON(w, r, http.StatusOK, evts)
}
