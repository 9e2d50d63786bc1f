// Package api exposes the operator-facing HTTP surface: task enqueue and
// recovery, event ingestion, and listener management. Authentication is
// handled by the deployment in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"hearth/internal/domain"
	"hearth/internal/platform/logger"
	"hearth/internal/store"
)

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondWithJSON writes a JSON response with the given status code.
func respondWithJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.FromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

// respondWithError maps an error to a status code and writes the standard
// error payload. Internal errors are logged but not leaked to the client.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondWithJSON(w, r, http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, store.ErrDuplicate):
		respondWithJSON(w, r, http.StatusConflict, ErrorResponse{Error: "already exists"})
	case errors.Is(err, store.ErrInvalidTransition):
		respondWithJSON(w, r, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidRecurrence),
		errors.Is(err, domain.ErrInvalidPattern),
		errors.Is(err, domain.ErrInvalidAction):
		respondWithJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		logger.FromContext(r.Context()).Error("internal error", "error", err)
		respondWithJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// badRequest writes a 400 with the given message.
func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	respondWithJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: msg})
}
