package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event represents an ingested occurrence from an external source. Events
// are immutable once stored.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	StoredAt   time.Time       `json:"stored_at"`
}

// NewEvent creates an event from an external producer. A zero occurredAt
// defaults to the current time.
func NewEvent(source, eventType string, payload json.RawMessage, occurredAt time.Time) (*Event, error) {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	e := &Event{
		ID:         uuid.New(),
		Source:     source,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: occurredAt.UTC(),
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks if the Event has valid data.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: event ID cannot be empty", ErrValidation)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: event source cannot be empty", ErrValidation)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event type cannot be empty", ErrValidation)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: event payload must be valid JSON", ErrValidation)
	}
	return nil
}
