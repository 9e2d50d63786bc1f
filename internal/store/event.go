package store

import (
	"context"

	"github.com/google/uuid"

	"hearth/internal/domain"
)

// EventStore is the durable record of ingested events. Events are immutable
// once stored.
type EventStore interface {
	// Insert persists an event and stamps its StoredAt time.
	Insert(ctx context.Context, e *domain.Event) error

	// GetByID retrieves an event by ID. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)

	// ListRecent retrieves up to limit events, newest first.
	ListRecent(ctx context.Context, limit int) ([]*domain.Event, error)
}
