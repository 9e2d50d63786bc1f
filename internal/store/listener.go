package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hearth/internal/domain"
)

// ListenerStore owns listener definitions and their mutable trigger state.
type ListenerStore interface {
	// Create persists a new listener. Returns ErrDuplicate if a listener
	// with the same name exists.
	Create(ctx context.Context, l *domain.Listener) error

	// Update replaces the listener's definition fields (pattern, condition,
	// action, rate limit, enabled). Trigger state is untouched.
	Update(ctx context.Context, l *domain.Listener) error

	// Delete removes a listener. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id uuid.UUID) error

	// GetByID retrieves a listener by ID. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Listener, error)

	// GetByName retrieves a listener by its unique name.
	GetByName(ctx context.Context, name string) (*domain.Listener, error)

	// List retrieves all listeners ordered by ascending ID.
	List(ctx context.Context) ([]*domain.Listener, error)

	// ListEnabled retrieves all enabled listeners ordered by ascending ID,
	// which fixes the router's evaluation order.
	ListEnabled(ctx context.Context) ([]*domain.Listener, error)

	// SetEnabled flips the enabled flag without touching the definition.
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// TryTrigger atomically advances last_triggered_at to now if the
	// listener is outside its rate-limit window. Exactly one of several
	// near-simultaneous callers wins; the others observe false. The update
	// is a single conditional write so double-firing is impossible even
	// across processes.
	TryTrigger(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}
