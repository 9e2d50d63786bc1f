package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hearth/internal/domain"
	"hearth/internal/store"
)

// listenerColumns is the shared column list for listener queries.
var listenerColumns = []string{
	"id", "name", "event_pattern", "condition", "action",
	"rate_limit_seconds", "last_triggered_at", "enabled",
	"created_at", "updated_at",
}

// tryTriggerSQL advances last_triggered_at only when the listener is outside
// its rate-limit window. A single conditional UPDATE is the compare-and-swap
// that keeps near-simultaneous matches from double-firing.
const tryTriggerSQL = `
	UPDATE listeners SET
		last_triggered_at = $2,
		updated_at = $2
	WHERE id = $1
	  AND (
		last_triggered_at IS NULL
		OR rate_limit_seconds <= 0
		OR last_triggered_at <= $2 - make_interval(secs => rate_limit_seconds)
	  )
`

// ListenerStore implements store.ListenerStore on PostgreSQL.
type ListenerStore struct {
	pool *pgxpool.Pool
}

// NewListenerStore creates a ListenerStore using the given pool.
func NewListenerStore(pool *pgxpool.Pool) *ListenerStore {
	return &ListenerStore{pool: pool}
}

var _ store.ListenerStore = (*ListenerStore)(nil)

func scanListener(row pgx.Row) (*domain.Listener, error) {
	var l domain.Listener
	var actionJSON []byte
	err := row.Scan(
		&l.ID,
		&l.Name,
		&l.EventPattern,
		&l.Condition,
		&actionJSON,
		&l.RateLimitSeconds,
		&l.LastTriggeredAt,
		&l.Enabled,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan listener: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &l.Action); err != nil {
		return nil, fmt.Errorf("decode listener action: %w", err)
	}
	return &l, nil
}

// Create persists a new listener.
func (s *ListenerStore) Create(ctx context.Context, l *domain.Listener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	actionJSON, err := json.Marshal(l.Action)
	if err != nil {
		return fmt.Errorf("encode listener action: %w", err)
	}

	query, args, err := psql.
		Insert("listeners").
		Columns(listenerColumns...).
		Values(
			l.ID, l.Name, l.EventPattern, l.Condition, actionJSON,
			l.RateLimitSeconds, l.LastTriggeredAt, l.Enabled,
			l.CreatedAt, l.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("create listener: %w", err)
		}
		return nil
	})
}

// Update replaces the listener's definition fields, leaving trigger state
// untouched.
func (s *ListenerStore) Update(ctx context.Context, l *domain.Listener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	actionJSON, err := json.Marshal(l.Action)
	if err != nil {
		return fmt.Errorf("encode listener action: %w", err)
	}

	query, args, err := psql.
		Update("listeners").
		Set("name", l.Name).
		Set("event_pattern", l.EventPattern).
		Set("condition", l.Condition).
		Set("action", actionJSON).
		Set("rate_limit_seconds", l.RateLimitSeconds).
		Set("enabled", l.Enabled).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": l.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("update listener: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// Delete removes a listener.
func (s *ListenerStore) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := psql.Delete("listeners").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete listener: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// GetByID retrieves a listener by ID.
func (s *ListenerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Listener, error) {
	return s.getOne(ctx, sq.Eq{"id": id})
}

// GetByName retrieves a listener by its unique name.
func (s *ListenerStore) GetByName(ctx context.Context, name string) (*domain.Listener, error) {
	return s.getOne(ctx, sq.Eq{"name": name})
}

func (s *ListenerStore) getOne(ctx context.Context, where sq.Eq) (*domain.Listener, error) {
	query, args, err := psql.
		Select(listenerColumns...).
		From("listeners").
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var l *domain.Listener
	err = withRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		l, scanErr = scanListener(s.pool.QueryRow(ctx, query, args...))
		return scanErr
	})
	return l, err
}

// List retrieves all listeners ordered by ascending ID.
func (s *ListenerStore) List(ctx context.Context) ([]*domain.Listener, error) {
	return s.list(ctx, nil)
}

// ListEnabled retrieves enabled listeners ordered by ascending ID, fixing
// the router's evaluation order.
func (s *ListenerStore) ListEnabled(ctx context.Context) ([]*domain.Listener, error) {
	return s.list(ctx, sq.Eq{"enabled": true})
}

func (s *ListenerStore) list(ctx context.Context, where sq.Eq) ([]*domain.Listener, error) {
	builder := psql.
		Select(listenerColumns...).
		From("listeners").
		OrderBy("id ASC")
	if where != nil {
		builder = builder.Where(where)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var listeners []*domain.Listener
	err = withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query listeners: %w", err)
		}
		defer rows.Close()

		listeners = listeners[:0]
		for rows.Next() {
			l, err := scanListener(rows)
			if err != nil {
				return err
			}
			listeners = append(listeners, l)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}
		return nil
	})
	return listeners, err
}

// SetEnabled flips the enabled flag.
func (s *ListenerStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query, args, err := psql.
		Update("listeners").
		Set("enabled", enabled).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build enable query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("set enabled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// TryTrigger atomically advances last_triggered_at when the listener is
// outside its rate-limit window. Returns false when the trigger is
// suppressed or another caller won the window.
func (s *ListenerStore) TryTrigger(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var won bool
	err := withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, tryTriggerSQL, id, now.UTC())
		if err != nil {
			return fmt.Errorf("try trigger: %w", err)
		}
		if tag.RowsAffected() > 0 {
			won = true
			return nil
		}
		won = false

		var exists bool
		if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM listeners WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check listener existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return nil
	})
	return won, err
}
