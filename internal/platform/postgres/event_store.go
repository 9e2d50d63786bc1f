package postgres

import (
	"context"
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

// eventColumns is the shared column list for event queries.
var eventColumns = []string{
	"id", "source", "type", "payload", "occurred_at", "stored_at",
}

// EventStore implements store.EventStore on PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore using the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ store.EventStore = (*EventStore)(nil)

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.Source, &e.Type, &e.Payload, &e.OccurredAt, &e.StoredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

// Insert persists an event and stamps its StoredAt time.
func (s *EventStore) Insert(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	storedAt := time.Now().UTC()
	query, args, err := psql.
		Insert("events").
		Columns(eventColumns...).
		Values(e.ID, e.Source, e.Type, e.Payload, e.OccurredAt, storedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	err = withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.StoredAt = storedAt
	return nil
}

// GetByID retrieves an event by ID.
func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	query, args, err := psql.
		Select(eventColumns...).
		From("events").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var e *domain.Event
	err = withRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		e, scanErr = scanEvent(s.pool.QueryRow(ctx, query, args...))
		return scanErr
	})
	return e, err
}

// ListRecent retrieves up to limit events, newest first.
func (s *EventStore) ListRecent(ctx context.Context, limit int) ([]*domain.Event, error) {
	builder := psql.
		Select(eventColumns...).
		From("events").
		OrderBy("stored_at DESC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var events []*domain.Event
	err = withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}
		return nil
	})
	return events, err
}
