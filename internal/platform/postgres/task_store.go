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

	"hearth/internal/backoff"
	"hearth/internal/domain"
	"hearth/internal/store"
)

// psql is the shared statement builder configured for Postgres dollar
// placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// taskColumns is the shared column list for task queries.
var taskColumns = []string{
	"id", "handler", "payload", "status", "attempts", "max_attempts",
	"next_run_at", "locked_by", "lease_expires_at", "last_error",
	"recurrence", "recurrence_advanced", "created_at", "updated_at",
}

// claimSQL atomically selects and locks the next eligible task. SKIP LOCKED
// keeps concurrent claimants from blocking on or double-claiming the same
// row; the subquery-and-update runs as one statement, which is the core
// exclusivity guarantee of the engine.
const claimSQL = `
	UPDATE tasks SET
		status = 'running',
		locked_by = $1,
		lease_expires_at = $2,
		updated_at = $3
	WHERE id = (
		SELECT id FROM tasks
		WHERE (status = 'pending' AND next_run_at <= $3)
		   OR (status = 'running' AND lease_expires_at <= $3)
		ORDER BY next_run_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, handler, payload, status, attempts, max_attempts,
		next_run_at, locked_by, lease_expires_at, last_error,
		recurrence, recurrence_advanced, created_at, updated_at
`

// TaskStore implements store.TaskStore on PostgreSQL.
type TaskStore struct {
	pool  *pgxpool.Pool
	retry store.RetryPolicy
}

// NewTaskStore creates a TaskStore using the given pool and retry policy.
func NewTaskStore(pool *pgxpool.Pool, retryPolicy store.RetryPolicy) *TaskStore {
	return &TaskStore{pool: pool, retry: retryPolicy}
}

var _ store.TaskStore = (*TaskStore)(nil)

// scanTask scans a single row into a Task.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID,
		&t.Handler,
		&t.Payload,
		&t.Status,
		&t.Attempts,
		&t.MaxAttempts,
		&t.NextRunAt,
		&t.LockedBy,
		&t.LeaseExpiresAt,
		&t.LastError,
		&t.Recurrence,
		&t.RecurrenceAdvanced,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

// Enqueue persists a new pending task.
func (s *TaskStore) Enqueue(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query, args, err := psql.
		Insert("tasks").
		Columns(taskColumns...).
		Values(
			t.ID, t.Handler, t.Payload, t.Status, t.Attempts, t.MaxAttempts,
			t.NextRunAt, t.LockedBy, t.LeaseExpiresAt, t.LastError,
			t.Recurrence, t.RecurrenceAdvanced, t.CreatedAt, t.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build enqueue query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("enqueue task: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a task by ID.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query, args, err := psql.
		Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var t *domain.Task
	err = withRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		t, scanErr = scanTask(s.pool.QueryRow(ctx, query, args...))
		return scanErr
	})
	return t, err
}

// ListByStatus retrieves tasks in the given status, oldest first.
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	builder := psql.
		Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"status": status}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var tasks []*domain.Task
	err = withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query tasks: %w", err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}
		return nil
	})
	return tasks, err
}

// ClaimNext atomically claims the next eligible task for workerID.
func (s *TaskStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error) {
	now := time.Now().UTC()

	var t *domain.Task
	err := withRetry(ctx, func(ctx context.Context) error {
		claimed, err := scanTask(s.pool.QueryRow(ctx, claimSQL, workerID, now.Add(lease), now))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrNoTask
			}
			return err
		}
		t = claimed
		return nil
	})
	return t, err
}

// RenewLease extends the lease on a running task held by workerID.
func (s *TaskStore) RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	query, args, err := psql.
		Update("tasks").
		Set("lease_expires_at", now.Add(lease)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": domain.TaskStatusRunning, "locked_by": workerID}).
		Where(sq.Gt{"lease_expires_at": now}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build renew query: %w", err)
	}

	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrConflict(ctx, id)
		}
		return nil
	})
}

// missingOrConflict distinguishes a vanished task from a lost lease after a
// conditional update matched no rows.
func (s *TaskStore) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check task existence: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// Complete transitions running -> succeeded if workerID still holds the
// lease. The recurrence successor, if any, is enqueued in the same
// transaction as the status change, and a marker column keeps retried
// completions from enqueuing a second successor.
func (s *TaskStore) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			t, err := s.lockTask(ctx, tx, id)
			if err != nil {
				return err
			}
			now := time.Now().UTC()

			// A retried completion by the lease holder is a no-op.
			if t.Status == domain.TaskStatusSucceeded && t.LockedBy != nil && *t.LockedBy == workerID {
				return nil
			}
			if !holdsLease(t, workerID, now) {
				return store.ErrConflict
			}

			if _, err := tx.Exec(ctx,
				"UPDATE tasks SET status = 'succeeded', updated_at = $2 WHERE id = $1",
				id, now,
			); err != nil {
				return fmt.Errorf("mark succeeded: %w", err)
			}

			if t.Recurrence == nil || t.RecurrenceAdvanced {
				return nil
			}

			next, err := t.NextOccurrence(now)
			if err != nil {
				return err
			}
			succ, err := domain.NewTask(t.Handler, t.Payload, next, t.MaxAttempts, *t.Recurrence)
			if err != nil {
				return err
			}
			if err := insertTaskTx(ctx, tx, succ); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				"UPDATE tasks SET recurrence_advanced = TRUE WHERE id = $1", id,
			); err != nil {
				return fmt.Errorf("mark recurrence advanced: %w", err)
			}
			return nil
		})
	})
}

// Fail records a failed attempt: back to pending with exponential backoff
// while attempts remain, terminal failed otherwise.
func (s *TaskStore) Fail(ctx context.Context, id uuid.UUID, workerID string, reason string, permanent bool) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			t, err := s.lockTask(ctx, tx, id)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if !holdsLease(t, workerID, now) {
				return store.ErrConflict
			}

			delay := backoff.Jitter(backoff.Delay(s.retry.BaseDelay, t.Attempts, s.retry.MaxDelay), s.retry.JitterFrac)
			attempts := t.Attempts + 1

			if permanent || attempts >= t.MaxAttempts {
				_, err = tx.Exec(ctx, `
					UPDATE tasks SET
						status = 'failed', attempts = $2, last_error = $3,
						locked_by = NULL, lease_expires_at = NULL, updated_at = $4
					WHERE id = $1`,
					id, attempts, reason, now,
				)
			} else {
				_, err = tx.Exec(ctx, `
					UPDATE tasks SET
						status = 'pending', attempts = $2, last_error = $3,
						next_run_at = $4, locked_by = NULL, lease_expires_at = NULL,
						updated_at = $5
					WHERE id = $1`,
					id, attempts, reason, now.Add(delay), now,
				)
			}
			if err != nil {
				return fmt.Errorf("record failure: %w", err)
			}
			return nil
		})
	})
}

// Cancel marks a pending task cancelled.
func (s *TaskStore) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, domain.TaskStatusPending,
		"UPDATE tasks SET status = 'cancelled', updated_at = $2 WHERE id = $1 AND status = 'pending'")
}

// Retry resets a terminally failed task to pending for operator recovery.
func (s *TaskStore) Retry(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, domain.TaskStatusFailed, `
		UPDATE tasks SET
			status = 'pending', attempts = 0, next_run_at = $2,
			locked_by = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'failed'`)
}

// transition runs a guarded single-row status update and maps a zero-row
// result to ErrNotFound or ErrInvalidTransition.
func (s *TaskStore) transition(ctx context.Context, id uuid.UUID, from domain.TaskStatus, query string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			err := s.missingOrConflict(ctx, id)
			if errors.Is(err, store.ErrConflict) {
				return store.ErrInvalidTransition
			}
			return err
		}
		return nil
	})
}

// lockTask reads a task under FOR UPDATE within tx.
func (s *TaskStore) lockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Task, error) {
	query, args, err := psql.
		Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lock query: %w", err)
	}
	return scanTask(tx.QueryRow(ctx, query, args...))
}

// insertTaskTx inserts a task within an existing transaction.
func insertTaskTx(ctx context.Context, tx pgx.Tx, t *domain.Task) error {
	query, args, err := psql.
		Insert("tasks").
		Columns(taskColumns...).
		Values(
			t.ID, t.Handler, t.Payload, t.Status, t.Attempts, t.MaxAttempts,
			t.NextRunAt, t.LockedBy, t.LeaseExpiresAt, t.LastError,
			t.Recurrence, t.RecurrenceAdvanced, t.CreatedAt, t.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build successor insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert successor task: %w", err)
	}
	return nil
}

// holdsLease reports whether workerID holds an active lease on t.
func holdsLease(t *domain.Task, workerID string, now time.Time) bool {
	return t.Status == domain.TaskStatusRunning &&
		t.LockedBy != nil && *t.LockedBy == workerID &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}
