// Package store defines the persistence interfaces consumed by the worker,
// the event router, and the operator API. Implementations live in
// internal/platform/postgres and internal/store/memory.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hearth/internal/domain"
)

// RetryPolicy controls how a failed task's next attempt is scheduled:
// next_run_at = now + BaseDelay * 2^attempts, capped at MaxDelay, with a
// uniformly random jitter of up to JitterFrac of the computed delay.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	JitterFrac float64
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  30 * time.Second,
		MaxDelay:   1 * time.Hour,
		JitterFrac: 0.1,
	}
}

// TaskStore is the durable record of tasks. All mutating operations are
// atomic against the backing store; correctness under concurrent workers
// depends on that, not on in-process locking.
type TaskStore interface {
	// Enqueue persists a new pending task.
	Enqueue(ctx context.Context, t *domain.Task) error

	// GetByID retrieves a task by ID. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListByStatus retrieves up to limit tasks in the given status, oldest
	// first. A limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error)

	// ClaimNext atomically selects one eligible task (pending and due, or
	// running with an expired lease) ordered by next_run_at then ID, and
	// transitions it to running with a lease held by workerID. Returns
	// ErrNoTask when nothing is eligible.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error)

	// RenewLease extends the lease on a running task. Returns ErrConflict
	// if workerID no longer holds an active lease on the task.
	RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error

	// Complete transitions running -> succeeded if workerID still holds the
	// lease. For recurring tasks the next occurrence is enqueued in the same
	// atomic unit, exactly once per completion even if Complete is retried.
	// Returns ErrConflict for stale lease holders.
	Complete(ctx context.Context, id uuid.UUID, workerID string) error

	// Fail records a failed attempt. If attempts remain the task returns to
	// pending with an exponential-backoff next_run_at; otherwise it becomes
	// terminally failed. permanent forces terminal failure regardless of
	// remaining attempts. Returns ErrConflict for stale lease holders.
	Fail(ctx context.Context, id uuid.UUID, workerID string, reason string, permanent bool) error

	// Cancel marks a pending task cancelled. Running tasks are not
	// preemptible; ErrInvalidTransition is returned for any non-pending task.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Retry resets a terminally failed task to pending with attempts = 0,
	// for operator-triggered recovery. Returns ErrInvalidTransition if the
	// task is not in failed status.
	Retry(ctx context.Context, id uuid.UUID) error
}
