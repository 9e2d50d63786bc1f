package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// Postgres error codes retried at the storage layer. Serialization failures
// and deadlocks resolve on retry; class 08 covers connection faults.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	classConnectionException = "08"
)

// uniqueViolation is the code mapped to store.ErrDuplicate by callers.
const uniqueViolation = "23505"

// isTransient reports whether err is a storage fault worth retrying without
// consuming task-level retry accounting.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure ||
			pgErr.Code == codeDeadlockDetected ||
			strings.HasPrefix(pgErr.Code, classConnectionException)
	}
	return pgconn.Timeout(err)
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// withRetry runs fn, retrying transient storage errors with bounded
// exponential backoff. Non-transient errors pass through untouched.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
