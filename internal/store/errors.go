package store

import "errors"

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate of
	// a unique entity (e.g., a listener with the same name).
	ErrDuplicate = errors.New("entity already exists")

	// ErrNoTask is returned by ClaimNext when no task is eligible for
	// claiming. Workers treat this as an idle signal, not a failure.
	ErrNoTask = errors.New("no eligible task")

	// ErrConflict is returned when a caller references a lease it no longer
	// holds: the lease expired and another worker may own the task, or the
	// task has already moved to a different state.
	ErrConflict = errors.New("lease conflict")

	// ErrInvalidTransition is returned when an operation is not permitted in
	// the task's current status (e.g., cancelling a running task or retrying
	// a task that has not failed).
	ErrInvalidTransition = errors.New("invalid status transition")
)
