// Package domain defines the core entities of the task engine and the
// listener dispatcher, along with their validation rules.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// It is usually wrapped with a more specific message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidRecurrence is returned when a task recurrence rule is not
	// a parseable cron expression.
	ErrInvalidRecurrence = errors.New("invalid recurrence rule")

	// ErrInvalidPattern is returned when a listener event pattern is malformed.
	ErrInvalidPattern = errors.New("invalid event pattern")

	// ErrInvalidAction is returned when a listener action specification is
	// incomplete or names an unknown action kind.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidTaskStatus is returned when a task status is not one of the
	// allowed values.
	ErrInvalidTaskStatus = errors.New("invalid task status")
)
