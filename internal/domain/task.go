package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusCancelled
}

// IsValid checks if the status is one of the allowed values.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// HandlerRunScript is the handler name reserved for script-execution tasks
// enqueued by the action dispatcher.
const HandlerRunScript = "run_script"

// recurrenceParser parses standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var recurrenceParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Task represents a durable unit of background work. A task is claimed by at
// most one worker at a time via a time-bounded lease; a lease that expires
// without completion makes the task eligible for reclaiming.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Handler     string          `json:"handler"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`

	LockedBy       *string    `json:"locked_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`

	// Recurrence is an optional 5-field cron expression. On successful
	// completion the next occurrence is enqueued as a new task.
	Recurrence *string `json:"recurrence,omitempty"`
	// RecurrenceAdvanced marks that the successor for this completion has
	// already been enqueued, making Complete idempotent.
	RecurrenceAdvanced bool `json:"recurrence_advanced"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask creates a pending task for the given handler. runAt controls when
// the task becomes eligible for claiming; a zero runAt means immediately.
// recurrence may be empty for one-shot tasks.
func NewTask(
	handler string,
	payload json.RawMessage,
	runAt time.Time,
	maxAttempts int,
	recurrence string,
) (*Task, error) {
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	t := &Task{
		ID:          uuid.New(),
		Handler:     handler,
		Payload:     payload,
		Status:      TaskStatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if recurrence != "" {
		t.Recurrence = &recurrence
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the task invariants that hold independent of status.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task ID cannot be empty", ErrValidation)
	}
	if t.Handler == "" {
		return fmt.Errorf("%w: handler cannot be empty", ErrValidation)
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrValidation)
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrValidation)
	}
	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}
	if t.Recurrence != nil {
		if _, err := recurrenceParser.Parse(*t.Recurrence); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
		}
	}
	return nil
}

// NextOccurrence computes the first recurrence time strictly after the given
// instant. Returns ErrInvalidRecurrence if the task has no recurrence rule.
func (t *Task) NextOccurrence(after time.Time) (time.Time, error) {
	if t.Recurrence == nil {
		return time.Time{}, ErrInvalidRecurrence
	}
	sched, err := recurrenceParser.Parse(*t.Recurrence)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return sched.Next(after.UTC()), nil
}

// LeaseExpired reports whether the task holds a lease that has expired.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
}

// Eligible reports whether the task can be claimed at the given instant:
// either pending and due, or running with an expired lease (abandoned by a
// crashed worker).
func (t *Task) Eligible(now time.Time) bool {
	switch t.Status {
	case TaskStatusPending:
		return !t.NextRunAt.After(now)
	case TaskStatusRunning:
		return t.LeaseExpired(now)
	default:
		return false
	}
}

// ValidateRecurrence checks that the given recurrence rule parses as a
// 5-field cron expression. Used by callers that accept the rule as input
// before a task exists.
func ValidateRecurrence(rule string) error {
	if _, err := recurrenceParser.Parse(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}
	return nil
}
