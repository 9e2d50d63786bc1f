package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies the variant of a listener action.
type ActionKind string

// Supported action kinds.
const (
	ActionWakeConversation ActionKind = "wake_conversation"
	ActionRunScript        ActionKind = "run_script"
)

// Action is the tagged action specification carried by a listener. Exactly
// the fields of the named kind are meaningful.
type Action struct {
	Kind ActionKind `json:"kind"`

	// wake_conversation: identifier of the conversation to wake.
	ConversationID string `json:"conversation_id,omitempty"`

	// run_script: script reference and arguments, folded back into the task
	// queue under the reserved run_script handler.
	ScriptRef string          `json:"script_ref,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Validate checks that the action carries the parameters its kind requires.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionWakeConversation:
		if a.ConversationID == "" {
			return fmt.Errorf("%w: wake_conversation requires conversation_id", ErrInvalidAction)
		}
	case ActionRunScript:
		if a.ScriptRef == "" {
			return fmt.Errorf("%w: run_script requires script_ref", ErrInvalidAction)
		}
		if len(a.Args) > 0 && !json.Valid(a.Args) {
			return fmt.Errorf("%w: run_script args must be valid JSON", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// Listener is a stored rule mapping an event-matching condition to a
// dispatchable action. Trigger state (LastTriggeredAt) implements per-listener
// rate limiting.
type Listener struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	EventPattern string    `json:"event_pattern"`

	// Condition is a JSON expression tree evaluated against event payloads.
	// An empty condition matches every payload.
	Condition json.RawMessage `json:"condition,omitempty"`

	Action           Action     `json:"action"`
	RateLimitSeconds int        `json:"rate_limit_seconds"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at,omitempty"`
	Enabled          bool       `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewListener creates an enabled listener with the given definition.
func NewListener(
	name, pattern string,
	condition json.RawMessage,
	action Action,
	rateLimitSeconds int,
) (*Listener, error) {
	now := time.Now().UTC()

	l := &Listener{
		ID:               uuid.New(),
		Name:             name,
		EventPattern:     pattern,
		Condition:        condition,
		Action:           action,
		RateLimitSeconds: rateLimitSeconds,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks if the Listener has valid data.
func (l *Listener) Validate() error {
	if l.ID == uuid.Nil {
		return fmt.Errorf("%w: listener ID cannot be empty", ErrValidation)
	}
	if l.Name == "" {
		return fmt.Errorf("%w: listener name cannot be empty", ErrValidation)
	}
	if err := ValidateEventPattern(l.EventPattern); err != nil {
		return err
	}
	if len(l.Condition) > 0 && !json.Valid(l.Condition) {
		return fmt.Errorf("%w: condition must be valid JSON", ErrValidation)
	}
	if l.RateLimitSeconds < 0 {
		return fmt.Errorf("%w: rate_limit_seconds cannot be negative", ErrValidation)
	}
	return l.Action.Validate()
}

// RateLimited reports whether a trigger at the given instant falls inside
// the listener's rate-limit window.
func (l *Listener) RateLimited(now time.Time) bool {
	if l.LastTriggeredAt == nil || l.RateLimitSeconds <= 0 {
		return false
	}
	return now.Sub(*l.LastTriggeredAt) < time.Duration(l.RateLimitSeconds)*time.Second
}

// ValidateEventPattern checks a dot-separated event-type pattern. Each
// segment is either a literal or the single-segment wildcard "*".
func ValidateEventPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: pattern cannot be empty", ErrInvalidPattern)
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("%w: pattern %q has an empty segment", ErrInvalidPattern, pattern)
		}
	}
	return nil
}
