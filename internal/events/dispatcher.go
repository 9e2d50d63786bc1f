package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"hearth/internal/domain"
	"hearth/internal/store"
)

// WakeContext is the event context handed to the conversational subsystem
// when a wake_conversation action fires.
type WakeContext struct {
	ConversationID string          `json:"conversation_id"`
	ListenerName   string          `json:"listener_name"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Conversation is the contract with the conversational subsystem. Only
// success or failure of the wake call is consumed here.
type Conversation interface {
	Wake(ctx context.Context, wake WakeContext) error
}

// ScriptPayload is the task payload enqueued for run_script actions,
// executed later under the reserved run_script handler.
type ScriptPayload struct {
	ScriptRef string          `json:"script_ref"`
	Args      json.RawMessage `json:"args,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
}

// ActionDispatcher executes a matched listener's action.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, l *domain.Listener, e *domain.Event) error
}

// Dispatcher is the production ActionDispatcher. Script actions fold back
// into the task queue, inheriting its retry and backoff machinery; wake
// actions delegate to the conversational subsystem.
type Dispatcher struct {
	tasks             store.TaskStore
	conversation      Conversation
	scriptMaxAttempts int
	logger            *slog.Logger
}

// NewDispatcher creates a Dispatcher. scriptMaxAttempts bounds retries of
// script tasks enqueued by run_script actions; values below 1 fall back
// to 3.
func NewDispatcher(tasks store.TaskStore, conversation Conversation, scriptMaxAttempts int, logger *slog.Logger) *Dispatcher {
	if scriptMaxAttempts < 1 {
		scriptMaxAttempts = 3
	}
	return &Dispatcher{
		tasks:             tasks,
		conversation:      conversation,
		scriptMaxAttempts: scriptMaxAttempts,
		logger:            logger.With("component", "action_dispatcher"),
	}
}

var _ ActionDispatcher = (*Dispatcher)(nil)

// Dispatch executes the listener's action for the given event.
func (d *Dispatcher) Dispatch(ctx context.Context, l *domain.Listener, e *domain.Event) error {
	switch l.Action.Kind {
	case domain.ActionWakeConversation:
		wake := WakeContext{
			ConversationID: l.Action.ConversationID,
			ListenerName:   l.Name,
			EventID:        e.ID.String(),
			EventType:      e.Type,
			Payload:        e.Payload,
		}
		if err := d.conversation.Wake(ctx, wake); err != nil {
			return fmt.Errorf("wake conversation %s: %w", l.Action.ConversationID, err)
		}
		d.logger.Info("conversation woken",
			"listener", l.Name,
			"conversation_id", l.Action.ConversationID,
			"event_id", e.ID)
		return nil

	case domain.ActionRunScript:
		payload, err := json.Marshal(ScriptPayload{
			ScriptRef: l.Action.ScriptRef,
			Args:      l.Action.Args,
			EventID:   e.ID.String(),
		})
		if err != nil {
			return fmt.Errorf("marshal script payload: %w", err)
		}
		t, err := domain.NewTask(domain.HandlerRunScript, payload, time.Time{}, d.scriptMaxAttempts, "")
		if err != nil {
			return fmt.Errorf("build script task: %w", err)
		}
		if err := d.tasks.Enqueue(ctx, t); err != nil {
			return fmt.Errorf("enqueue script task: %w", err)
		}
		d.logger.Info("script task enqueued",
			"listener", l.Name,
			"script_ref", l.Action.ScriptRef,
			"task_id", t.ID,
			"event_id", e.ID)
		return nil

	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidAction, l.Action.Kind)
	}
}
