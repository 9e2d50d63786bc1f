// Package events implements the event-driven side of the engine: durable
// event ingestion, listener matching with fail-closed condition evaluation,
// rate-limited triggering, and action dispatch.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hearth/internal/domain"
	"hearth/internal/store"
)

// Router matches ingested events against enabled listeners and dispatches
// the actions of the listeners that win their rate-limit trigger.
type Router struct {
	events     store.EventStore
	listeners  store.ListenerStore
	dispatcher ActionDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock replaces the router's time source; tests use it to control
// rate-limit windows.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router over the given stores and dispatcher.
func NewRouter(
	events store.EventStore,
	listeners store.ListenerStore,
	dispatcher ActionDispatcher,
	logger *slog.Logger,
	opts ...RouterOption,
) *Router {
	r := &Router{
		events:     events,
		listeners:  listeners,
		dispatcher: dispatcher,
		logger:     logger.With("component", "event_router"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest stores the event, then evaluates every enabled listener against it
// in ascending-ID order. Per-listener problems (condition errors, lost
// rate-limit races, dispatch failures) are logged and isolated; they never
// abort evaluation of the remaining listeners or fail the ingestion itself.
// Ingest returns an error only if the event cannot be validated or stored.
func (r *Router) Ingest(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := r.events.Insert(ctx, e); err != nil {
		return fmt.Errorf("store event: %w", err)
	}

	listeners, err := r.listeners.ListEnabled(ctx)
	if err != nil {
		// The event is durably stored; matching is best-effort from here.
		r.logger.Error("failed to list listeners", "event_id", e.ID, "error", err)
		return nil
	}

	for _, l := range listeners {
		r.evaluate(ctx, l, e)
	}
	return nil
}

// evaluate runs one listener against one event.
func (r *Router) evaluate(ctx context.Context, l *domain.Listener, e *domain.Event) {
	logger := r.logger.With("listener", l.Name, "event_id", e.ID, "event_type", e.Type)

	if !MatchPattern(l.EventPattern, e.Type) {
		return
	}

	cond, err := ParseCondition(l.Condition)
	if err != nil {
		logger.Warn("unparseable condition, treating as non-match", "error", err)
		return
	}
	matched, err := cond.Evaluate(e.Payload)
	if err != nil {
		logger.Warn("condition evaluation error, treating as non-match", "error", err)
		return
	}
	if !matched {
		return
	}

	won, err := r.listeners.TryTrigger(ctx, l.ID, r.now())
	if err != nil {
		logger.Error("trigger update failed", "error", err)
		return
	}
	if !won {
		logger.Debug("trigger suppressed by rate limit")
		return
	}

	if err := r.dispatcher.Dispatch(ctx, l, e); err != nil {
		logger.Error("action dispatch failed", "error", err)
		return
	}
	logger.Info("listener action dispatched", "action", l.Action.Kind)
}
