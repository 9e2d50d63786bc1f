// Package memory provides an in-memory implementation of the store
// interfaces. It mirrors the atomicity guarantees of the Postgres backend
// under a single mutex, which makes it suitable both as an embedded backend
// for single-process deployments and as the fixture for unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/backoff"
	"hearth/internal/domain"
	"hearth/internal/store"
)

// Store implements store.TaskStore, store.EventStore and store.ListenerStore
// in memory.
type Store struct {
	mu        sync.Mutex
	now       func() time.Time
	retry     store.RetryPolicy
	tasks     map[uuid.UUID]*domain.Task
	events    map[uuid.UUID]*domain.Event
	listeners map[uuid.UUID]*domain.Listener
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source, letting tests control lease expiry and
// rate-limit windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		retry:     store.DefaultRetryPolicy(),
		tasks:     make(map[uuid.UUID]*domain.Task),
		events:    make(map[uuid.UUID]*domain.Event),
		listeners: make(map[uuid.UUID]*domain.Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TaskStore, EventStore and ListenerStore are views over the shared state
// that satisfy the store interfaces. The views exist because each interface
// declares its own GetByID.
type TaskStore struct{ *Store }

// EventStore is the event view of the shared state.
type EventStore struct{ *Store }

// ListenerStore is the listener view of the shared state.
type ListenerStore struct{ *Store }

// Tasks returns the task view of the store.
func (s *Store) Tasks() TaskStore { return TaskStore{s} }

// Events returns the event view of the store.
func (s *Store) Events() EventStore { return EventStore{s} }

// Listeners returns the listener view of the store.
func (s *Store) Listeners() ListenerStore { return ListenerStore{s} }

// GetByID retrieves a task by ID.
func (v TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return v.TaskByID(ctx, id)
}

// GetByID retrieves an event by ID.
func (v EventStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	return v.EventByID(ctx, id)
}

// GetByID retrieves a listener by ID.
func (v ListenerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Listener, error) {
	return v.ListenerByID(ctx, id)
}

var (
	_ store.TaskStore     = TaskStore{}
	_ store.EventStore    = EventStore{}
	_ store.ListenerStore = ListenerStore{}
)

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.LockedBy != nil {
		v := *t.LockedBy
		c.LockedBy = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	if t.Recurrence != nil {
		v := *t.Recurrence
		c.Recurrence = &v
	}
	return &c
}

func cloneListener(l *domain.Listener) *domain.Listener {
	c := *l
	if l.LastTriggeredAt != nil {
		v := *l.LastTriggeredAt
		c.LastTriggeredAt = &v
	}
	return &c
}

// Enqueue persists a new pending task.
func (s *Store) Enqueue(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// TaskByID retrieves a task by ID.
func (s *Store) TaskByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

// ListByStatus retrieves tasks in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimNext atomically claims the next eligible task for workerID.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var eligible []*domain.Task
	for _, t := range s.tasks {
		if t.Eligible(now) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, store.ErrNoTask
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].NextRunAt.Equal(eligible[j].NextRunAt) {
			return eligible[i].NextRunAt.Before(eligible[j].NextRunAt)
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})

	t := eligible[0]
	expires := now.Add(lease)
	t.Status = domain.TaskStatusRunning
	t.LockedBy = &workerID
	t.LeaseExpiresAt = &expires
	t.UpdatedAt = now
	return cloneTask(t), nil
}

// RenewLease extends the lease on a running task.
func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	if !s.holdsLease(t, workerID, now) {
		return store.ErrConflict
	}
	expires := now.Add(lease)
	t.LeaseExpiresAt = &expires
	t.UpdatedAt = now
	return nil
}

// holdsLease reports whether workerID holds an active lease on t.
// Callers must hold s.mu.
func (s *Store) holdsLease(t *domain.Task, workerID string, now time.Time) bool {
	return t.Status == domain.TaskStatusRunning &&
		t.LockedBy != nil && *t.LockedBy == workerID &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// Complete transitions running -> succeeded and, for recurring tasks,
// enqueues the next occurrence exactly once.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()

	// Retried completion by the same worker after success is a no-op.
	if t.Status == domain.TaskStatusSucceeded && t.LockedBy != nil && *t.LockedBy == workerID {
		return nil
	}
	if !s.holdsLease(t, workerID, now) {
		return store.ErrConflict
	}

	t.Status = domain.TaskStatusSucceeded
	t.UpdatedAt = now

	if t.Recurrence != nil && !t.RecurrenceAdvanced {
		next, err := t.NextOccurrence(now)
		if err != nil {
			return err
		}
		succ, err := domain.NewTask(t.Handler, t.Payload, next, t.MaxAttempts, *t.Recurrence)
		if err != nil {
			return err
		}
		s.tasks[succ.ID] = succ
		t.RecurrenceAdvanced = true
	}
	return nil
}

// Fail records a failed attempt, rescheduling with exponential backoff or
// failing terminally when attempts are exhausted.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, workerID string, reason string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	if !s.holdsLease(t, workerID, now) {
		return store.ErrConflict
	}

	delay := backoff.Jitter(backoff.Delay(s.retry.BaseDelay, t.Attempts, s.retry.MaxDelay), s.retry.JitterFrac)
	t.Attempts++
	t.LastError = &reason
	t.LockedBy = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now

	if permanent || t.Attempts >= t.MaxAttempts {
		t.Status = domain.TaskStatusFailed
	} else {
		t.Status = domain.TaskStatusPending
		t.NextRunAt = now.Add(delay)
	}
	return nil
}

// Cancel marks a pending task cancelled.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != domain.TaskStatusPending {
		return store.ErrInvalidTransition
	}
	t.Status = domain.TaskStatusCancelled
	t.UpdatedAt = s.now()
	return nil
}

// Retry resets a terminally failed task to pending for operator recovery.
func (s *Store) Retry(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != domain.TaskStatusFailed {
		return store.ErrInvalidTransition
	}
	now := s.now()
	t.Status = domain.TaskStatusPending
	t.Attempts = 0
	t.NextRunAt = now
	t.LockedBy = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	return nil
}

// Insert persists an event.
func (s *Store) Insert(ctx context.Context, e *domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *e
	stored.StoredAt = s.now()
	s.events[e.ID] = &stored
	e.StoredAt = stored.StoredAt
	return nil
}

// EventByID retrieves an event by ID.
func (s *Store) EventByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *e
	return &c, nil
}

// ListRecent retrieves events newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Event
	for _, e := range s.events {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].StoredAt.After(out[j].StoredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Create persists a new listener.
func (s *Store) Create(ctx context.Context, l *domain.Listener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing.Name == l.Name {
			return store.ErrDuplicate
		}
	}
	s.listeners[l.ID] = cloneListener(l)
	return nil
}

// Update replaces a listener's definition fields.
func (s *Store) Update(ctx context.Context, l *domain.Listener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.listeners[l.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Name = l.Name
	existing.EventPattern = l.EventPattern
	existing.Condition = l.Condition
	existing.Action = l.Action
	existing.RateLimitSeconds = l.RateLimitSeconds
	existing.Enabled = l.Enabled
	existing.UpdatedAt = s.now()
	return nil
}

// Delete removes a listener.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.listeners, id)
	return nil
}

// ListenerByID retrieves a listener by ID.
func (s *Store) ListenerByID(ctx context.Context, id uuid.UUID) (*domain.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneListener(l), nil
}

// GetByName retrieves a listener by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*domain.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.Name == name {
			return cloneListener(l), nil
		}
	}
	return nil, store.ErrNotFound
}

// List retrieves all listeners ordered by ascending ID.
func (s *Store) List(ctx context.Context) ([]*domain.Listener, error) {
	return s.listListeners(false), nil
}

// ListEnabled retrieves enabled listeners ordered by ascending ID.
func (s *Store) ListEnabled(ctx context.Context) ([]*domain.Listener, error) {
	return s.listListeners(true), nil
}

func (s *Store) listListeners(enabledOnly bool) []*domain.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Listener
	for _, l := range s.listeners {
		if enabledOnly && !l.Enabled {
			continue
		}
		out = append(out, cloneListener(l))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Enabled = enabled
	l.UpdatedAt = s.now()
	return nil
}

// TryTrigger atomically advances last_triggered_at if the listener is
// outside its rate-limit window.
func (s *Store) TryTrigger(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listeners[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if l.RateLimited(now) {
		return false, nil
	}
	triggered := now
	l.LastTriggeredAt = &triggered
	l.UpdatedAt = now
	return true, nil
}
