package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/domain"
	"hearth/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingDispatcher captures dispatched listener/event pairs.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, l *domain.Listener, e *domain.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, l.Name)
	return d.err
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRouter(t *testing.T, clock *fakeClock) (*Router, *memory.Store, *recordingDispatcher) {
	t.Helper()
	mem := memory.NewStore(memory.WithClock(clock.Now))
	disp := &recordingDispatcher{}
	r := NewRouter(mem.Events(), mem.Listeners(), disp, testLogger(), WithClock(clock.Now))
	return r, mem, disp
}

func mustListener(t *testing.T, name, pattern string, cond json.RawMessage, rateLimit int) *domain.Listener {
	t.Helper()
	l, err := domain.NewListener(name, pattern, cond, domain.Action{
		Kind:           domain.ActionWakeConversation,
		ConversationID: "c1",
	}, rateLimit)
	require.NoError(t, err)
	return l
}

func mustEvent(t *testing.T, eventType string, payload string) *domain.Event {
	t.Helper()
	e, err := domain.NewEvent("test", eventType, json.RawMessage(payload), time.Time{})
	require.NoError(t, err)
	return e
}

func TestRouterIngest(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("stores_event_and_dispatches_match", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		require.NoError(t, mem.Create(ctx, mustListener(t, "arrivals", "person.*", nil, 0)))

		e := mustEvent(t, "person.arrived", `{"who":"alice"}`)
		require.NoError(t, r.Ingest(ctx, e))

		stored, err := mem.EventByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "person.arrived", stored.Type)
		assert.Equal(t, []string{"arrivals"}, disp.dispatched())
	})

	t.Run("pattern_mismatch_skips", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		require.NoError(t, mem.Create(ctx, mustListener(t, "arrivals", "person.*", nil, 0)))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "device.offline", `{}`)))
		assert.Empty(t, disp.dispatched())
	})

	t.Run("disabled_listener_skipped", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		l := mustListener(t, "arrivals", "person.*", nil, 0)
		require.NoError(t, mem.Create(ctx, l))
		require.NoError(t, mem.SetEnabled(ctx, l.ID, false))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))
		assert.Empty(t, disp.dispatched())
	})

	t.Run("condition_filters_match", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		cond := json.RawMessage(`{"field":"who","op":"eq","value":"alice"}`)
		require.NoError(t, mem.Create(ctx, mustListener(t, "alice_only", "person.*", cond, 0)))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{"who":"bob"}`)))
		assert.Empty(t, disp.dispatched())

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{"who":"alice"}`)))
		assert.Equal(t, []string{"alice_only"}, disp.dispatched())
	})

	t.Run("condition_error_fails_closed", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		cond := json.RawMessage(`{"field":"who","op":"eq","value":"alice"}`)
		require.NoError(t, mem.Create(ctx, mustListener(t, "alice_only", "person.*", cond, 0)))

		// Payload lacks the field entirely; the listener must not fire.
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{"badge":17}`)))
		assert.Empty(t, disp.dispatched())
	})

	t.Run("listener_failure_does_not_abort_others", func(t *testing.T) {
		clock := newFakeClock(start)
		mem := memory.NewStore(memory.WithClock(clock.Now))
		disp := &recordingDispatcher{err: errors.New("downstream unavailable")}
		r := NewRouter(mem.Events(), mem.Listeners(), disp, testLogger(), WithClock(clock.Now))

		require.NoError(t, mem.Create(ctx, mustListener(t, "first", "person.*", nil, 0)))
		require.NoError(t, mem.Create(ctx, mustListener(t, "second", "person.*", nil, 0)))

		e := mustEvent(t, "person.arrived", `{}`)
		require.NoError(t, r.Ingest(ctx, e), "dispatch failures never fail ingestion")
		assert.Len(t, disp.dispatched(), 2, "both listeners are still evaluated")
	})

	t.Run("invalid_event_rejected", func(t *testing.T) {
		clock := newFakeClock(start)
		r, _, _ := newTestRouter(t, clock)

		err := r.Ingest(ctx, &domain.Event{Type: "x"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestRouterRateLimiting(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("suppressed_inside_window", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		require.NoError(t, mem.Create(ctx, mustListener(t, "arrivals", "person.*", nil, 60)))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))
		clock.Advance(10 * time.Second)
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))

		assert.Equal(t, []string{"arrivals"}, disp.dispatched(), "second event inside the window is suppressed")

		clock.Advance(60 * time.Second)
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))
		assert.Equal(t, []string{"arrivals", "arrivals"}, disp.dispatched(), "fires again once the window passes")
	})

	t.Run("boundary_is_inclusive", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		require.NoError(t, mem.Create(ctx, mustListener(t, "motion", "motion.*", nil, 30)))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "motion.detected", `{}`)))
		clock.Advance(5 * time.Second)
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "motion.detected", `{}`)))
		assert.Len(t, disp.dispatched(), 1)

		clock.Advance(26 * time.Second)
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "motion.detected", `{}`)))
		assert.Len(t, disp.dispatched(), 2, "31s after the first trigger the window has elapsed")
	})

	t.Run("suppression_does_not_advance_window", func(t *testing.T) {
		clock := newFakeClock(start)
		r, mem, disp := newTestRouter(t, clock)

		l := mustListener(t, "arrivals", "person.*", nil, 60)
		require.NoError(t, mem.Create(ctx, l))

		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))
		clock.Advance(50 * time.Second)
		require.NoError(t, r.Ingest(ctx, mustEvent(t, "person.arrived", `{}`)))
		assert.Len(t, disp.dispatched(), 1)

		got, err := mem.ListenerByID(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastTriggeredAt)
		assert.True(t, got.LastTriggeredAt.Equal(start), "suppressed triggers leave last_triggered_at untouched")
	})
}

// stubConversation records wake calls for dispatcher tests.
type stubConversation struct {
	mu    sync.Mutex
	wakes []WakeContext
	err   error
}

func (c *stubConversation) Wake(ctx context.Context, wake WakeContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakes = append(c.wakes, wake)
	return c.err
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("wake_conversation", func(t *testing.T) {
		mem := memory.NewStore()
		conv := &stubConversation{}
		d := NewDispatcher(mem.Tasks(), conv, 3, testLogger())

		l := mustListener(t, "arrivals", "person.*", nil, 0)
		e := mustEvent(t, "person.arrived", `{"who":"alice"}`)

		require.NoError(t, d.Dispatch(ctx, l, e))
		require.Len(t, conv.wakes, 1)
		assert.Equal(t, "c1", conv.wakes[0].ConversationID)
		assert.Equal(t, "arrivals", conv.wakes[0].ListenerName)
		assert.Equal(t, e.ID.String(), conv.wakes[0].EventID)
		assert.Equal(t, "person.arrived", conv.wakes[0].EventType)
	})

	t.Run("wake_failure_propagates", func(t *testing.T) {
		mem := memory.NewStore()
		conv := &stubConversation{err: errors.New("conversation offline")}
		d := NewDispatcher(mem.Tasks(), conv, 3, testLogger())

		err := d.Dispatch(ctx, mustListener(t, "l", "a.*", nil, 0), mustEvent(t, "a.b", `{}`))
		assert.Error(t, err)
	})

	t.Run("run_script_enqueues_task", func(t *testing.T) {
		mem := memory.NewStore()
		d := NewDispatcher(mem.Tasks(), &stubConversation{}, 5, testLogger())

		l, err := domain.NewListener("lights", "sun.set", nil, domain.Action{
			Kind:      domain.ActionRunScript,
			ScriptRef: "/opt/scripts/lights-on.sh",
			Args:      json.RawMessage(`{"level":80}`),
		}, 0)
		require.NoError(t, err)
		e := mustEvent(t, "sun.set", `{}`)

		require.NoError(t, d.Dispatch(ctx, l, e))

		pending, err := mem.ListByStatus(ctx, domain.TaskStatusPending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		task := pending[0]
		assert.Equal(t, domain.HandlerRunScript, task.Handler)
		assert.Equal(t, 5, task.MaxAttempts)

		var p ScriptPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		assert.Equal(t, "/opt/scripts/lights-on.sh", p.ScriptRef)
		assert.Equal(t, e.ID.String(), p.EventID)
		assert.JSONEq(t, `{"level":80}`, string(p.Args))
	})

	t.Run("unknown_action_kind", func(t *testing.T) {
		mem := memory.NewStore()
		d := NewDispatcher(mem.Tasks(), &stubConversation{}, 3, testLogger())

		l := mustListener(t, "l", "a.*", nil, 0)
		l.Action.Kind = "reboot"
		err := d.Dispatch(ctx, l, mustEvent(t, "a.b", `{}`))
		assert.ErrorIs(t, err, domain.ErrInvalidAction)
	})
}
