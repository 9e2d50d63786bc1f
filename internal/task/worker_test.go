package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/internal/domain"
	"hearth/internal/store"
	"hearth/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry keeps backoff delays short enough to exercise real retries.
func fastRetry() store.RetryPolicy {
	return store.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, JitterFrac: 0}
}

func fastConfig() WorkerConfig {
	return WorkerConfig{
		Slots:           1,
		LeaseDuration:   time.Second,
		IdleInterval:    5 * time.Millisecond,
		MaxIdleInterval: 20 * time.Millisecond,
	}
}

func startWorker(t *testing.T, ts store.TaskStore, registry *Registry, cfg WorkerConfig) *Worker {
	t.Helper()
	w := NewWorker(ts, registry, cfg, testLogger())
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func enqueue(t *testing.T, ts store.TaskStore, handler string, maxAttempts int) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(handler, json.RawMessage(`{}`), time.Time{}, maxAttempts, "")
	require.NoError(t, err)
	require.NoError(t, ts.Enqueue(context.Background(), task))
	return task
}

func taskInStatus(ts store.TaskStore, task *domain.Task, status domain.TaskStatus) func() bool {
	return func() bool {
		got, err := ts.GetByID(context.Background(), task.ID)
		if err != nil {
			return false
		}
		return got.Status == status
	}
}

func TestWorkerExecutesTask(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		return nil
	})

	task := enqueue(t, ts, "noop", 3)
	startWorker(t, ts, registry, fastConfig())

	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusSucceeded),
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("flaky", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		return errors.New("downstream timeout")
	})

	task := enqueue(t, ts, "flaky", 2)
	startWorker(t, ts, registry, fastConfig())

	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusFailed),
		2*time.Second, 5*time.Millisecond)

	got, err := ts.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	require.NotNil(t, got.LastError)
	assert.Equal(t, "handler error: downstream timeout", *got.LastError)
}

func TestWorkerRecoversThenSucceeds(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("second_try", func(ctx context.Context, payload json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("not yet")
		}
		return nil
	})

	task := enqueue(t, ts, "second_try", 3)
	startWorker(t, ts, registry, fastConfig())

	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusSucceeded),
		2*time.Second, 5*time.Millisecond)

	got, err := ts.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "only the failed attempt is counted")
}

func TestWorkerContainsPanics(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	registry := NewRegistry()
	registry.Register("panics", func(ctx context.Context, payload json.RawMessage) error {
		panic("nil map write")
	})
	registry.Register("noop", func(ctx context.Context, payload json.RawMessage) error {
		return nil
	})

	panicker := enqueue(t, ts, "panics", 1)
	follower := enqueue(t, ts, "noop", 1)
	startWorker(t, ts, registry, fastConfig())

	require.Eventually(t, taskInStatus(ts, panicker, domain.TaskStatusFailed),
		2*time.Second, 5*time.Millisecond)
	// The slot survives the panic and keeps processing.
	require.Eventually(t, taskInStatus(ts, follower, domain.TaskStatusSucceeded),
		2*time.Second, 5*time.Millisecond)

	got, err := ts.GetByID(context.Background(), panicker.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "panic: nil map write", *got.LastError)
}

func TestWorkerUnknownHandlerFailsPermanently(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	task := enqueue(t, ts, "never_registered", 5)
	startWorker(t, ts, NewRegistry(), fastConfig())

	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusFailed),
		2*time.Second, 5*time.Millisecond)

	got, err := ts.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "no retries for an unregistered handler")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "unknown handler")
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("bad_payload", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		return Permanent(errors.New("unparseable payload"))
	})

	task := enqueue(t, ts, "bad_payload", 5)
	startWorker(t, ts, registry, fastConfig())

	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusFailed),
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerRenewsLeaseForLongHandlers(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	registry := NewRegistry()
	registry.Register("slow", func(ctx context.Context, payload json.RawMessage) error {
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	cfg := fastConfig()
	cfg.LeaseDuration = 100 * time.Millisecond

	task := enqueue(t, ts, "slow", 1)
	startWorker(t, ts, registry, cfg)

	// The handler outlives the lease several times over; renewal at half the
	// lease duration must keep the claim exclusive until completion.
	require.Eventually(t, taskInStatus(ts, task, domain.TaskStatusSucceeded),
		2*time.Second, 5*time.Millisecond)

	got, err := ts.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
}

func TestWorkerStopWaitsForInflight(t *testing.T) {
	mem := memory.NewStore(memory.WithRetryPolicy(fastRetry()))
	ts := mem.Tasks()

	started := make(chan struct{})
	registry := NewRegistry()
	registry.Register("slow", func(ctx context.Context, payload json.RawMessage) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	task := enqueue(t, ts, "slow", 1)
	w := NewWorker(ts, registry, fastConfig(), testLogger())
	w.Start(context.Background())

	<-started
	w.Stop()

	got, err := ts.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, got.Status, "in-flight task finishes before Stop returns")
}

func TestPermanentError(t *testing.T) {
	base := errors.New("boom")
	wrapped := Permanent(base)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "boom", wrapped.Error())
	assert.Nil(t, Permanent(nil))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("absent")
	assert.False(t, ok)

	r.Register("h", func(ctx context.Context, payload json.RawMessage) error { return nil })
	fn, ok := r.Lookup("h")
	assert.True(t, ok)
	assert.NotNil(t, fn)
}
