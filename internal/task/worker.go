package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/backoff"
	"hearth/internal/domain"
	"hearth/internal/store"
)

// WorkerConfig holds configuration for the task worker.
type WorkerConfig struct {
	// Slots is the number of concurrent execution slots.
	Slots int

	// LeaseDuration is how long a claim remains exclusive without renewal.
	LeaseDuration time.Duration

	// IdleInterval is the base wait between claim attempts when no task is
	// eligible. Consecutive idle polls back off exponentially up to
	// MaxIdleInterval.
	IdleInterval    time.Duration
	MaxIdleInterval time.Duration
}

// DefaultWorkerConfig returns a WorkerConfig with reasonable defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Slots:           2,
		LeaseDuration:   time.Minute,
		IdleInterval:    time.Second,
		MaxIdleInterval: 30 * time.Second,
	}
}

// Worker polls the task store and executes registered handlers. Several
// workers may share one store, in the same process or across processes;
// exclusivity comes entirely from the store's atomic claim.
type Worker struct {
	store    store.TaskStore
	registry *Registry
	config   WorkerConfig
	logger   *slog.Logger
	name     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a Worker. The worker identity is derived from the host
// name so that lease owners are attributable in the store.
func NewWorker(ts store.TaskStore, registry *Registry, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.Slots <= 0 {
		config.Slots = DefaultWorkerConfig().Slots
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultWorkerConfig().LeaseDuration
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultWorkerConfig().IdleInterval
	}
	if config.MaxIdleInterval < config.IdleInterval {
		config.MaxIdleInterval = DefaultWorkerConfig().MaxIdleInterval
	}

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	return &Worker{
		store:    ts,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "task_worker"),
		name:     fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// Start launches the execution slots. They run until Stop is called or the
// given context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.config.Slots; i++ {
		w.wg.Add(1)
		go w.slot(ctx, i)
	}
	w.logger.Info("worker started", "worker", w.name, "slots", w.config.Slots)
}

// Stop cancels all slots and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped", "worker", w.name)
}

// slot is one claim-execute loop.
func (w *Worker) slot(ctx context.Context, id int) {
	defer w.wg.Done()

	slotID := fmt.Sprintf("%s-%d", w.name, id)
	logger := w.logger.With("slot", slotID)
	idle := 0

	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.store.ClaimNext(ctx, slotID, w.config.LeaseDuration)
		switch {
		case errors.Is(err, store.ErrNoTask):
			idle++
			if !w.sleep(ctx, backoff.Jitter(backoff.Delay(w.config.IdleInterval, idle-1, w.config.MaxIdleInterval), 0.1)) {
				return
			}
			continue
		case err != nil:
			logger.Error("claim failed", "error", err)
			if !w.sleep(ctx, w.config.IdleInterval) {
				return
			}
			continue
		}

		idle = 0
		w.execute(ctx, slotID, claimed, logger)
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// execute runs a claimed task to completion: handler lookup, lease renewal,
// panic containment, and outcome reporting.
func (w *Worker) execute(ctx context.Context, slotID string, t *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", t.ID, "handler", t.Handler)

	handler, ok := w.registry.Lookup(t.Handler)
	if !ok {
		// No retry can make an unregistered handler appear.
		logger.Error("unknown handler, failing permanently")
		if err := w.store.Fail(ctx, t.ID, slotID, fmt.Sprintf("unknown handler: %s", t.Handler), true); err != nil {
			logger.Error("failed to record permanent failure", "error", err)
		}
		return
	}

	// Renew the lease at half its duration while the handler runs. Losing
	// the lease cancels the handler context so idempotent handlers can bail
	// out cooperatively.
	execCtx, cancelExec := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(w.config.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewLease(execCtx, t.ID, slotID, w.config.LeaseDuration); err != nil {
					if errors.Is(err, store.ErrConflict) {
						logger.Warn("lease lost, cancelling handler")
						cancelExec()
						return
					}
					logger.Error("lease renewal failed", "error", err)
				}
			}
		}
	}()

	logger.Info("executing task", "attempt", t.Attempts+1, "max_attempts", t.MaxAttempts)
	err, panicked := w.runHandler(execCtx, handler, t)

	cancelExec()
	<-renewDone

	if err == nil {
		if cerr := w.store.Complete(ctx, t.ID, slotID); cerr != nil {
			logger.Error("failed to record completion", "error", cerr)
		} else {
			logger.Info("task succeeded")
		}
		return
	}

	// Business failures and programming failures consume an attempt alike;
	// the prefix keeps them distinguishable in last_error.
	reason := "handler error: " + err.Error()
	if panicked {
		reason = "panic: " + err.Error()
	}
	logger.Error("task attempt failed", "error", err, "panicked", panicked)

	if ferr := w.store.Fail(ctx, t.ID, slotID, reason, IsPermanent(err)); ferr != nil {
		logger.Error("failed to record failure", "error", ferr)
	}
}

// runHandler invokes the handler, converting a panic into an error so one
// bad task cannot take down the slot.
func (w *Worker) runHandler(ctx context.Context, handler HandlerFunc, t *domain.Task) (err error, panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
			panicked = true
		}
	}()
	return handler(ctx, t.Payload), false
}
