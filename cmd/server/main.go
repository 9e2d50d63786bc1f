// Command server runs the hearth engine: the durable task worker, the event
// router, and the operator HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"hearth/internal/api"
	"hearth/internal/config"
	"hearth/internal/domain"
	"hearth/internal/events"
	"hearth/internal/platform/logger"
	"hearth/internal/platform/postgres"
	"hearth/internal/store"
	"hearth/internal/store/memory"
	"hearth/internal/task"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retryPolicy := store.RetryPolicy{
		BaseDelay:  time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:   time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		JitterFrac: cfg.Retry.JitterFrac,
	}

	var (
		tasks      store.TaskStore
		eventStore store.EventStore
		listeners  store.ListenerStore
	)
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}

		tasks = postgres.NewTaskStore(pool, retryPolicy)
		eventStore = postgres.NewEventStore(pool)
		listeners = postgres.NewListenerStore(pool)
		log.Info("using postgres backend")
	} else {
		mem := memory.NewStore(memory.WithRetryPolicy(retryPolicy))
		tasks = mem.Tasks()
		eventStore = mem.Events()
		listeners = mem.Listeners()
		log.Warn("no database configured, using in-memory backend")
	}

	dispatcher := events.NewDispatcher(tasks, &logConversation{log: log}, cfg.Worker.ScriptMaxTries, log)
	router := events.NewRouter(eventStore, listeners, dispatcher, log)

	registry := task.NewRegistry()
	registry.Register(domain.HandlerRunScript, scriptHandler(log))

	worker := task.NewWorker(tasks, registry, task.WorkerConfig{
		Slots:           cfg.Worker.Slots,
		LeaseDuration:   time.Duration(cfg.Worker.LeaseSeconds) * time.Second,
		IdleInterval:    time.Duration(cfg.Worker.IdleSeconds) * time.Second,
		MaxIdleInterval: time.Duration(cfg.Worker.MaxIdleSeconds) * time.Second,
	}, log)
	worker.Start(ctx)
	defer worker.Stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Deps{
			Tasks:     tasks,
			Events:    eventStore,
			Listeners: listeners,
			Router:    router,
			Logger:    log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// scriptHandler executes run_script task payloads. The script receives its
// arguments as JSON on stdin and is killed when the task context ends
// (lease lost or shutdown).
func scriptHandler(log *slog.Logger) task.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p events.ScriptPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return task.Permanent(fmt.Errorf("malformed script payload: %w", err))
		}
		if p.ScriptRef == "" {
			return task.Permanent(errors.New("script payload missing script_ref"))
		}

		cmd := exec.CommandContext(ctx, p.ScriptRef)
		if len(p.Args) > 0 {
			cmd.Stdin = bytes.NewReader(p.Args)
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("script %s: %w: %s", p.ScriptRef, err, bytes.TrimSpace(out))
		}
		log.Info("script completed", "script_ref", p.ScriptRef, "event_id", p.EventID)
		return nil
	}
}

// logConversation stands in for the conversational subsystem in deployments
// that run the engine alone. It acknowledges wake calls by logging them.
type logConversation struct {
	log *slog.Logger
}

func (c *logConversation) Wake(ctx context.Context, wake events.WakeContext) error {
	c.log.Info("wake conversation",
		"conversation_id", wake.ConversationID,
		"listener", wake.ListenerName,
		"event_type", wake.EventType)
	return nil
}
