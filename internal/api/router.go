package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hearth/internal/events"
	"hearth/internal/platform/logger"
	"hearth/internal/store"
)

// Deps collects the collaborators the HTTP surface needs.
type Deps struct {
	Tasks     store.TaskStore
	Events    store.EventStore
	Listeners store.ListenerStore
	Router    *events.Router
	Logger    *slog.Logger
}

// NewRouter builds the chi router with all operator routes mounted.
func NewRouter(deps Deps) http.Handler {
	taskHandler := NewTaskHandler(deps.Tasks, deps.Logger)
	eventHandler := NewEventHandler(deps.Router, deps.Events, deps.Logger)
	listenerHandler := NewListenerHandler(deps.Listeners, deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(withRequestLogger(deps.Logger))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", taskHandler.Create)
		r.Get("/", taskHandler.List)
		r.Get("/{id}", taskHandler.Get)
		r.Post("/{id}/cancel", taskHandler.Cancel)
		r.Post("/{id}/retry", taskHandler.Retry)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", eventHandler.Ingest)
		r.Get("/", eventHandler.List)
	})

	r.Route("/listeners", func(r chi.Router) {
		r.Post("/", listenerHandler.Create)
		r.Get("/", listenerHandler.List)
		r.Get("/{id}", listenerHandler.Get)
		r.Put("/{id}", listenerHandler.Update)
		r.Delete("/{id}", listenerHandler.Delete)
		r.Post("/{id}/enable", listenerHandler.SetEnabled(true))
		r.Post("/{id}/disable", listenerHandler.SetEnabled(false))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// withRequestLogger stores a request-scoped logger in the context so
// handlers and stores log with the request ID attached.
func withRequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := log.With("request_id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), reqLog)))
		})
	}
}
