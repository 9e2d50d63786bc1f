// Package task runs the durable background-task worker: it claims tasks from
// the store, executes registered handlers, renews leases for long-running
// work, and reports outcomes.
package task

import (
	"context"
	"encoding/json"
	"sync"
)

// HandlerFunc executes a task payload. A nil return marks the task
// succeeded; an error consumes a retry attempt unless wrapped with
// Permanent. Handlers must be idempotent: lease expiry can cause a task to
// be executed again by another worker.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Registry maps handler names to functions. Task records store only the
// handler name; the function is looked up at execution time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register associates a handler name with a function, replacing any
// previous registration under the same name.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}
