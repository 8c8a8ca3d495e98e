// Package compensate keeps per-operation rollback callbacks and replays them
// in reverse registration order when an operation fails partway.
package compensate

import (
	"context"
	"sync"

	"foreman/internal/logging"
)

// Callback undoes one previously applied side effect. Callbacks are
// idempotent by contract of their registrants; the registry does not dedup.
type Callback func(ctx context.Context, args ...any) error

type entry struct {
	name string
	fn   Callback
	args []any
}

// Registry maps operation ids to their LIFO compensation lists.
type Registry struct {
	mu      sync.Mutex
	records map[string][]entry
	logger  logging.Logger
}

// NewRegistry creates an empty compensation registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		records: make(map[string][]entry),
		logger:  logging.OrNop(logger),
	}
}

// Register appends a rollback step for the operation. The name identifies
// the step in logs; args are passed through to the callback verbatim.
func (r *Registry) Register(operationID, name string, fn Callback, args ...any) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[operationID] = append(r.records[operationID], entry{name: name, fn: fn, args: args})
}

// Pending reports how many rollback steps are registered for the operation.
func (r *Registry) Pending(operationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[operationID])
}

// Compensate runs the operation's callbacks in strict reverse-registration
// order. Every callback runs regardless of earlier failures; failures are
// logged and counted, never re-raised. The record is removed either way.
func (r *Registry) Compensate(ctx context.Context, operationID string) (succeeded, failed int) {
	r.mu.Lock()
	entries := r.records[operationID]
	delete(r.records, operationID)
	r.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		step := entries[i]
		if err := step.fn(ctx, step.args...); err != nil {
			failed++
			r.logger.Error("compensation step %q for %s failed: %v", step.name, operationID, err)
			continue
		}
		succeeded++
		r.logger.Debug("compensation step %q for %s done", step.name, operationID)
	}
	return succeeded, failed
}

// Drop discards an operation's callbacks without running them, for the
// success path where rollback is no longer needed.
func (r *Registry) Drop(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, operationID)
}
