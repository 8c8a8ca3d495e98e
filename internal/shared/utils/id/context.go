package id

import "context"

type contextKey string

const (
	correlationIDKey contextKey = "foreman_correlation_id"
	taskIDKey        contextKey = "foreman_task_id"
)

// WithCorrelationID returns a context carrying the correlation id for one
// invocation chain. The id survives goroutine handoffs because workers derive
// their execution contexts from the dispatch context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation id, if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIDKey).(string)
	return v, ok && v != ""
}

// EnsureCorrelationID returns the context's correlation id, minting one when
// the caller arrived without it.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if existing, ok := CorrelationIDFromContext(ctx); ok {
		return ctx, existing
	}
	corr := NewCorrelationID()
	return WithCorrelationID(ctx, corr), corr
}

// WithTaskID returns a context carrying the task id under execution.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext extracts the task id, if present.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(taskIDKey).(string)
	return v, ok && v != ""
}
