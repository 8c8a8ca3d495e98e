package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"foreman/internal/errors"
	"foreman/internal/shared/utils/id"
)

// Severity grades an event record.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one structured observability record. Every record carries a
// timestamp, a severity, a message, the correlation id of the invocation
// chain it belongs to, and a free-form context map.
type Event struct {
	Time          time.Time      `json:"timestamp"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// Sink receives every emitted event. Implementations must be safe for
// concurrent use and must not block the caller.
type Sink interface {
	Emit(Event)
}

// MetricPoint is the payload stored under the "metric" context key of a
// metric record so a downstream collector can aggregate without parsing the
// message text.
type MetricPoint struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"` // counter, gauge, timer
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

const (
	MetricCounter = "counter"
	MetricGauge   = "gauge"
	MetricTimer   = "timer"

	metricContextKey = "metric"
)

// MetricFromEvent extracts the metric payload from a record, reporting false
// for plain events.
func MetricFromEvent(e Event) (MetricPoint, bool) {
	point, ok := e.Context[metricContextKey].(MetricPoint)
	return point, ok
}

// Recorder emits structured event records to the logger and to every
// registered sink. Traced operations produce a started record, a finished
// record with duration, and, on error, an exception record with the error
// classification.
type Recorder struct {
	logger *Logger
	clock  func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

// NewRecorder builds a recorder over an optional structured logger and an
// initial set of sinks. Nil sinks are skipped.
func NewRecorder(logger *Logger, sinks ...Sink) *Recorder {
	r := &Recorder{logger: logger, clock: time.Now}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// AddSink registers another collector. Safe to call while the recorder is
// in use.
func (r *Recorder) AddSink(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit records one event. The correlation id is taken from ctx when present.
func (r *Recorder) Emit(ctx context.Context, severity Severity, message string, fields map[string]any) {
	if r == nil {
		return
	}
	e := Event{
		Time:     r.clock().UTC(),
		Severity: severity,
		Message:  message,
		Context:  fields,
	}
	if corr, ok := id.CorrelationIDFromContext(ctx); ok {
		e.CorrelationID = corr
	}
	r.dispatch(e)
}

func (r *Recorder) dispatch(e Event) {
	if r.logger != nil {
		r.logRecord(e)
	}

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(e)
	}
}

// logRecord renders the event through slog with stable key ordering.
func (r *Recorder) logRecord(e Event) {
	args := make([]any, 0, 2*len(e.Context)+2)
	if e.CorrelationID != "" {
		args = append(args, "correlation_id", e.CorrelationID)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, e.Context[k])
	}

	switch e.Severity {
	case SeverityDebug:
		r.logger.Debug(e.Message, args...)
	case SeverityWarn:
		r.logger.Warn(e.Message, args...)
	case SeverityError:
		r.logger.Error(e.Message, args...)
	default:
		r.logger.Info(e.Message, args...)
	}
}

// Counter records a monotonic increment.
func (r *Recorder) Counter(ctx context.Context, name string, delta float64, labels map[string]string) {
	r.metric(ctx, MetricPoint{Name: name, Type: MetricCounter, Value: delta, Labels: labels})
}

// Gauge records the current value of a measurement.
func (r *Recorder) Gauge(ctx context.Context, name string, value float64, labels map[string]string) {
	r.metric(ctx, MetricPoint{Name: name, Type: MetricGauge, Value: value, Labels: labels})
}

// Timer records an elapsed duration in seconds.
func (r *Recorder) Timer(ctx context.Context, name string, elapsed time.Duration, labels map[string]string) {
	r.metric(ctx, MetricPoint{Name: name, Type: MetricTimer, Value: elapsed.Seconds(), Labels: labels})
}

func (r *Recorder) metric(ctx context.Context, point MetricPoint) {
	if r == nil {
		return
	}
	r.Emit(ctx, SeverityDebug, "metric "+point.Name, map[string]any{
		metricContextKey: point,
	})
}

// Operation tracks one traced unit of work from its started record to its
// finished record.
type Operation struct {
	r       *Recorder
	ctx     context.Context
	name    string
	started time.Time
	fields  map[string]any
	once    sync.Once
}

// StartOperation emits the started record for a traced operation and returns
// a handle whose Finish emits the closing records. The extra fields ride on
// every record of the operation.
func (r *Recorder) StartOperation(ctx context.Context, name string, fields map[string]any) *Operation {
	if r == nil {
		return &Operation{name: name}
	}
	op := &Operation{
		r:       r,
		ctx:     ctx,
		name:    name,
		started: r.clock(),
		fields:  fields,
	}
	r.Emit(ctx, SeverityInfo, name+" started", op.record("started", nil))
	return op
}

// Finish emits the finished record with the elapsed duration. A non-nil err
// additionally emits an exception record carrying the error classification.
// Repeat calls are ignored.
func (op *Operation) Finish(err error) {
	if op == nil || op.r == nil {
		return
	}
	op.once.Do(func() {
		elapsed := op.r.clock().Sub(op.started)
		if err != nil {
			op.r.Emit(op.ctx, SeverityError, op.name+" failed", op.record("exception", map[string]any{
				"classification": string(errors.KindOf(err)),
				"error":          err.Error(),
			}))
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		op.r.Emit(op.ctx, SeverityInfo, op.name+" finished", op.record("finished", map[string]any{
			"duration_ms": elapsed.Milliseconds(),
			"status":      status,
		}))
	})
}

func (op *Operation) record(event string, extra map[string]any) map[string]any {
	fields := make(map[string]any, len(op.fields)+len(extra)+2)
	for k, v := range op.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	fields["operation"] = op.name
	fields["event"] = event
	return fields
}

// MemorySink keeps the most recent events in a bounded ring. It backs tests
// and the diagnostic event feed.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemorySink builds a sink retaining up to limit events, oldest dropped
// first. Non-positive limits fall back to 256.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 256
	}
	return &MemorySink{limit: limit}
}

// Emit stores the event, evicting the oldest when full.
func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.limit {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, e)
}

// Snapshot returns a copy of the retained events, oldest first.
func (s *MemorySink) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len reports the number of retained events.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
