// Package dlq implements the persistent dead-letter queue: failed operations
// land here and are replayed with exponential backoff until they succeed or
// exhaust their attempts.
package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"foreman/internal/async"
	"foreman/internal/errors"
	"foreman/internal/logging"
)

// Status is the lifecycle state of a dead-letter entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRetrying  Status = "RETRYING"
	StatusAbandoned Status = "ABANDONED"
)

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRetrying:  true,
	StatusAbandoned: true,
}

// IsValid reports whether the status is a known token.
func (s Status) IsValid() bool { return validStatuses[s] }

// Entry is one failed operation scheduled for replay.
type Entry struct {
	OperationID   string         `json:"operation_id"`
	OperationType string         `json:"operation_type"`
	Context       map[string]any `json:"context,omitempty"`
	Error         string         `json:"error"`
	Attempt       int            `json:"attempt"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time      `json:"created_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitzero"`
	Status        Status         `json:"status"`
}

// Handler replays one entry. A nil return removes the entry; an error counts
// as a failed attempt.
type Handler func(ctx context.Context, entry Entry) error

// Config controls retry scheduling and persistence.
type Config struct {
	// Path of the single persistence file. Empty disables persistence.
	Path string
	// MaxAttempts before an entry is abandoned. Default 3.
	MaxAttempts int
	// Backoff schedule for upcoming attempts.
	Backoff errors.BackoffConfig
	// RetryInterval between automatic sweeps. Default 5s.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = errors.DefaultBackoffConfig()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	return c
}

// Queue is the dead-letter queue. One lock covers Add, ProcessDue and the
// persistence flush so the file always reflects a consistent state.
type Queue struct {
	mu       sync.Mutex
	entries  []*Entry
	handlers map[string]Handler
	config   Config
	logger   logging.Logger

	completedTotal uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     <-chan struct{}
}

// New loads (or creates) the queue at config.Path. Entries found in RETRYING
// were interrupted mid-attempt by a crash and are promoted back to PENDING.
func New(config Config, logger logging.Logger) (*Queue, error) {
	q := &Queue{
		handlers: make(map[string]Handler),
		config:   config.withDefaults(),
		logger:   logging.OrNop(logger),
		stop:     make(chan struct{}),
	}

	entries, err := loadEntries(q.config.Path, q.logger)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Status == StatusRetrying {
			entry.Status = StatusPending
		}
		q.entries = append(q.entries, entry)
	}
	if len(q.entries) > 0 {
		q.logger.Info("loaded %d dead-letter entries from %s", len(q.entries), q.config.Path)
	}
	return q, nil
}

// RegisterHandler installs the replay callback for an operation type.
func (q *Queue) RegisterHandler(operationType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[operationType] = handler
}

// Add appends a new PENDING entry. The first attempt is scheduled one base
// delay from now.
func (q *Queue) Add(operationID, operationType string, opContext map[string]any, cause error) *Entry {
	now := time.Now()
	entry := &Entry{
		OperationID:   operationID,
		OperationType: operationType,
		Context:       opContext,
		Attempt:       0,
		MaxAttempts:   q.config.MaxAttempts,
		NextAttemptAt: now.Add(q.config.Backoff.DelayForAttempt(1)),
		CreatedAt:     now,
		Status:        StatusPending,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	q.flushLocked()
	q.logger.Info("dead-lettered %s (%s), first retry at %s",
		operationID, operationType, entry.NextAttemptAt.Format(time.RFC3339))

	copied := *entry
	return &copied
}

// ProcessDue replays every PENDING entry whose next_attempt_at is at or
// before now, oldest due first with ties broken by insertion order. It
// returns how many entries were attempted.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*Entry, 0)
	for _, entry := range q.entries {
		if entry.Status == StatusPending && !entry.NextAttemptAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	for _, entry := range due {
		entry.Status = StatusRetrying
		entry.LastAttemptAt = now
		q.flushLocked()

		err := q.invoke(ctx, *entry)
		entry.Attempt++

		if err == nil {
			q.removeLocked(entry.OperationID)
			q.completedTotal++
			q.logger.Info("dead-letter %s replayed successfully on attempt %d",
				entry.OperationID, entry.Attempt)
			q.flushLocked()
			continue
		}

		entry.Error = err.Error()
		if entry.Attempt >= entry.MaxAttempts {
			entry.Status = StatusAbandoned
			q.logger.Warn("dead-letter %s abandoned after %d attempts: %v",
				entry.OperationID, entry.Attempt, err)
		} else {
			entry.Status = StatusPending
			entry.NextAttemptAt = now.Add(q.config.Backoff.DelayForAttempt(entry.Attempt + 1))
			q.logger.Info("dead-letter %s attempt %d failed, next at %s: %v",
				entry.OperationID, entry.Attempt, entry.NextAttemptAt.Format(time.RFC3339), err)
		}
		q.flushLocked()
	}
	return len(due)
}

func (q *Queue) invoke(ctx context.Context, entry Entry) error {
	handler, ok := q.handlers[entry.OperationType]
	if !ok {
		return errors.Newf(errors.KindNotFound, "no retry handler registered for operation type %q", entry.OperationType)
	}
	return handler(ctx, entry)
}

// removeLocked drops an entry by operation id. Callers hold q.mu.
func (q *Queue) removeLocked(operationID string) {
	for i, entry := range q.entries {
		if entry.OperationID == operationID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Remove deletes an entry regardless of status, e.g. an abandoned entry the
// operator has inspected and cleared.
func (q *Queue) Remove(operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.entries)
	q.removeLocked(operationID)
	if len(q.entries) == before {
		return errors.NotFoundf("dead-letter entry %s not found", operationID)
	}
	q.flushLocked()
	return nil
}

// Entries returns a copy of every entry for inspection.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, *entry)
	}
	return out
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending          int     `json:"pending"`
	Retrying         int     `json:"retrying"`
	Abandoned        int     `json:"abandoned"`
	CompletedTotal   uint64  `json:"completed_total"`
	OldestPendingAge float64 `json:"oldest_pending_age_seconds"`
}

// Stats returns counts by status and the age of the oldest pending entry.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{CompletedTotal: q.completedTotal}
	var oldest time.Time
	for _, entry := range q.entries {
		switch entry.Status {
		case StatusPending:
			stats.Pending++
			if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
				oldest = entry.CreatedAt
			}
		case StatusRetrying:
			stats.Retrying++
		case StatusAbandoned:
			stats.Abandoned++
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAge = time.Since(oldest).Seconds()
	}
	return stats
}

// StartAutoRetry sweeps due entries every config.RetryInterval until Stop or
// context cancellation.
func (q *Queue) StartAutoRetry(ctx context.Context) {
	q.done = async.GoDone(q.logger, "dlq-auto-retry", func() {
		ticker := time.NewTicker(q.config.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.ProcessDue(ctx, time.Now())
			}
		}
	})
}

// Stop halts the auto-retry loop and flushes state. Safe to call more than
// once, and before StartAutoRetry.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	if q.done != nil {
		<-q.done
	}
	q.Flush()
}

// Flush persists the queue unconditionally, for shutdown.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

// flushLocked writes the queue file. Persistence failures are logged, not
// surfaced: the queue keeps operating in memory. Callers hold q.mu.
func (q *Queue) flushLocked() {
	if q.config.Path == "" {
		return
	}
	if err := saveEntries(q.config.Path, q.entries); err != nil {
		q.logger.Error("failed to persist dead-letter queue to %s: %v", q.config.Path, err)
	}
}
