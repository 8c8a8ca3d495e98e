package task

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"foreman/internal/errors"
	"foreman/internal/logging"
)

// DefaultTerminalRetention caps how many finished tasks stay queryable.
const DefaultTerminalRetention = 1024

// Event is emitted on every status transition.
type Event struct {
	Task Task      `json:"task"`
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

type entry struct {
	mu   sync.Mutex
	task *Task
}

// Registry is the in-memory source of truth for tasks. A coarse RWMutex
// guards the maps; a per-task mutex serializes mutation of one task, so a
// slow transition never blocks lookups of other tasks.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*entry
	terminal *lru.Cache[string, *Task]

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	logger logging.Logger
}

// NewRegistry builds a registry retaining up to retention finished tasks.
func NewRegistry(retention int, logger logging.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultTerminalRetention
	}
	cache, _ := lru.New[string, *Task](retention)
	return &Registry{
		active:      make(map[string]*entry),
		terminal:    cache,
		subscribers: make(map[int]chan Event),
		logger:      logging.OrNop(logger),
	}
}

// Put registers a new task. The id must be unused.
func (r *Registry) Put(t *Task) error {
	if t == nil || t.TaskID == "" {
		return errors.Validationf("task id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[t.TaskID]; exists {
		return errors.Validationf("task %s already registered", t.TaskID)
	}
	if _, exists := r.terminal.Get(t.TaskID); exists {
		return errors.Validationf("task %s already registered", t.TaskID)
	}

	now := time.Now().UTC()
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	t.UpdatedAt = now
	copied := t.Clone()
	r.active[t.TaskID] = &entry{task: &copied}
	return nil
}

// Get returns a snapshot of the task, finished or not.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	e, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.task.Clone(), nil
	}

	if t, ok := r.terminal.Get(id); ok {
		return t.Clone(), nil
	}
	return Task{}, errors.NotFoundf("task %s not found", id)
}

// ListActive returns every non-terminal task, oldest submission first.
func (r *Registry) ListActive() []Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Counts returns how many tasks are active and how many finished tasks are
// retained.
func (r *Registry) Counts() (active, terminal int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), r.terminal.Len()
}

// Transition moves a task along one lifecycle edge. The mutate callback runs
// under the task's lock with the transition already validated, so it can fill
// in results, errors or worker assignment atomically with the status change.
func (r *Registry) Transition(id string, to Status, mutate func(*Task)) (Task, error) {
	if !to.IsValid() {
		return Task{}, errors.Validationf("unknown task status %q", to)
	}

	r.mu.RLock()
	e, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		if _, finished := r.terminal.Get(id); finished {
			return Task{}, errors.Newf(errors.KindTerminalState, "task %s already finished", id)
		}
		return Task{}, errors.NotFoundf("task %s not found", id)
	}

	e.mu.Lock()
	from := e.task.Status
	if from.IsTerminal() {
		e.mu.Unlock()
		return Task{}, errors.Newf(errors.KindTerminalState, "task %s already finished", id)
	}
	if !CanTransition(from, to) {
		e.mu.Unlock()
		return Task{}, errors.Validationf("task %s cannot move from %s to %s", id, from, to)
	}

	now := time.Now().UTC()
	e.task.Status = to
	e.task.UpdatedAt = now
	switch to {
	case StatusRunning:
		e.task.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		e.task.FinishedAt = &now
	}
	if mutate != nil {
		mutate(e.task)
	}
	snapshot := e.task.Clone()
	e.mu.Unlock()

	if to.IsTerminal() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		retained := snapshot.Clone()
		r.terminal.Add(id, &retained)
	}

	r.logger.Debug("task %s: %s -> %s", id, from, to)
	r.publish(Event{Task: snapshot, From: from, To: to, At: now})
	return snapshot, nil
}

// Discard removes a QUEUED task that was never admitted to the work queue,
// so a rejected submission leaves no trace. It refuses tasks that have moved
// past QUEUED.
func (r *Registry) Discard(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.active[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status != StatusQueued {
		return false
	}
	delete(r.active, id)
	return true
}

// Subscribe returns a channel of transition events and a cancel function.
// Slow subscribers lose events rather than stalling transitions.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if existing, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(existing)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) publish(event Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			r.logger.Warn("task event subscriber %d full, dropping event for %s", id, event.Task.TaskID)
		}
	}
}
