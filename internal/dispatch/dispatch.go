// Package dispatch owns the bounded task queue and the worker pool that
// drains it: admission, agent routing, rate limiting, circuit breaking,
// child execution and failure bookkeeping.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"foreman/internal/async"
	"foreman/internal/compensate"
	"foreman/internal/dlq"
	"foreman/internal/domain/task"
	"foreman/internal/errors"
	"foreman/internal/external/agents"
	"foreman/internal/logging"
	"foreman/internal/ratelimit"
	"foreman/internal/shared/utils/id"
	"foreman/internal/supervisor"
)

// OpTypeDelegation is the dead-letter operation type for failed delegations.
// The dispatcher registers the replay handler for it.
const OpTypeDelegation = "task_delegation"

// Config sizes the queue and the pool.
type Config struct {
	// Workers is the number of concurrent task workers. Default 3.
	Workers int
	// QueueCapacity bounds the submission queue. Default 1024.
	QueueCapacity int
	// TaskTimeout caps one child execution. Default 30m.
	TaskTimeout time.Duration
	// ReplayTimeout caps a dead-letter replay, which runs inline in the
	// retry sweep and must not stall it. Default 2m.
	ReplayTimeout time.Duration
	// PollInterval is the wait between rate-limit admission polls.
	// Default 100ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Tasks         *task.Registry
	Agents        *agents.Registry
	Supervisor    *supervisor.Supervisor
	Limiter       *ratelimit.Limiter
	Breakers      *errors.CircuitBreakerManager
	DeadLetter    *dlq.Queue
	Compensations *compensate.Registry
	Logger        logging.Logger
}

// SubmitRequest is one task delegation.
type SubmitRequest struct {
	Description    string
	Type           string
	ProjectPath    string
	Context        map[string]string
	PreferredAgent string
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	Queued         int    `json:"queued"`
	TotalProcessed uint64 `json:"total_processed"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
}

// execution tracks one in-flight task so Cancel can reach its child. done
// closes after the worker has settled the task's final status.
type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	pid    atomic.Int64
}

// Dispatcher owns the FIFO task queue and its workers.
type Dispatcher struct {
	config Config

	tasks         *task.Registry
	agents        *agents.Registry
	supervisor    *supervisor.Supervisor
	limiter       *ratelimit.Limiter
	breakers      *errors.CircuitBreakerManager
	deadLetter    *dlq.Queue
	compensations *compensate.Registry
	logger        logging.Logger

	queue chan string
	quit  chan struct{}

	mu      sync.Mutex
	running map[string]*execution

	cancelWorkers context.CancelFunc
	wg            sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once

	shuttingDown   atomic.Bool
	activeWorkers  atomic.Int32
	totalProcessed atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	cancelled      atomic.Uint64
}

// New wires a dispatcher. Start must be called before tasks are processed.
func New(config Config, deps Deps) *Dispatcher {
	config = config.withDefaults()
	d := &Dispatcher{
		config:        config,
		tasks:         deps.Tasks,
		agents:        deps.Agents,
		supervisor:    deps.Supervisor,
		limiter:       deps.Limiter,
		breakers:      deps.Breakers,
		deadLetter:    deps.DeadLetter,
		compensations: deps.Compensations,
		logger:        logging.OrNop(deps.Logger),
		queue:         make(chan string, config.QueueCapacity),
		quit:          make(chan struct{}),
		running:       make(map[string]*execution),
	}
	if d.compensations == nil {
		d.compensations = compensate.NewRegistry(d.logger)
	}
	if d.deadLetter != nil {
		d.deadLetter.RegisterHandler(OpTypeDelegation, d.replayDelegation)
	}
	return d
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// dispatcher is stopped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		d.cancelWorkers = cancel
		for i := 0; i < d.config.Workers; i++ {
			workerID := i
			d.wg.Add(1)
			async.Go(d.logger, fmt.Sprintf("dispatch.worker-%d", workerID), func() {
				defer d.wg.Done()
				d.workerLoop(workerCtx, workerID)
			})
		}
		d.logger.Info("dispatcher started: %d workers, queue capacity %d",
			d.config.Workers, d.config.QueueCapacity)
	})
}

// Submit validates and enqueues one delegation. It never blocks: a full
// queue rejects with QueueFull and a draining dispatcher with ShuttingDown.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (task.Task, error) {
	if d.shuttingDown.Load() {
		return task.Task{}, errors.Newf(errors.KindShuttingDown,
			"server is shutting down, not accepting new tasks")
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		return task.Task{}, errors.Validationf("task description must not be empty")
	}
	taskType := strings.TrimSpace(req.Type)
	if taskType == "" {
		taskType = agents.TaskCodeGeneration
	}
	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath = "."
	}

	// Fail unservable delegations at admission. The worker resolves again
	// at execution time; availability can change while the task queues.
	if _, _, err := d.agents.Resolve(taskType, req.PreferredAgent); err != nil {
		return task.Task{}, err
	}

	_, correlationID := id.EnsureCorrelationID(ctx)
	now := time.Now()
	t := &task.Task{
		TaskID:         id.NewTaskID(),
		Type:           taskType,
		Description:    description,
		ProjectPath:    projectPath,
		Context:        req.Context,
		PreferredAgent: strings.TrimSpace(req.PreferredAgent),
		CorrelationID:  correlationID,
		Status:         task.StatusQueued,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	if err := d.tasks.Put(t); err != nil {
		return task.Task{}, err
	}

	select {
	case d.queue <- t.TaskID:
	default:
		d.tasks.Discard(t.TaskID)
		return task.Task{}, errors.Newf(errors.KindQueueFull,
			"task queue is full (capacity %d)", d.config.QueueCapacity).
			WithHint("retry after a task finishes or raise QUEUE_CAPACITY")
	}

	d.logger.Info("task %s queued (%s, corr %s)", t.TaskID, taskType, correlationID)
	return t.Clone(), nil
}

// Cancel stops one task and reports the status it had when the cancel took
// hold. QUEUED flips straight to CANCELLED and the worker skips it on
// dequeue. RUNNING gets its child killed (graceful, then forced) and the
// call returns once the worker has settled the task. Terminal tasks return
// a TerminalState error carrying the final status.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (task.Status, error) {
	for {
		snapshot, err := d.tasks.Get(taskID)
		if err != nil {
			return "", err
		}

		switch snapshot.Status {
		case task.StatusQueued:
			if _, err := d.tasks.Transition(taskID, task.StatusCancelled, nil); err == nil {
				d.logger.Info("task %s cancelled while queued", taskID)
				return task.StatusQueued, nil
			}
			// Lost the race with a worker; re-read and take the RUNNING path.

		case task.StatusRunning:
			d.mu.Lock()
			exec := d.running[taskID]
			d.mu.Unlock()
			if exec == nil {
				// The worker already reaped it; the next read is terminal.
				continue
			}

			d.logger.Info("cancelling running task %s", taskID)
			exec.cancel()
			if pid := int(exec.pid.Load()); pid > 0 {
				if err := d.supervisor.Kill(pid); err != nil && !errors.IsKind(err, errors.KindNotFound) {
					d.logger.Warn("kill for task %s (pid %d): %v", taskID, pid, err)
				}
			}

			select {
			case <-exec.done:
			case <-ctx.Done():
				return task.StatusRunning, ctx.Err()
			}

			final, err := d.tasks.Get(taskID)
			if err != nil {
				return task.StatusRunning, err
			}
			if final.Status == task.StatusCancelled {
				return task.StatusRunning, nil
			}
			// The child finished before the signal landed.
			return final.Status, errors.Newf(errors.KindTerminalState,
				"task %s already finished as %s", taskID, final.Status)

		default:
			return snapshot.Status, errors.Newf(errors.KindTerminalState,
				"task %s already finished as %s", taskID, snapshot.Status)
		}
	}
}

// Stats reports the pool's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		MaxWorkers:     d.config.Workers,
		ActiveWorkers:  int(d.activeWorkers.Load()),
		Queued:         len(d.queue),
		TotalProcessed: d.totalProcessed.Load(),
		Completed:      d.completed.Load(),
		Failed:         d.failed.Load(),
		Cancelled:      d.cancelled.Load(),
	}
}

// Stop drains the pool: new submissions are refused immediately and workers
// exit after their current task. When ctx expires first the workers are
// cancelled outright, which kills their children.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.shuttingDown.Store(true)
		close(d.quit)

		done := make(chan struct{})
		async.Go(d.logger, "dispatch.drain-wait", func() {
			d.wg.Wait()
			close(done)
		})
		select {
		case <-done:
			d.logger.Info("dispatcher drained cleanly")
		case <-ctx.Done():
			d.logger.Warn("dispatcher drain timed out, cancelling workers")
			if d.cancelWorkers != nil {
				d.cancelWorkers()
			}
			<-done
			err = ctx.Err()
		}
	})
	return err
}
