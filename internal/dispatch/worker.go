package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"foreman/internal/dlq"
	"foreman/internal/domain/task"
	"foreman/internal/errors"
	"foreman/internal/external/agents"
	"foreman/internal/external/subprocess"
	"foreman/internal/shared/utils/id"
	"foreman/internal/supervisor"
)

// workerLoop drains the queue until the dispatcher stops or ctx ends.
func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	d.logger.Debug("worker %d started", workerID)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("worker %d stopped: %v", workerID, ctx.Err())
			return
		case <-d.quit:
			d.logger.Debug("worker %d stopped: dispatcher draining", workerID)
			return
		case taskID := <-d.queue:
			// A ready quit channel and a ready queue race in the select
			// above; re-check so a draining dispatcher never starts new work.
			select {
			case <-ctx.Done():
				return
			case <-d.quit:
				return
			default:
			}
			d.process(ctx, workerID, taskID)
		}
	}
}

// process runs one dequeued task through the full pipeline and settles its
// final status.
func (d *Dispatcher) process(ctx context.Context, workerID int, taskID string) {
	snapshot, err := d.tasks.Get(taskID)
	if err != nil {
		d.logger.Warn("worker %d dequeued unknown task %s: %v", workerID, taskID, err)
		return
	}
	if snapshot.Status != task.StatusQueued {
		// Cancelled between submission and dequeue.
		d.logger.Debug("worker %d skipping task %s in state %s", workerID, taskID, snapshot.Status)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.running[taskID] = exec
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, taskID)
		d.mu.Unlock()
		close(exec.done)
		cancel()
	}()

	running, err := d.tasks.Transition(taskID, task.StatusRunning, func(t *task.Task) {
		worker := workerID
		t.AssignedWorker = &worker
	})
	if err != nil {
		// A cancel won the race after dequeue.
		d.logger.Debug("worker %d: task %s no longer runnable: %v", workerID, taskID, err)
		return
	}

	d.activeWorkers.Add(1)
	defer d.activeWorkers.Add(-1)
	defer d.totalProcessed.Add(1)

	taskCtx = id.WithCorrelationID(taskCtx, running.CorrelationID)
	d.logger.Info("worker %d running task %s (%s, corr %s)",
		workerID, taskID, running.Type, running.CorrelationID)

	result, agentName, execErr := d.execute(taskCtx, exec, &running)

	switch {
	case execErr == nil:
		if _, err := d.tasks.Transition(taskID, task.StatusCompleted, func(t *task.Task) {
			t.Agent = agentName
			t.Result = result
		}); err != nil {
			d.logger.Warn("worker %d: completion of %s not recorded: %v", workerID, taskID, err)
			return
		}
		d.completed.Add(1)
		d.compensations.Drop(taskID)
		d.logger.Info("worker %d finished task %s with %s in %.1fs",
			workerID, taskID, agentName, result.DurationSeconds)

	case taskCtx.Err() != nil:
		// Cancelled (or force-stopped) while executing. The child is dead;
		// undo its partial work and settle the status. The transition races
		// with nobody: the canceller waits for this worker.
		if _, err := d.tasks.Transition(taskID, task.StatusCancelled, nil); err != nil {
			d.logger.Warn("worker %d: cancellation of %s not recorded: %v", workerID, taskID, err)
		}
		d.cancelled.Add(1)
		d.runCompensations(taskCtx, workerID, taskID)
		d.logger.Info("worker %d: task %s cancelled", workerID, taskID)

	default:
		envelope := errors.ToEnvelope(execErr)
		if _, err := d.tasks.Transition(taskID, task.StatusFailed, func(t *task.Task) {
			t.Agent = agentName
			t.Error = &envelope
		}); err != nil {
			d.logger.Warn("worker %d: failure of %s not recorded: %v", workerID, taskID, err)
		}
		d.failed.Add(1)
		d.logger.Error("worker %d: task %s failed: %v", workerID, taskID, execErr)

		if d.deadLetter != nil {
			d.deadLetter.Add(taskID, OpTypeDelegation, map[string]any{
				"task_id":         taskID,
				"task_type":       running.Type,
				"description":     running.Description,
				"project_path":    running.ProjectPath,
				"preferred_agent": running.PreferredAgent,
				"correlation_id":  running.CorrelationID,
				"agent":           agentName,
			}, execErr)
		}
		d.runCompensations(taskCtx, workerID, taskID)
	}
}

// runCompensations unwinds the task's registered side effects. It runs on a
// context detached from the (possibly cancelled) task context so callbacks
// still get to finish.
func (d *Dispatcher) runCompensations(taskCtx context.Context, workerID int, taskID string) {
	succeeded, failed := d.compensations.Compensate(context.WithoutCancel(taskCtx), taskID)
	if succeeded+failed > 0 {
		d.logger.Info("worker %d compensated task %s (%d ok, %d failed)",
			workerID, taskID, succeeded, failed)
	}
}

// execute resolves the agent, passes admission control, runs the child and
// shapes the outcome. The agent name is returned as soon as routing succeeds
// so failures can still be attributed.
func (d *Dispatcher) execute(ctx context.Context, exec *execution, t *task.Task) (*task.Result, string, error) {
	adapter, binary, err := d.agents.Resolve(t.Type, t.PreferredAgent)
	if err != nil {
		return nil, "", err
	}
	agentName := adapter.Name()

	if err := d.waitForRateLimit(ctx, agentName); err != nil {
		return nil, agentName, err
	}

	request := agents.Request{
		Prompt:     buildPrompt(t),
		WorkingDir: t.ProjectPath,
		Timeout:    d.config.TaskTimeout,
		Tag:        t.TaskID,
		Env: map[string]string{
			"FOREMAN_TASK_ID":        t.TaskID,
			"FOREMAN_CORRELATION_ID": t.CorrelationID,
		},
	}
	config := adapter.Command(binary, request)

	var res subprocess.Result
	breaker := d.breakers.Get(agentName)
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		proc, err := d.supervisor.Spawn(ctx, t.TaskID, config)
		if err != nil {
			return err
		}
		exec.pid.Store(int64(proc.PID()))
		d.compensations.Register(t.TaskID, "reap stray child", func(context.Context, ...any) error {
			if proc.Alive() {
				return proc.Stop()
			}
			return nil
		})

		res = proc.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return supervisor.Classify(agentName, res)
	})
	if err != nil {
		return nil, agentName, err
	}

	parsed := agents.ParseResult(res.Stdout)
	return &task.Result{
		Summary:         parsed.Summary,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Files:           parsed.Files,
		Data:            parsed.Data,
		Agent:           agentName,
		ExitCode:        res.ExitCode,
		DurationSeconds: res.Duration.Seconds(),
	}, agentName, nil
}

// waitForRateLimit blocks until the scope's token bucket admits the call.
// Cancellation and drain end the wait.
func (d *Dispatcher) waitForRateLimit(ctx context.Context, scope string) error {
	if d.limiter == nil || d.limiter.Allow(scope) {
		return nil
	}
	d.logger.Debug("scope %s throttled, waiting for a token", scope)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.quit:
			return errors.Newf(errors.KindShuttingDown,
				"dispatcher draining while task waited for scope %q", scope)
		case <-ticker.C:
			if d.limiter.Allow(scope) {
				return nil
			}
		}
	}
}

// buildPrompt renders the child's prompt from the task description plus any
// context entries, sorted for stable output.
func buildPrompt(t *task.Task) string {
	if len(t.Context) == 0 {
		return t.Description
	}
	keys := make([]string, 0, len(t.Context))
	for k := range t.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(t.Description)
	b.WriteString("\n\nAdditional context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, t.Context[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// replayDelegation is the dead-letter handler for failed delegations. It
// re-runs the child synchronously under the replay timeout; the original
// task stays FAILED and a successful replay settles the operation itself.
func (d *Dispatcher) replayDelegation(ctx context.Context, entry dlq.Entry) error {
	if d.shuttingDown.Load() {
		return errors.Newf(errors.KindShuttingDown,
			"replay of %s deferred: dispatcher draining", entry.OperationID)
	}

	description := stringField(entry.Context, "description")
	if description == "" {
		return errors.Validationf("entry %s has no description to replay", entry.OperationID)
	}
	projectPath := stringField(entry.Context, "project_path")
	if projectPath == "" {
		projectPath = "."
	}

	adapter, binary, err := d.agents.Resolve(
		stringField(entry.Context, "task_type"),
		stringField(entry.Context, "preferred_agent"),
	)
	if err != nil {
		return err
	}
	agentName := adapter.Name()

	request := agents.Request{
		Prompt:     description,
		WorkingDir: projectPath,
		Timeout:    d.config.ReplayTimeout,
		Tag:        entry.OperationID + "-replay",
	}

	var res subprocess.Result
	breaker := d.breakers.Get(agentName)
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		proc, err := d.supervisor.Spawn(ctx, entry.OperationID+"-replay", adapter.Command(binary, request))
		if err != nil {
			return err
		}
		res = proc.Wait()
		return supervisor.Classify(agentName, res)
	})
	if err != nil {
		return err
	}

	d.logger.Info("replayed %s with %s (exit %d in %s)",
		entry.OperationID, agentName, res.ExitCode, res.Duration.Round(time.Millisecond))
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
