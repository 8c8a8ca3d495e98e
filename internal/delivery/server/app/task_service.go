// Package app holds the application services the tool dispatcher and the
// HTTP adapter call into. Services compose the core components and shape
// their results into the payloads that cross the boundary; business rules
// stay in the components themselves.
package app

import (
	"context"
	"strings"
	"time"

	"foreman/internal/dispatch"
	"foreman/internal/domain/task"
	"foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/observability"
)

// TaskService fronts delegation, status, cancellation and pool statistics.
type TaskService struct {
	dispatcher *dispatch.Dispatcher
	tasks      *task.Registry
	recorder   *observability.Recorder
	logger     logging.Logger
}

// NewTaskService wires the service. recorder may be nil.
func NewTaskService(dispatcher *dispatch.Dispatcher, tasks *task.Registry,
	recorder *observability.Recorder, logger logging.Logger) *TaskService {
	return &TaskService{
		dispatcher: dispatcher,
		tasks:      tasks,
		recorder:   recorder,
		logger:     logging.OrNop(logger),
	}
}

// DelegateInput carries one delegation request across the boundary.
type DelegateInput struct {
	Description    string
	Type           string
	ProjectPath    string
	Context        map[string]string
	PreferredAgent string
}

// DelegateReceipt acknowledges an accepted delegation.
type DelegateReceipt struct {
	TaskID      string      `json:"task_id"`
	Status      task.Status `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Delegate enqueues one task and returns its receipt.
func (s *TaskService) Delegate(ctx context.Context, input DelegateInput) (DelegateReceipt, error) {
	t, err := s.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Description:    input.Description,
		Type:           input.Type,
		ProjectPath:    input.ProjectPath,
		Context:        input.Context,
		PreferredAgent: input.PreferredAgent,
	})
	if err != nil {
		s.recorder.Counter(ctx, "foreman.tasks.rejected", 1,
			map[string]string{"reason": string(errors.KindOf(err))})
		return DelegateReceipt{}, err
	}
	s.recorder.Counter(ctx, "foreman.tasks.submitted", 1,
		map[string]string{"task_type": t.Type})
	return DelegateReceipt{
		TaskID:      t.TaskID,
		Status:      t.Status,
		SubmittedAt: t.SubmittedAt,
	}, nil
}

// Status returns the full task record.
func (s *TaskService) Status(ctx context.Context, taskID string) (task.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return task.Task{}, errors.Validationf("task_id must not be empty")
	}
	return s.tasks.Get(taskID)
}

// TaskList is the listActiveTasks payload.
type TaskList struct {
	Total int         `json:"total"`
	Tasks []task.Task `json:"tasks"`
}

// ListActive returns every task still QUEUED or RUNNING.
func (s *TaskService) ListActive(ctx context.Context) TaskList {
	active := s.tasks.ListActive()
	return TaskList{Total: len(active), Tasks: active}
}

// CancelReceipt reports the outcome of a cancellation.
type CancelReceipt struct {
	Cancelled      bool        `json:"cancelled"`
	PreviousStatus task.Status `json:"previous_status"`
}

// Cancel stops a task. A terminal task yields a TerminalState error with
// the status it finished in.
func (s *TaskService) Cancel(ctx context.Context, taskID string) (CancelReceipt, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return CancelReceipt{}, errors.Validationf("task_id must not be empty")
	}
	previous, err := s.dispatcher.Cancel(ctx, taskID)
	if err != nil {
		return CancelReceipt{}, err
	}
	s.recorder.Counter(ctx, "foreman.tasks.cancelled", 1, nil)
	return CancelReceipt{Cancelled: true, PreviousStatus: previous}, nil
}

// WorkerStats reports the pool counters.
func (s *TaskService) WorkerStats(ctx context.Context) dispatch.Stats {
	return s.dispatcher.Stats()
}
