// Package task defines the delegated-task domain model and the in-memory
// registry that owns every task's lifecycle.
package task

import (
	"time"

	"foreman/internal/errors"
)

// Status represents the lifecycle state of a delegated task.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is a known token.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the edge from one status to another is part
// of the task lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result is the structured outcome of a completed task. Stdout and Stderr
// hold the child's collected output, capped by the supervisor's buffer.
type Result struct {
	Summary         string         `json:"summary"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr,omitempty"`
	Files           []string       `json:"files,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Agent           string         `json:"agent"`
	ExitCode        int            `json:"exit_code"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// Task is one delegated unit of work.
type Task struct {
	TaskID         string            `json:"task_id"`
	Type           string            `json:"task_type"`
	Description    string            `json:"description"`
	ProjectPath    string            `json:"project_path"`
	Context        map[string]string `json:"context,omitempty"`
	PreferredAgent string            `json:"preferred_agent,omitempty"`
	Agent          string            `json:"agent,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`

	Status Status `json:"status"`
	// AssignedWorker is the zero-based index of the worker executing the
	// task, set on the QUEUED -> RUNNING transition.
	AssignedWorker *int `json:"assigned_worker,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Result *Result          `json:"result,omitempty"`
	Error  *errors.Envelope `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand outside the registry.
func (t *Task) Clone() Task {
	out := *t
	if t.Context != nil {
		out.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			out.Context[k] = v
		}
	}
	if t.AssignedWorker != nil {
		worker := *t.AssignedWorker
		out.AssignedWorker = &worker
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		out.FinishedAt = &finished
	}
	if t.Result != nil {
		result := *t.Result
		out.Result = &result
	}
	if t.Error != nil {
		envelope := *t.Error
		out.Error = &envelope
	}
	return out
}
