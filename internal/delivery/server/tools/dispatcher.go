// Package tools binds the externally callable tool names to core
// operations. The dispatcher is the adapter boundary: every invocation
// acquires a correlation id, registers with the shutdown coordinator,
// validates its payload, and hands back either the tool's result or a
// typed error for the transport to envelope. Business rules live below it.
package tools

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"foreman/internal/delivery/server/app"
	"foreman/internal/errors"
	"foreman/internal/lifecycle"
	"foreman/internal/logging"
	"foreman/internal/observability"
	"foreman/internal/shared/utils/id"
)

// Canonical tool names.
const (
	ToolDelegateTask    = "delegateTask"
	ToolGetTaskStatus   = "getTaskStatus"
	ToolListActiveTasks = "listActiveTasks"
	ToolGetWorkerStats  = "getWorkerStats"
	ToolCancelTask      = "cancelTask"
	ToolStartFeature    = "startFeature"
	ToolSubmitWork      = "submitWork"
	ToolGetHealth       = "getHealth"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args Args) (any, error)

// Deps are the services and infrastructure the dispatcher binds.
type Deps struct {
	Tasks     *app.TaskService
	Workflow  *app.WorkflowService
	Health    *app.HealthService
	Lifecycle *lifecycle.Coordinator
	Recorder  *observability.Recorder
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

// Dispatcher routes named invocations to their handlers.
type Dispatcher struct {
	handlers  map[string]Handler
	lifecycle *lifecycle.Coordinator
	recorder  *observability.Recorder
	tracer    *observability.TracerProvider
	logger    logging.Logger
}

// NewDispatcher binds the canonical tool set.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		handlers:  make(map[string]Handler),
		lifecycle: deps.Lifecycle,
		recorder:  deps.Recorder,
		tracer:    deps.Tracer,
		logger:    logging.OrNop(deps.Logger),
	}
	d.register(ToolDelegateTask, delegateTask(deps.Tasks))
	d.register(ToolGetTaskStatus, getTaskStatus(deps.Tasks))
	d.register(ToolListActiveTasks, listActiveTasks(deps.Tasks))
	d.register(ToolGetWorkerStats, getWorkerStats(deps.Tasks))
	d.register(ToolCancelTask, cancelTask(deps.Tasks))
	d.register(ToolStartFeature, startFeature(deps.Workflow))
	d.register(ToolSubmitWork, submitWork(deps.Workflow))
	d.register(ToolGetHealth, getHealth(deps.Health))
	return d
}

func (d *Dispatcher) register(name string, handler Handler) {
	if handler == nil {
		return
	}
	d.handlers[name] = handler
}

// Tools lists the bound tool names, sorted.
func (d *Dispatcher) Tools() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one invocation end to end. Unknown tools are NotFound; a
// shutting-down server refuses with ShuttingDown before any state is read.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args Args) (any, error) {
	handler, ok := d.handlers[tool]
	if !ok {
		return nil, errors.NotFoundf("unknown tool %q", tool).
			WithHint("available tools: " + strings.Join(d.Tools(), ", "))
	}

	ctx, correlationID := id.EnsureCorrelationID(ctx)
	if d.lifecycle != nil {
		if err := d.lifecycle.TrackBegin(correlationID); err != nil {
			return nil, err
		}
		defer d.lifecycle.TrackEnd(correlationID)
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.StartSpan(ctx, observability.SpanToolDispatch,
			observability.ToolAttrs(tool)...)
		defer span.End()
	}

	op := d.recorder.StartOperation(ctx, "tool."+tool, map[string]any{"tool": tool})
	result, err := handler(ctx, args)
	op.Finish(err)
	if err != nil {
		d.logger.Warn("tool %s failed (corr %s): %v", tool, correlationID, err)
		return nil, err
	}
	d.logger.Debug("tool %s handled (corr %s)", tool, correlationID)
	return result, nil
}
