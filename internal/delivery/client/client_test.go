package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"foreman/internal/delivery/server/app"
	"foreman/internal/delivery/server/httpapi"
	"foreman/internal/delivery/server/tools"
	"foreman/internal/dispatch"
	"foreman/internal/dlq"
	"foreman/internal/domain/project"
	"foreman/internal/domain/task"
	"foreman/internal/domain/workflow"
	"foreman/internal/errors"
	"foreman/internal/external/agents"
	"foreman/internal/external/subprocess"
	"foreman/internal/lifecycle"
	"foreman/internal/ratelimit"
	"foreman/internal/supervisor"
)

type stubAgent struct{ name string }

func (a stubAgent) Name() string           { return a.name }
func (a stubAgent) Detect() (string, bool) { return "sh", true }

func (a stubAgent) Command(binary string, req agents.Request) subprocess.Config {
	return subprocess.Config{
		Command:    binary,
		Args:       []string{"-c", "echo ok"},
		WorkingDir: req.WorkingDir,
		Timeout:    req.Timeout,
		Tag:        req.Tag,
	}
}

// newTestServer runs the full HTTP adapter over httptest and returns a
// client pointed at it. The worker pool is never started, so delegated
// tasks stay queued and transitions are driven by cancellation.
func newTestServer(t *testing.T) (*Client, string) {
	t.Helper()

	registry := agents.NewRegistry(nil)
	registry.Register(stubAgent{name: "echo"})
	registry.SetRoute("echo-work", "echo")
	registry.Detect()

	queue, err := dlq.New(dlq.Config{}, nil)
	if err != nil {
		t.Fatalf("dlq.New: %v", err)
	}
	taskRegistry := task.NewRegistry(64, nil)
	pool := dispatch.New(dispatch.Config{Workers: 3}, dispatch.Deps{
		Tasks:      taskRegistry,
		Agents:     registry,
		Supervisor: supervisor.New(nil),
		Limiter:    ratelimit.NewLimiter(ratelimit.Config{}, nil),
		Breakers:   errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig()),
		DeadLetter: queue,
	})

	store, err := project.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("project.NewStore: %v", err)
	}
	engine := workflow.NewEngine(store, nil)

	projectDir := t.TempDir()
	if _, err := store.Register("demo", projectDir); err != nil {
		t.Fatalf("register project: %v", err)
	}

	coordinator := lifecycle.New(lifecycle.Config{
		RequestTimeout: 200 * time.Millisecond,
		CleanupTimeout: 200 * time.Millisecond,
	}, nil)

	taskService := app.NewTaskService(pool, taskRegistry, nil, nil)
	flowService := app.NewWorkflowService(engine, store, nil, nil)
	healthService := app.NewHealthService(app.HealthDeps{
		Lifecycle:  coordinator,
		Dispatcher: pool,
		Agents:     registry,
	})

	server := httpapi.NewServer(httpapi.Config{}, httpapi.Deps{
		Dispatcher: tools.NewDispatcher(tools.Deps{
			Tasks:     taskService,
			Workflow:  flowService,
			Health:    healthService,
			Lifecycle: coordinator,
		}),
		Workflow:  flowService,
		Tasks:     taskRegistry,
		Lifecycle: coordinator,
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, projectDir
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://elsewhere"}, nil); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestDelegateAndStatusRoundTrip(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	receipt, err := c.DelegateTask(ctx, DelegateSpec{
		Description: "wire the exporter",
		Type:        "echo-work",
	})
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if receipt.TaskID == "" || receipt.Status != task.StatusQueued {
		t.Fatalf("receipt = %+v", receipt)
	}

	record, err := c.TaskStatus(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if record.Description != "wire the exporter" {
		t.Fatalf("description = %q", record.Description)
	}
	if record.CorrelationID == "" {
		t.Fatal("task lost its correlation id")
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	c, _ := newTestServer(t)

	_, err := c.TaskStatus(context.Background(), "task-missing")
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", apiErr.Status)
	}
	if apiErr.Envelope.Code != string(errors.KindNotFound) {
		t.Fatalf("code = %q, want NotFound", apiErr.Envelope.Code)
	}
	if apiErr.CorrelationID == "" {
		t.Fatal("error lost the correlation id")
	}
}

func TestCancelTwiceConflicts(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	receipt, err := c.DelegateTask(ctx, DelegateSpec{Description: "cancel me", Type: "echo-work"})
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}

	cancelled, err := c.CancelTask(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !cancelled.Cancelled || cancelled.PreviousStatus != task.StatusQueued {
		t.Fatalf("cancel receipt = %+v", cancelled)
	}

	_, err = c.CancelTask(ctx, receipt.TaskID)
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Envelope.Code != string(errors.KindTerminalState) {
		t.Fatalf("repeat cancel = %+v", apiErr)
	}
}

func TestActiveTasksAndWorkerStats(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := c.DelegateTask(ctx, DelegateSpec{Description: "one", Type: "echo-work"}); err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}

	list, err := c.ActiveTasks(ctx)
	if err != nil {
		t.Fatalf("ActiveTasks: %v", err)
	}
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Fatalf("list = %+v", list)
	}

	stats, err := c.WorkerStats(ctx)
	if err != nil {
		t.Fatalf("WorkerStats: %v", err)
	}
	if stats.MaxWorkers != 3 || stats.Queued != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestFeatureFlow(t *testing.T) {
	c, projectDir := newTestServer(t)
	ctx := context.Background()

	started, err := c.StartFeature(ctx, projectDir, "add csv export", "")
	if err != nil {
		t.Fatalf("StartFeature: %v", err)
	}
	if started.FeatureID == "" || started.Phase != "define" {
		t.Fatalf("started = %+v", started)
	}
	if started.RenderedPrompt == "" {
		t.Fatal("no rendered prompt")
	}

	submitted, err := c.SubmitWork(ctx, projectDir, started.FeatureID, "define",
		map[string]any{"definition": "a csv button"})
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if submitted.NextPhase != "decompose" {
		t.Fatalf("next phase = %q", submitted.NextPhase)
	}

	_, err = c.SubmitWork(ctx, projectDir, started.FeatureID, "define",
		map[string]any{"definition": "again"})
	if apiErr, ok := AsAPIError(err); !ok || apiErr.Status != http.StatusConflict {
		t.Fatalf("replay = %v", err)
	}
}

func TestProjectRegistrationAndListing(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	registered, err := c.RegisterProject(ctx, "second", t.TempDir())
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	if registered.ID == "" || registered.Status != project.StatusActive {
		t.Fatalf("registered = %+v", registered)
	}

	list, err := c.Projects(ctx)
	if err != nil {
		t.Fatalf("Projects: %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("total = %d, want 2", list.Total)
	}
}

func TestHealthAndTools(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	report, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if report.Status != app.HealthOK {
		t.Fatalf("health = %q", report.Status)
	}
	if len(report.AvailableAgents) != 1 || report.AvailableAgents[0] != "echo" {
		t.Fatalf("agents = %v", report.AvailableAgents)
	}

	names, err := c.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	found := false
	for _, name := range names {
		if name == tools.ToolDelegateTask {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool list %v missing delegateTask", names)
	}
}

func TestWatchEventsDeliversTransitions(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	events, stop, err := c.WatchEvents(ctx)
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	defer stop()

	receipt, err := c.DelegateTask(ctx, DelegateSpec{Description: "watch me", Type: "echo-work"})
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if _, err := c.CancelTask(ctx, receipt.TaskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("feed closed before delivering the transition")
		}
		if event.Task.TaskID != receipt.TaskID {
			t.Fatalf("event task = %s, want %s", event.Task.TaskID, receipt.TaskID)
		}
		if event.From != task.StatusQueued || event.To != task.StatusCancelled {
			t.Fatalf("transition = %s -> %s", event.From, event.To)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
	}

	stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after stop")
		}
	}
}

func TestAPIErrorFallbackOnForeignBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>upstream unhappy</html>"))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Health(context.Background())
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", apiErr.Status)
	}
	if apiErr.Envelope.Message == "" {
		t.Fatal("fallback message missing")
	}
}
