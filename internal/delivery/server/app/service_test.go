package app

import (
	"context"
	"testing"
	"time"

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

type echoAgent struct{ name string }

func (a echoAgent) Name() string           { return a.name }
func (a echoAgent) Detect() (string, bool) { return "sh", true }

func (a echoAgent) Command(binary string, req agents.Request) subprocess.Config {
	return subprocess.Config{
		Command:    binary,
		Args:       []string{"-c", "echo ok"},
		WorkingDir: req.WorkingDir,
		Timeout:    req.Timeout,
		Tag:        req.Tag,
	}
}

// newTaskService wires a real dispatcher whose workers are never started,
// so delegated tasks stay QUEUED and the tests control every transition.
func newTaskService(t *testing.T) (*TaskService, *task.Registry) {
	t.Helper()

	registry := agents.NewRegistry(nil)
	registry.Register(echoAgent{name: "echo"})
	registry.SetRoute("echo-work", "echo")
	registry.Detect()

	queue, err := dlq.New(dlq.Config{}, nil)
	if err != nil {
		t.Fatalf("dlq.New: %v", err)
	}
	tasks := task.NewRegistry(64, nil)
	dispatcher := dispatch.New(dispatch.Config{Workers: 3}, dispatch.Deps{
		Tasks:      tasks,
		Agents:     registry,
		Supervisor: supervisor.New(nil),
		Limiter:    ratelimit.NewLimiter(ratelimit.Config{}, nil),
		Breakers:   errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig()),
		DeadLetter: queue,
	})
	return NewTaskService(dispatcher, tasks, nil, nil), tasks
}

func TestDelegateReturnsReceipt(t *testing.T) {
	svc, tasks := newTaskService(t)

	receipt, err := svc.Delegate(context.Background(), DelegateInput{
		Description: "echo something",
		Type:        "echo-work",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if receipt.TaskID == "" {
		t.Fatal("receipt has no task id")
	}
	if receipt.Status != task.StatusQueued {
		t.Fatalf("receipt status = %q, want QUEUED", receipt.Status)
	}
	if receipt.SubmittedAt.IsZero() {
		t.Fatal("receipt has no submit time")
	}
	if _, err := tasks.Get(receipt.TaskID); err != nil {
		t.Fatalf("task not registered: %v", err)
	}
}

func TestDelegateRejectsBlankDescription(t *testing.T) {
	svc, _ := newTaskService(t)

	_, err := svc.Delegate(context.Background(), DelegateInput{Description: "  "})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestStatusValidatesAndLooksUp(t *testing.T) {
	svc, _ := newTaskService(t)

	if _, err := svc.Status(context.Background(), "  "); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank id err = %v, want Validation", err)
	}
	if _, err := svc.Status(context.Background(), "task-missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("unknown id err = %v, want NotFound", err)
	}

	receipt, err := svc.Delegate(context.Background(), DelegateInput{Description: "x", Type: "echo-work"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	got, err := svc.Status(context.Background(), receipt.TaskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.TaskID != receipt.TaskID {
		t.Fatalf("status returned task %s, want %s", got.TaskID, receipt.TaskID)
	}
}

func TestListActiveCountsQueuedTasks(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Delegate(ctx, DelegateInput{Description: "n", Type: "echo-work"}); err != nil {
			t.Fatalf("delegate %d: %v", i, err)
		}
	}
	list := svc.ListActive(ctx)
	if list.Total != 3 || len(list.Tasks) != 3 {
		t.Fatalf("list = %d/%d tasks, want 3", list.Total, len(list.Tasks))
	}
}

func TestCancelQueuedTaskThenTerminal(t *testing.T) {
	svc, _ := newTaskService(t)
	ctx := context.Background()

	receipt, err := svc.Delegate(ctx, DelegateInput{Description: "cancel me", Type: "echo-work"})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, receipt.TaskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Cancelled || cancelled.PreviousStatus != task.StatusQueued {
		t.Fatalf("cancel receipt = %+v, want cancelled from QUEUED", cancelled)
	}

	if _, err := svc.Cancel(ctx, receipt.TaskID); !errors.IsKind(err, errors.KindTerminalState) {
		t.Fatalf("second cancel err = %v, want TerminalState", err)
	}
	if _, err := svc.Cancel(ctx, "task-missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("unknown cancel err = %v, want NotFound", err)
	}
}

func TestWorkerStatsReflectPoolConfig(t *testing.T) {
	svc, _ := newTaskService(t)

	stats := svc.WorkerStats(context.Background())
	if stats.MaxWorkers != 3 {
		t.Fatalf("max workers = %d, want 3", stats.MaxWorkers)
	}
	if stats.ActiveWorkers != 0 || stats.TotalProcessed != 0 {
		t.Fatalf("idle pool stats = %+v", stats)
	}
}

func newWorkflowService(t *testing.T) (*WorkflowService, string) {
	t.Helper()
	store, err := project.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("project.NewStore: %v", err)
	}
	engine := workflow.NewEngine(store, nil)
	svc := NewWorkflowService(engine, store, nil, nil)

	projectDir := t.TempDir()
	if _, err := svc.RegisterProject(context.Background(), "demo", projectDir); err != nil {
		t.Fatalf("register project: %v", err)
	}
	return svc, projectDir
}

func TestStartFeatureReturnsFirstPhase(t *testing.T) {
	svc, projectDir := newWorkflowService(t)

	receipt, err := svc.StartFeature(context.Background(), projectDir, "add dark mode", "")
	if err != nil {
		t.Fatalf("start feature: %v", err)
	}
	if receipt.FeatureID == "" {
		t.Fatal("receipt has no feature id")
	}
	if receipt.Phase != "define" {
		t.Fatalf("first phase = %q, want define", receipt.Phase)
	}
	if receipt.RenderedPrompt == "" {
		t.Fatal("receipt has no rendered prompt")
	}
}

func TestStartFeatureValidatesInput(t *testing.T) {
	svc, projectDir := newWorkflowService(t)
	ctx := context.Background()

	if _, err := svc.StartFeature(ctx, "", "prompt", ""); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank path err = %v, want Validation", err)
	}
	if _, err := svc.StartFeature(ctx, projectDir, "  ", ""); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank prompt err = %v, want Validation", err)
	}
	if _, err := svc.StartFeature(ctx, t.TempDir(), "prompt", ""); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("unregistered path err = %v, want NotFound", err)
	}
}

func TestSubmitWorkAdvancesPhases(t *testing.T) {
	svc, projectDir := newWorkflowService(t)
	ctx := context.Background()

	started, err := svc.StartFeature(ctx, projectDir, "add dark mode", "")
	if err != nil {
		t.Fatalf("start feature: %v", err)
	}

	receipt, err := svc.SubmitWork(ctx, projectDir, started.FeatureID, "define",
		map[string]any{"definition": "a dark theme toggle"})
	if err != nil {
		t.Fatalf("submit define: %v", err)
	}
	if receipt.Status != "success" || receipt.NextPhase != "decompose" {
		t.Fatalf("receipt = %+v, want success moving to decompose", receipt)
	}
	if receipt.RenderedPrompt == "" {
		t.Fatal("advancing submission must carry the next prompt")
	}

	// Out-of-order submission is a phase mismatch.
	_, err = svc.SubmitWork(ctx, projectDir, started.FeatureID, "design",
		map[string]any{"design": "skip ahead"})
	if !errors.IsKind(err, errors.KindPhaseMismatch) {
		t.Fatalf("out of order err = %v, want PhaseMismatch", err)
	}
}

func TestSubmitWorkValidatesIdentifiers(t *testing.T) {
	svc, projectDir := newWorkflowService(t)
	ctx := context.Background()
	payload := map[string]any{"definition": "x"}

	if _, err := svc.SubmitWork(ctx, "", "feat-1", "define", payload); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank path err = %v, want Validation", err)
	}
	if _, err := svc.SubmitWork(ctx, projectDir, "", "define", payload); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank feature err = %v, want Validation", err)
	}
	if _, err := svc.SubmitWork(ctx, projectDir, "feat-1", "", payload); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank phase err = %v, want Validation", err)
	}
}

func TestRegisterProjectListsBack(t *testing.T) {
	svc, _ := newWorkflowService(t)

	projects := svc.Projects(context.Background())
	if len(projects) != 1 {
		t.Fatalf("projects = %d, want 1", len(projects))
	}
	if projects[0].Name != "demo" {
		t.Fatalf("project name = %q, want demo", projects[0].Name)
	}
	if _, err := svc.RegisterProject(context.Background(), "bad", ""); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("blank path err = %v, want Validation", err)
	}
}

func TestHealthReportAggregates(t *testing.T) {
	registry := agents.NewRegistry(nil)
	registry.Register(echoAgent{name: "echo"})
	registry.Detect()

	queue, err := dlq.New(dlq.Config{}, nil)
	if err != nil {
		t.Fatalf("dlq.New: %v", err)
	}
	breakers := errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig())
	coordinator := lifecycle.New(lifecycle.Config{}, nil)

	svc := NewHealthService(HealthDeps{
		Lifecycle:  coordinator,
		Supervisor: supervisor.New(nil),
		DeadLetter: queue,
		Limiter:    ratelimit.NewLimiter(ratelimit.Config{}, nil),
		Breakers:   breakers,
		Agents:     registry,
	})

	report := svc.Report(context.Background())
	if report.Status != HealthOK {
		t.Fatalf("status = %q, want ok: %+v", report.Status, report.Checks)
	}
	if report.UptimeSeconds < 0 {
		t.Fatalf("uptime = %f", report.UptimeSeconds)
	}
	if len(report.AvailableAgents) != 1 || report.AvailableAgents[0] != "echo" {
		t.Fatalf("available agents = %v", report.AvailableAgents)
	}

	// Trip a breaker; the report degrades.
	breaker := breakers.Get("echo")
	for i := 0; i < 10; i++ {
		breaker.Mark(errors.Newf(errors.KindChildExitedNonZero, "exit 1"))
	}
	report = svc.Report(context.Background())
	if report.Status != HealthDegraded {
		t.Fatalf("status after open circuit = %q, want degraded", report.Status)
	}
}

func TestHealthReportDuringShutdown(t *testing.T) {
	coordinator := lifecycle.New(lifecycle.Config{
		RequestTimeout: 50 * time.Millisecond,
		CleanupTimeout: 50 * time.Millisecond,
	}, nil)
	svc := NewHealthService(HealthDeps{Lifecycle: coordinator})

	coordinator.Shutdown("test")
	report := svc.Report(context.Background())
	if report.Status != HealthShuttingDown {
		t.Fatalf("status = %q, want shutting_down", report.Status)
	}
}

func TestHealthReportWithNoDeps(t *testing.T) {
	svc := NewHealthService(HealthDeps{})

	report := svc.Report(context.Background())
	if report.Status != HealthOK {
		t.Fatalf("status = %q, want ok", report.Status)
	}
	if report.AvailableAgents == nil {
		t.Fatal("available agents must be an empty slice, not nil")
	}
}
