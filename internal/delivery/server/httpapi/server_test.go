package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"foreman/internal/delivery/server/app"
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

type harness struct {
	server     *Server
	lifecycle  *lifecycle.Coordinator
	limiter    *ratelimit.Limiter
	tasks      *task.Registry
	projectDir string
}

func newHarness(t *testing.T) *harness {
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
	children := supervisor.New(nil)
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, nil)
	breakers := errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig())
	pool := dispatch.New(dispatch.Config{Workers: 3}, dispatch.Deps{
		Tasks:      taskRegistry,
		Agents:     registry,
		Supervisor: children,
		Limiter:    limiter,
		Breakers:   breakers,
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

	dispatcher := tools.NewDispatcher(tools.Deps{
		Tasks:     taskService,
		Workflow:  flowService,
		Health:    healthService,
		Lifecycle: coordinator,
	})

	server := NewServer(Config{}, Deps{
		Dispatcher: dispatcher,
		Workflow:   flowService,
		Tasks:      taskRegistry,
		Limiter:    limiter,
		Lifecycle:  coordinator,
	})
	return &harness{
		server:     server,
		lifecycle:  coordinator,
		limiter:    limiter,
		tasks:      taskRegistry,
		projectDir: projectDir,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func envelopeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %q", rec.Body.String())
	}
	code, _ := envelope["code"].(string)
	if envelope["message"] == "" {
		t.Fatalf("envelope without message: %v", envelope)
	}
	return code
}

func TestDelegateTaskEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"task_description": "wire the exporter",
		"task_type":        "echo-work",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != string(task.StatusQueued) {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["task_id"] == "" {
		t.Fatalf("no task_id in %v", body)
	}
	if rec.Header().Get(correlationHeader) == "" {
		t.Fatal("response missing correlation header")
	}
}

func TestDelegateTaskValidationMapsTo400(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tasks", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := envelopeCode(t, rec); code != string(errors.KindValidation) {
		t.Fatalf("envelope code = %q, want Validation", code)
	}
}

func TestTaskStatusEndpointNotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/tasks/task-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := envelopeCode(t, rec); code != string(errors.KindNotFound) {
		t.Fatalf("envelope code = %q, want NotFound", code)
	}
}

func TestCancelEndpointConflictOnRepeat(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"task_description": "cancel me", "task_type": "echo-work",
	})
	taskID := decodeBody(t, rec)["task_id"].(string)

	rec = h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["cancelled"] != true {
		t.Fatalf("cancel body = %v", body)
	}

	rec = h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat cancel status = %d, want 409", rec.Code)
	}
	if code := envelopeCode(t, rec); code != string(errors.KindTerminalState) {
		t.Fatalf("envelope code = %q, want TerminalState", code)
	}
}

func TestGenericToolEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tools/getWorkerStats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["max_workers"] != float64(3) {
		t.Fatalf("max_workers = %v", body["max_workers"])
	}

	rec = h.do(t, http.MethodPost, "/api/tools/reticulateSplines", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tool status = %d, want 404", rec.Code)
	}
}

func TestToolListEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/tools", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), tools.ToolDelegateTask) {
		t.Fatalf("tool list missing delegateTask: %s", rec.Body.String())
	}
}

func TestWorkerStatsAndListEndpoints(t *testing.T) {
	h := newHarness(t)

	h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"task_description": "a", "task_type": "echo-work",
	})

	rec := h.do(t, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(1) {
		t.Fatalf("total = %v", body["total"])
	}

	rec = h.do(t, http.MethodGet, "/api/workers/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["queued"] != float64(1) {
		t.Fatalf("queued = %v", body["queued"])
	}
}

func TestFeatureEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/features", map[string]any{
		"project_path": h.projectDir,
		"user_prompt":  "add exports",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	started := decodeBody(t, rec)
	featureID := started["feature_id"].(string)
	if started["phase"] != "define" {
		t.Fatalf("phase = %v", started["phase"])
	}

	rec = h.do(t, http.MethodPost, "/api/features/"+featureID+"/phases", map[string]any{
		"project_path": h.projectDir,
		"phase_id":     "define",
		"results":      map[string]any{"definition": "a csv button"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["next_phase"] != "decompose" {
		t.Fatalf("next_phase = %v", body["next_phase"])
	}

	// Same phase again: conflict.
	rec = h.do(t, http.MethodPost, "/api/features/"+featureID+"/phases", map[string]any{
		"project_path": h.projectDir,
		"phase_id":     "define",
		"results":      map[string]any{"definition": "again"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name": "second", "path": t.TempDir(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/api/projects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(2) {
		t.Fatalf("total = %v", body["total"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != app.HealthOK {
		t.Fatalf("health = %v", body["status"])
	}
}

func TestShutdownReturns503(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.Shutdown("test")

	rec := h.do(t, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if code := envelopeCode(t, rec); code != string(errors.KindShuttingDown) {
		t.Fatalf("envelope code = %q, want ShuttingDown", code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newHarness(t)
	h.limiter.Configure("http:192.0.2.1", 2, 0.001)

	paths := 0
	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodGet, "/api/workers/stats", nil)
		if rec.Code == http.StatusOK {
			paths++
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
		if code := envelopeCode(t, rec); code != string(errors.KindRateLimited) {
			t.Fatalf("envelope code = %q, want RateLimited", code)
		}
	}
	if paths != 2 {
		t.Fatalf("admitted %d requests, want 2", paths)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEventsWebsocketStreamsTransitions(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A queued-to-cancelled transition is the simplest observable event.
	rec := h.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"task_description": "watch me", "task_type": "echo-work",
	})
	taskID := decodeBody(t, rec)["task_id"].(string)
	h.do(t, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event task.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Task.TaskID != taskID {
		t.Fatalf("event task = %s, want %s", event.Task.TaskID, taskID)
	}
	if event.From != task.StatusQueued || event.To != task.StatusCancelled {
		t.Fatalf("event transition = %s -> %s", event.From, event.To)
	}
}
