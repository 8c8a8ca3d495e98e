// Package client is the typed Go client of the orchestration API. The CLI
// talks to a running server through it; payload shapes are imported from the
// server-side packages so the two sides cannot drift apart.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"foreman/internal/async"
	"foreman/internal/delivery/server/app"
	"foreman/internal/dispatch"
	"foreman/internal/domain/project"
	"foreman/internal/domain/task"
	"foreman/internal/errors"
	"foreman/internal/httpclient"
	"foreman/internal/logging"
	"foreman/internal/shared/utils/id"
)

// DefaultBaseURL matches the server's default listen address.
const DefaultBaseURL = "http://localhost:8080"

const (
	correlationHeader = "X-Correlation-ID"
	maxResponseBytes  = 8 << 20
	eventBuffer       = 16
)

// Config shapes a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration
	// HTTPClient replaces the breaker-guarded default when set.
	HTTPClient *http.Client
}

// Client calls one orchestration server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logging.Logger
}

// New validates the base URL and builds the client. Unless overridden, the
// underlying transport carries a circuit breaker so a dead server is
// reported immediately after a few failures.
func New(config Config, logger logging.Logger) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Validationf("invalid server url %q: %v", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Validationf("server url %q must use http or https", raw)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewWithBreaker(config.Timeout, logger, "foreman-api")
	}
	return &Client{
		base:   base,
		http:   httpClient,
		logger: logging.OrNop(logger),
	}, nil
}

// BaseURL reports the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status        int
	Envelope      errors.Envelope
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Envelope.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Envelope.Code, e.Envelope.Message)
}

// AsAPIError extracts an APIError from anywhere in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// do runs one request against the server. Every call carries a correlation
// id; non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	_, correlationID := id.EnsureCorrelationID(ctx)
	req.Header.Set(correlationHeader, correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadBody(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError tolerates bodies that are not the envelope, such as proxy
// error pages, and falls back to the status text.
func decodeAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Status:        resp.StatusCode,
		CorrelationID: resp.Header.Get(correlationHeader),
	}
	var wire struct {
		Error errors.Envelope `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil {
		apiErr.Envelope = wire.Error
	}
	if apiErr.Envelope.Message == "" {
		apiErr.Envelope.Message = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	return apiErr
}

// DelegateSpec describes one task delegation. Only Description is required;
// the server fills in the defaults.
type DelegateSpec struct {
	Description    string
	Type           string
	ProjectPath    string
	Context        map[string]string
	PreferredAgent string
}

// DelegateTask submits a task and returns its receipt.
func (c *Client) DelegateTask(ctx context.Context, spec DelegateSpec) (app.DelegateReceipt, error) {
	body := map[string]any{"task_description": spec.Description}
	if spec.Type != "" {
		body["task_type"] = spec.Type
	}
	if spec.ProjectPath != "" {
		body["project_path"] = spec.ProjectPath
	}
	if len(spec.Context) > 0 {
		body["context"] = spec.Context
	}
	if spec.PreferredAgent != "" {
		body["preferred_agent"] = spec.PreferredAgent
	}
	var receipt app.DelegateReceipt
	err := c.do(ctx, http.MethodPost, "/api/tasks", body, &receipt)
	return receipt, err
}

// TaskStatus fetches the full record of one task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (task.Task, error) {
	var record task.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &record)
	return record, err
}

// ActiveTasks lists every task still queued or running.
func (c *Client) ActiveTasks(ctx context.Context) (app.TaskList, error) {
	var list app.TaskList
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &list)
	return list, err
}

// CancelTask stops a task. Cancelling one that already finished returns an
// APIError carrying the TerminalState code.
func (c *Client) CancelTask(ctx context.Context, taskID string) (app.CancelReceipt, error) {
	var receipt app.CancelReceipt
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &receipt)
	return receipt, err
}

// WorkerStats samples the worker pool counters.
func (c *Client) WorkerStats(ctx context.Context) (dispatch.Stats, error) {
	var stats dispatch.Stats
	err := c.do(ctx, http.MethodGet, "/api/workers/stats", nil, &stats)
	return stats, err
}

// StartFeature begins a workflow for the project registered at projectPath.
func (c *Client) StartFeature(ctx context.Context, projectPath, prompt, workflowType string) (app.FeatureReceipt, error) {
	body := map[string]any{
		"project_path": projectPath,
		"user_prompt":  prompt,
	}
	if workflowType != "" {
		body["workflow_type"] = workflowType
	}
	var receipt app.FeatureReceipt
	err := c.do(ctx, http.MethodPost, "/api/features", body, &receipt)
	return receipt, err
}

// SubmitWork records the artifacts for a feature's current phase and
// advances it.
func (c *Client) SubmitWork(ctx context.Context, projectPath, featureID, phaseID string, results map[string]any) (app.WorkReceipt, error) {
	body := map[string]any{
		"project_path": projectPath,
		"phase_id":     phaseID,
	}
	if len(results) > 0 {
		body["results"] = results
	}
	var receipt app.WorkReceipt
	err := c.do(ctx, http.MethodPost, "/api/features/"+url.PathEscape(featureID)+"/phases", body, &receipt)
	return receipt, err
}

// RegisterProject adds a project directory to the server's registry.
func (c *Client) RegisterProject(ctx context.Context, name, path string) (project.Project, error) {
	var registered project.Project
	err := c.do(ctx, http.MethodPost, "/api/projects", map[string]any{
		"name": name,
		"path": path,
	}, &registered)
	return registered, err
}

// ProjectList mirrors the project listing payload.
type ProjectList struct {
	Total    int               `json:"total"`
	Projects []project.Project `json:"projects"`
}

// Projects lists every registered project.
func (c *Client) Projects(ctx context.Context) (ProjectList, error) {
	var list ProjectList
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &list)
	return list, err
}

// Health fetches the server's aggregated health report.
func (c *Client) Health(ctx context.Context) (app.HealthReport, error) {
	var report app.HealthReport
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &report)
	return report, err
}

// Tools lists the remotely callable tool names.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	var wire struct {
		Tools []string `json:"tools"`
	}
	err := c.do(ctx, http.MethodGet, "/api/tools", nil, &wire)
	return wire.Tools, err
}

// WatchEvents opens the task transition feed. Events arrive on the returned
// channel until the context ends, stop is called, or the server closes the
// feed; the channel closes when the feed does.
func (c *Client) WatchEvents(ctx context.Context) (<-chan task.Event, func(), error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.eventsURL(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial events feed: %w", err)
	}

	watchCtx, stop := context.WithCancel(ctx)
	events := make(chan task.Event, eventBuffer)

	async.Go(c.logger, "events-feed-close", func() {
		<-watchCtx.Done()
		conn.Close()
	})
	async.Go(c.logger, "events-feed-read", func() {
		defer close(events)
		defer stop()
		for {
			var event task.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case events <- event:
			case <-watchCtx.Done():
				return
			}
		}
	})
	return events, stop, nil
}

func (c *Client) eventsURL() string {
	feed := *c.base
	switch feed.Scheme {
	case "https":
		feed.Scheme = "wss"
	default:
		feed.Scheme = "ws"
	}
	feed.Path = strings.TrimRight(feed.Path, "/") + "/api/events"
	return feed.String()
}
