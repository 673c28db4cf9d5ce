// Package api is the REST client for the dashboard server. Its read methods are
// the data sources behind the view's pollers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markus-barta/agentboard/internal/company"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// Source defines the dashboard operations the live view depends on.
// This interface allows for easy mocking in tests.
type Source interface {
	Stats(ctx context.Context) (company.Stats, error)
	Tasks(ctx context.Context) ([]company.Task, error)
	Agents(ctx context.Context) ([]company.Agent, error)
	Settings(ctx context.Context) (company.Settings, error)
	SaveSettings(ctx context.Context, s company.Settings) (company.Settings, error)
	CLIStatus(ctx context.Context, refresh bool) (company.CLIStatus, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Message)
}

// Client talks to the dashboard REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the dashboard at baseURL, e.g. http://localhost:8000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the dashboard origin this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stats returns the company overview.
func (c *Client) Stats(ctx context.Context) (company.Stats, error) {
	var stats company.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return company.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	return stats, nil
}

// Tasks returns all tasks, most recently updated first.
func (c *Client) Tasks(ctx context.Context) ([]company.Task, error) {
	var resp struct {
		Tasks []company.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &resp); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return resp.Tasks, nil
}

// Agents returns all agents with their department.
func (c *Client) Agents(ctx context.Context) ([]company.Agent, error) {
	var resp struct {
		Agents []company.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return resp.Agents, nil
}

// Departments returns all departments in display order.
func (c *Client) Departments(ctx context.Context) ([]company.Department, error) {
	var resp struct {
		Departments []company.Department `json:"departments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/departments", nil, &resp); err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	return resp.Departments, nil
}

// Settings returns the company settings.
func (c *Client) Settings(ctx context.Context) (company.Settings, error) {
	var s company.Settings
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &s); err != nil {
		return company.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// SaveSettings replaces the company settings and returns the stored values.
func (c *Client) SaveSettings(ctx context.Context, s company.Settings) (company.Settings, error) {
	var saved company.Settings
	if err := c.do(ctx, http.MethodPut, "/api/settings", s, &saved); err != nil {
		return company.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return saved, nil
}

// CLIStatus returns the provider CLI probe results. refresh bypasses the
// server-side cache.
func (c *Client) CLIStatus(ctx context.Context, refresh bool) (company.CLIStatus, error) {
	path := "/api/cli-status"
	if refresh {
		path += "?" + url.Values{"refresh": {"1"}}.Encode()
	}

	var status company.CLIStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, fmt.Errorf("get cli status: %w", err)
	}
	return status, nil
}

// NewTask is the body of a task creation request.
type NewTask struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DepartmentID    string `json:"department_id,omitempty"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// CreateTask creates a task in the inbox.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (company.Task, error) {
	var created company.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", t, &created); err != nil {
		return company.Task{}, fmt.Errorf("create task: %w", err)
	}
	return created, nil
}

// TaskPatch holds the fields of a partial task update; nil fields are unchanged.
type TaskPatch struct {
	Title           *string             `json:"title,omitempty"`
	Description     *string             `json:"description,omitempty"`
	Status          *company.TaskStatus `json:"status,omitempty"`
	AssignedAgentID *string             `json:"assigned_agent_id,omitempty"`
	Priority        *int                `json:"priority,omitempty"`
}

// UpdateTask applies patch to the task with the given id.
func (c *Client) UpdateTask(ctx context.Context, id string, patch TaskPatch) (company.Task, error) {
	var updated company.Task
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), patch, &updated); err != nil {
		return company.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return updated, nil
}

// AgentPatch holds the fields of a partial agent update.
type AgentPatch struct {
	Status        *company.AgentStatus `json:"status,omitempty"`
	CurrentTaskID *string              `json:"current_task_id,omitempty"`
	CLIProvider   *string              `json:"cli_provider,omitempty"`
}

// UpdateAgent applies patch to the agent with the given id.
func (c *Client) UpdateAgent(ctx context.Context, id string, patch AgentPatch) (company.Agent, error) {
	var updated company.Agent
	if err := c.do(ctx, http.MethodPatch, "/api/agents/"+url.PathEscape(id), patch, &updated); err != nil {
		return company.Agent{}, fmt.Errorf("update agent %s: %w", id, err)
	}
	return updated, nil
}

// do executes one JSON request. body and result may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Method:  method,
			Path:    req.URL.Path,
			Code:    resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failure body, falling back to
// the trimmed raw text.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Ensure Client implements Source.
var _ Source = (*Client)(nil)
