package orionsdk

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
)

// Client is a minimal Orionboard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	LeaseOwner     string `json:"lease_owner,omitempty"`
	LeaseExpiresAt string `json:"lease_expires_at,omitempty"`
}

// Lease is the ownership grant returned by claim and heartbeat.
type Lease struct {
	OwnerID        string `json:"owner_id"`
	LeaseToken     string `json:"lease_token"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	LeaseSec       int    `json:"lease_sec"`
}

// Worker represents a registered orion instance.
type Worker struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	LastHeartbeatAt string `json:"last_heartbeat_at"`
	TasksCompleted  int    `json:"tasks_completed"`
	CurrentTask     string `json:"current_task,omitempty"`
	Alive           bool   `json:"alive,omitempty"`
}

// TaskResult pairs the affected task with the document version the commit
// produced.
type TaskResult struct {
	Task    Task  `json:"task"`
	Version int64 `json:"version"`
}

// ClaimResult extends TaskResult with the granted lease.
type ClaimResult struct {
	Task    Task  `json:"task"`
	Lease   Lease `json:"lease"`
	Version int64 `json:"version"`
}

// WorkerResult pairs a worker registration with the document version.
type WorkerResult struct {
	Worker  Worker `json:"worker"`
	Version int64  `json:"version"`
}

// Metrics mirrors the /metrics payload.
type Metrics struct {
	Version           int64   `json:"version"`
	TasksTotal        int     `json:"tasks_total"`
	TasksDone         int     `json:"tasks_done"`
	TasksInProgress   int     `json:"tasks_in_progress"`
	TasksBlocked      int     `json:"tasks_blocked"`
	TasksLeased       int     `json:"tasks_leased"`
	CompletionRate    float64 `json:"completion_rate"`
	WorkersRegistered int     `json:"workers_registered"`
	WorkersAlive      int     `json:"workers_alive"`
}

// APIError wraps non-2xx responses. Code carries the machine-readable error
// code (LEASE_CONFLICT, VERSION_CONFLICT, ...) when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a retryable concurrency outcome.
func (e *APIError) IsConflict() bool {
	switch e.Code {
	case "VERSION_CONFLICT", "LEASE_CONFLICT", "LEASE_EXPIRED":
		return true
	}
	return false
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, opts map[string]any) (TaskResult, error) {
	body := map[string]any{"title": title}
	for k, v := range opts {
		body[k] = v
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status or assignee.
func (c *Client) ListTasks(ctx context.Context, status, assignedTo string) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if assignedTo != "" {
		q.Set("assigned_to", assignedTo)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ClaimTask claims an exclusive lease on a task. LeaseSec 0 uses the server
// default.
func (c *Client) ClaimTask(ctx context.Context, taskID, ownerID string, leaseSec int) (ClaimResult, error) {
	body := map[string]any{"owner_id": ownerID}
	if leaseSec > 0 {
		body["lease_sec"] = leaseSec
	}
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/claim", body, &resp)
	return resp, err
}

// HeartbeatLease renews a held lease.
func (c *Client) HeartbeatLease(ctx context.Context, taskID, ownerID, leaseToken string) (ClaimResult, error) {
	body := map[string]any{"owner_id": ownerID, "lease_token": leaseToken}
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/lease/heartbeat", body, &resp)
	return resp, err
}

// ReleaseLease releases a held lease, optionally setting the next status.
func (c *Client) ReleaseLease(ctx context.Context, taskID, ownerID, leaseToken, nextStatus string) (TaskResult, error) {
	body := map[string]any{"owner_id": ownerID, "lease_token": leaseToken}
	if nextStatus != "" {
		body["next_status"] = nextStatus
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/release", body, &resp)
	return resp, err
}

// ForceRelease reclaims a task whose lease expiry has lapsed.
func (c *Client) ForceRelease(ctx context.Context, taskID, actorID, reason string) (TaskResult, error) {
	body := map[string]any{
		"force_if_expired": true,
		"actor_id":         actorID,
		"reason":           reason,
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/release", body, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task to a new status. Owner and token are
// required while the task carries an active lease.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, ownerID, leaseToken string) (TaskResult, error) {
	body := map[string]any{"status": status}
	if ownerID != "" {
		body["owner_id"] = ownerID
	}
	if leaseToken != "" {
		body["lease_token"] = leaseToken
	}
	var resp TaskResult
	err := c.do(ctx, http.MethodPatch, "v0/tasks/"+url.PathEscape(taskID)+"/status", body, &resp)
	return resp, err
}

// RegisterOrion registers (or re-registers) a worker instance.
func (c *Client) RegisterOrion(ctx context.Context, workerID string, config map[string]any, ttlSec int) (WorkerResult, error) {
	body := map[string]any{"worker_id": workerID}
	if config != nil {
		body["config"] = config
	}
	if ttlSec > 0 {
		body["lease_ttl_sec"] = ttlSec
	}
	var resp WorkerResult
	err := c.do(ctx, http.MethodPost, "v0/orions", body, &resp)
	return resp, err
}

// HeartbeatOrion refreshes a worker registration.
func (c *Client) HeartbeatOrion(ctx context.Context, workerID string, body map[string]any) (WorkerResult, error) {
	if body == nil {
		body = map[string]any{}
	}
	var resp WorkerResult
	err := c.do(ctx, http.MethodPost, "v0/orions/"+url.PathEscape(workerID)+"/heartbeat", body, &resp)
	return resp, err
}

// ListOrions lists worker registrations with derived liveness.
func (c *Client) ListOrions(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/orions", nil, &resp)
	return resp.Items, err
}

// Snapshot returns the raw board document.
func (c *Client) Snapshot(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/snapshot", nil, &resp)
	return resp, err
}

// Metrics returns the board counters.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "v0/metrics", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
