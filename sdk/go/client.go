package swarmsdk

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

// Client is a minimal swarm control API client.
type Client struct {
	BaseURL  string
	BasePath string
	// Token is sent as a bearer credential: an API key or an operator JWT.
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Warnings receives the key expiry warning header when the server sends one.
	Warnings func(msg string)
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Token:    token,
		Timeout:  10 * time.Second,
	}
}

// TaskAccepted is returned when a task is queued.
type TaskAccepted struct {
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

type TaskRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	HandledAt time.Time `json:"handled_at"`
	Result    string    `json:"result"`
	Message   string    `json:"message,omitempty"`
}

type Approval struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Status      string         `json:"status"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Note        string         `json:"note,omitempty"`
}

type Decision struct {
	Approval Approval `json:"approval"`
	Replayed *Task    `json:"replayed_task,omitempty"`
}

type AgentRuntime struct {
	Status        string     `json:"status"`
	TaskCount     int        `json:"task_count"`
	ErrorCount    int        `json:"error_count"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type Agent struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	ModelTier     string                     `json:"model_tier,omitempty"`
	TaskType      string                     `json:"task_type,omitempty"`
	Permissions   map[string]map[string]bool `json:"permissions"`
	Runtime       AgentRuntime               `json:"runtime"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
}

type Delivery struct {
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	SentAt         time.Time       `json:"sent_at"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

type SweepResult struct {
	Attempted int            `json:"attempted"`
	Outcomes  map[string]int `json:"outcomes"`
	Skipped   bool           `json:"skipped,omitempty"`
}

type Invocation struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	CapabilityID string         `json:"capability_id"`
	Args         map[string]any `json:"args,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Allowed      bool           `json:"allowed"`
	Reason       string         `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TriggerTask enqueues a task.
func (c *Client) TriggerTask(ctx context.Context, taskType string, payload map[string]any) (TaskAccepted, error) {
	var resp TaskAccepted
	err := c.do(ctx, http.MethodPost, "tasks", map[string]any{"type": taskType, "payload": payload}, &resp)
	return resp, err
}

func (c *Client) TaskHistory(ctx context.Context, limit int) ([]TaskRecord, error) {
	var resp struct {
		Items []TaskRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks/history", "limit", limitParam(limit)), nil, &resp)
	return resp.Items, err
}

// PendingApprovals lists approvals awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "approvals", nil, &resp)
	return resp.Items, err
}

// Decide approves or rejects a pending task.
func (c *Client) Decide(ctx context.Context, taskID, decision, actor, note string, replay bool) (Decision, error) {
	body := map[string]any{"decision": decision, "replay": replay}
	if actor != "" {
		body["actor"] = actor
	}
	if note != "" {
		body["note"] = note
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decision", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Items, err
}

// Deliveries lists delivery records, optionally filtered by stream and status.
func (c *Client) Deliveries(ctx context.Context, kind, status string) ([]Delivery, error) {
	var resp struct {
		Items []Delivery `json:"items"`
	}
	endpoint := withQuery(withQuery("deliveries", "kind", kind), "status", status)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Sweep(ctx context.Context) (map[string]SweepResult, error) {
	var resp map[string]SweepResult
	err := c.do(ctx, http.MethodPost, "deliveries/sweep", nil, &resp)
	return resp, err
}

// Requeue moves a dead-lettered record back to retrying.
func (c *Client) Requeue(ctx context.Context, kind, key string) (Delivery, error) {
	var resp Delivery
	endpoint := fmt.Sprintf("deliveries/%s/%s/requeue", url.PathEscape(kind), url.PathEscape(key))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Invocations(ctx context.Context, agentID string, limit int) ([]Invocation, error) {
	var resp struct {
		Items []Invocation `json:"items"`
	}
	endpoint := withQuery(withQuery("invocations", "agent_id", agentID), "limit", limitParam(limit))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Status returns the raw status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if w := resp.Header.Get("X-Api-Key-Warning"); w != "" && c.Warnings != nil {
		c.Warnings(w)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + key + "=" + url.QueryEscape(value)
}

func limitParam(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprint(n)
}
