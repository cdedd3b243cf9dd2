package readinesssdk

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

// Client is a minimal Readiness HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID            string     `json:"id"`
	ActionPlanID  string     `json:"action_plan_id,omitempty"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	OriginEventID string     `json:"origin_event_id,omitempty"`
	OriginRuleID  string     `json:"origin_rule_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ActionPlan represents a versioned client plan.
type ActionPlan struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	Version      int    `json:"version"`
	State        string `json:"state"`
	SupersedesID string `json:"supersedes_id,omitempty"`
	CreatedBy    string `json:"created_by"`
}

// Validation is the outcome of a dry-run transition check.
type Validation struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// TransitionResult is returned for an applied transition.
type TransitionResult struct {
	Applied       bool   `json:"applied"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	EventID       string `json:"event_id"`
}

// SLARecord is one SLA window of a task.
type SLARecord struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	TargetMinutes int        `json:"target_minutes"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	Breached      bool       `json:"breached"`
	ActualMinutes *float64   `json:"actual_minutes,omitempty"`
}

// Event represents an outbox entry.
type Event struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventData     map[string]any `json:"event_data"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
}

// Stats is the workflow statistics snapshot.
type Stats struct {
	TasksByState       map[string]int `json:"tasks_by_state"`
	ActionPlansByState map[string]int `json:"action_plans_by_state"`
	SLABreaches        int            `json:"sla_breaches"`
	ActiveSLARecords   int            `json:"active_sla_records"`
	UnprocessedEvents  int            `json:"unprocessed_events"`
	FailingEvents      int            `json:"failing_events"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateTaskInput holds the optional fields of a new task.
type CreateTaskInput struct {
	ActionPlanID string `json:"action_plan_id,omitempty"`
	Type         string `json:"type"`
	AssignedTo   string `json:"assigned_to,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by state and type.
func (c *Client) ListTasks(ctx context.Context, state, taskType string) ([]Task, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if taskType != "" {
		q.Set("type", taskType)
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// TaskSLA returns the SLA records of a task.
func (c *Client) TaskSLA(ctx context.Context, taskID string) ([]SLARecord, error) {
	var resp struct {
		Items []SLARecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/sla", url.PathEscape(taskID)), nil, &resp)
	return resp.Items, err
}

// CreateActionPlan creates a draft plan for a client.
func (c *Client) CreateActionPlan(ctx context.Context, clientID, supersedesID string) (ActionPlan, error) {
	body := map[string]any{"client_id": clientID}
	if supersedesID != "" {
		body["supersedes_id"] = supersedesID
	}
	var resp ActionPlan
	err := c.do(ctx, http.MethodPost, "action-plans", body, &resp)
	return resp, err
}

// GetActionPlan fetches a plan by id.
func (c *Client) GetActionPlan(ctx context.Context, id string) (ActionPlan, error) {
	var resp ActionPlan
	err := c.do(ctx, http.MethodGet, "action-plans/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ValidateTransition checks a transition without side effects.
func (c *Client) ValidateTransition(ctx context.Context, entityType, current, target string) (Validation, error) {
	body := map[string]any{
		"entity_type":   entityType,
		"current_state": current,
		"target_state":  target,
	}
	var resp Validation
	err := c.do(ctx, http.MethodPost, "transitions/validate", body, &resp)
	return resp, err
}

// Transition moves an entity to targetState.
func (c *Client) Transition(ctx context.Context, entityType, entityID, targetState string, details map[string]any) (TransitionResult, error) {
	body := map[string]any{
		"entity_type":  entityType,
		"entity_id":    entityID,
		"target_state": targetState,
	}
	if details != nil {
		body["context"] = details
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "transitions", body, &resp)
	return resp, err
}

// Events lists outbox events for an aggregate; all events when empty.
func (c *Client) Events(ctx context.Context, aggregateID string, pendingOnly bool, limit int) ([]Event, error) {
	q := url.Values{}
	if aggregateID != "" {
		q.Set("aggregate_id", aggregateID)
	}
	if pendingOnly {
		q.Set("pending", "true")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Stats returns the workflow statistics snapshot.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
