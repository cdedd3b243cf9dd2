package server

import (
	"time"

	"readiness/internal/domain"
)

// Request payloads

type ValidateTransitionRequest struct {
	EntityType   string `json:"entity_type"`
	CurrentState string `json:"current_state"`
	TargetState  string `json:"target_state"`
}

type ExecuteTransitionRequest struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	TargetState string         `json:"target_state"`
	Context     map[string]any `json:"context,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type CreateTaskRequest struct {
	ID            string     `json:"id,omitempty"`
	ActionPlanID  string     `json:"action_plan_id,omitempty"`
	Type          string     `json:"type"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	Priority      string     `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	SLADeadlineAt *time.Time `json:"sla_deadline_at,omitempty"`
}

type CreateActionPlanRequest struct {
	ID           string `json:"id,omitempty"`
	ClientID     string `json:"client_id"`
	SupersedesID string `json:"supersedes_id,omitempty"`
}

// Responses

type ValidationResponse struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

type TransitionResponse struct {
	Applied       bool   `json:"applied"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	EventID       string `json:"event_id"`
}

type TaskResponse struct {
	ID            string     `json:"id"`
	ActionPlanID  string     `json:"action_plan_id,omitempty"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	SLADeadlineAt *time.Time `json:"sla_deadline_at,omitempty"`
	OriginEventID string     `json:"origin_event_id,omitempty"`
	OriginRuleID  string     `json:"origin_rule_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type ActionPlanResponse struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	Version      int        `json:"version"`
	State        string     `json:"state"`
	SupersedesID string     `json:"supersedes_id,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

type SLARecordResponse struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	TargetMinutes int        `json:"target_minutes"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	Breached      bool       `json:"breached"`
	ActualMinutes *float64   `json:"actual_minutes,omitempty"`
}

type SLAListResponse struct {
	Items []SLARecordResponse `json:"items"`
}

type EventResponse struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventData     map[string]any `json:"event_data" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

type StatsResponse struct {
	TasksByState       map[string]int `json:"tasks_by_state"`
	ActionPlansByState map[string]int `json:"action_plans_by_state"`
	SLABreaches        int            `json:"sla_breaches"`
	ActiveSLARecords   int            `json:"active_sla_records"`
	UnprocessedEvents  int            `json:"unprocessed_events"`
	FailingEvents      int            `json:"failing_events"`
	CollectedAt        time.Time      `json:"collected_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		ActionPlanID:  t.ActionPlanID,
		Type:          t.Type,
		State:         string(t.State),
		AssignedTo:    t.AssignedTo,
		Priority:      t.Priority,
		DueAt:         t.DueAt,
		SLADeadlineAt: t.SLADeadlineAt,
		OriginEventID: t.OriginEventID,
		OriginRuleID:  t.OriginRuleID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func actionPlanResponse(p domain.ActionPlan) ActionPlanResponse {
	return ActionPlanResponse{
		ID:           p.ID,
		ClientID:     p.ClientID,
		Version:      p.Version,
		State:        string(p.State),
		SupersedesID: p.SupersedesID,
		CreatedBy:    p.CreatedBy,
		CreatedAt:    p.CreatedAt,
		PublishedAt:  p.PublishedAt,
		ArchivedAt:   p.ArchivedAt,
	}
}

func mapSLARecords(items []domain.SLARecord) []SLARecordResponse {
	out := make([]SLARecordResponse, 0, len(items))
	for _, r := range items {
		out = append(out, SLARecordResponse{
			ID:            r.ID,
			TaskID:        r.TaskID,
			TargetMinutes: r.TargetMinutes,
			StartedAt:     r.StartedAt,
			StoppedAt:     r.StoppedAt,
			Breached:      r.Breached,
			ActualMinutes: r.ActualMinutes,
		})
	}
	return out
}

func mapEvents(items []domain.OutboxEvent) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:            e.ID,
			EventType:     e.EventType,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventData:     e.EventData,
			CreatedAt:     e.CreatedAt,
			ProcessedAt:   e.ProcessedAt,
			Attempts:      e.Attempts,
			LastError:     e.LastError,
		})
	}
	return out
}

func statsResponse(st domain.WorkflowStats) StatsResponse {
	return StatsResponse{
		TasksByState:       st.TasksByState,
		ActionPlansByState: st.ActionPlansByState,
		SLABreaches:        st.SLABreaches,
		ActiveSLARecords:   st.ActiveSLARecords,
		UnprocessedEvents:  st.UnprocessedEvents,
		FailingEvents:      st.FailingEvents,
		CollectedAt:        st.CollectedAt,
	}
}
