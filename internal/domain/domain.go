package domain

import "time"

// Entity types known to the workflow engine.
const (
	EntityTask       = "Task"
	EntityActionPlan = "ActionPlan"
)

type TaskState string

const (
	TaskNew        TaskState = "new"
	TaskInProgress TaskState = "in_progress"
	TaskBlocked    TaskState = "blocked"
	TaskCompleted  TaskState = "completed"
	TaskCancelled  TaskState = "cancelled"
)

type ActionPlanState string

const (
	PlanDraft    ActionPlanState = "draft"
	PlanActive   ActionPlanState = "active"
	PlanArchived ActionPlanState = "archived"
)

type Task struct {
	ID            string     `json:"id"`
	ActionPlanID  string     `json:"action_plan_id,omitempty"`
	Type          string     `json:"type"`
	State         TaskState  `json:"state" enum:"new,in_progress,blocked,completed,cancelled"`
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

type ActionPlan struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	Version      int             `json:"version"`
	State        ActionPlanState `json:"state" enum:"draft,active,archived"`
	SupersedesID string          `json:"supersedes_id,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
}

// OutboxEvent is a pending or processed state-change notification. It is
// appended in the same transaction as the state write and only ever mutated
// to record claims and processing.
type OutboxEvent struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	AggregateType  string         `json:"aggregate_type"`
	AggregateID    string         `json:"aggregate_id"`
	EventData      map[string]any `json:"event_data"`
	CreatedAt      time.Time      `json:"created_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time     `json:"claim_expires_at,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
}

// Pending reports whether the event still awaits dispatch.
func (e OutboxEvent) Pending() bool { return e.ProcessedAt == nil }

// StringData returns event_data[key] when it holds a string.
func (e OutboxEvent) StringData(key string) string {
	if e.EventData == nil {
		return ""
	}
	s, _ := e.EventData[key].(string)
	return s
}

type SLAConfig struct {
	TaskType      string `json:"task_type" yaml:"task_type"`
	TargetMinutes int    `json:"target_minutes" yaml:"target_minutes"`
}

type SLARecord struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	TargetMinutes int        `json:"target_minutes"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	Breached      bool       `json:"breached"`
	ActualMinutes *float64   `json:"actual_minutes,omitempty"`
}

// Open reports whether the SLA window is still running.
func (r SLARecord) Open() bool { return r.StoppedAt == nil }

// AutomationRun records that a rule's action completed for an event.
type AutomationRun struct {
	EventID   string    `json:"event_id"`
	RuleID    string    `json:"rule_id"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

type WorkflowStats struct {
	TasksByState       map[string]int `json:"tasks_by_state"`
	ActionPlansByState map[string]int `json:"action_plans_by_state"`
	SLABreaches        int            `json:"sla_breaches"`
	ActiveSLARecords   int            `json:"active_sla_records"`
	UnprocessedEvents  int            `json:"unprocessed_events"`
	FailingEvents      int            `json:"failing_events"`
	CollectedAt        time.Time      `json:"collected_at"`
}
