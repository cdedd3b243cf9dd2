package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/outbox"
	"readiness/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	ActionPlanID  string
	Type          string
	AssignedTo    string
	Priority      string
	DueAt         *time.Time
	SLADeadlineAt *time.Time
	ActorID       string
	// OriginEventID and OriginRuleID identify the automation that created the
	// task. Together they make creation idempotent.
	OriginEventID string
	OriginRuleID  string
}

// OriginTaskID derives a stable task id from the triggering event and rule.
func OriginTaskID(eventID, ruleID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventID+"|"+ruleID)).String()
}

// CreateTask inserts a task in its graph's initial state and appends a
// TaskCreated event in the same transaction. A repeated call with the same
// origin returns the task created the first time.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, errors.New("task type is required")
	}
	if (opts.OriginEventID == "") != (opts.OriginRuleID == "") {
		return domain.Task{}, errors.New("origin event and origin rule must be set together")
	}
	g, err := e.registry().Lookup(domain.EntityTask)
	if err != nil {
		return domain.Task{}, &ConfigurationError{EntityType: domain.EntityTask, Reason: "unknown entity type"}
	}
	if opts.ActionPlanID != "" {
		if _, err := e.Repo.GetActionPlan(ctx, opts.ActionPlanID); err != nil {
			return domain.Task{}, fmt.Errorf("action plan %s: %w", opts.ActionPlanID, err)
		}
	}
	if opts.OriginEventID != "" {
		existing, err := e.Repo.FindTaskByOrigin(ctx, opts.OriginEventID, opts.OriginRuleID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}

	id := opts.ID
	if id == "" {
		if opts.OriginEventID != "" {
			id = OriginTaskID(opts.OriginEventID, opts.OriginRuleID)
		} else {
			id = uuid.NewString()
		}
	}
	now := e.now()
	t := domain.Task{
		ID:            id,
		ActionPlanID:  opts.ActionPlanID,
		Type:          opts.Type,
		State:         domain.TaskState(g.Initial),
		AssignedTo:    opts.AssignedTo,
		Priority:      opts.Priority,
		DueAt:         opts.DueAt,
		SLADeadlineAt: opts.SLADeadlineAt,
		OriginEventID: opts.OriginEventID,
		OriginRuleID:  opts.OriginRuleID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		if db.IsUniqueViolation(err) && opts.OriginEventID != "" {
			tx.Rollback()
			return e.Repo.FindTaskByOrigin(ctx, opts.OriginEventID, opts.OriginRuleID)
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	payload := outbox.EventPayload{
		"state":          string(t.State),
		"task_type":      t.Type,
		"action_plan_id": t.ActionPlanID,
		"priority":       t.Priority,
		"actor_id":       opts.ActorID,
	}
	if t.OriginEventID != "" {
		payload["origin_event_id"] = t.OriginEventID
		payload["origin_rule_id"] = t.OriginRuleID
	}
	if _, err := e.Outbox.Append(ctx, tx, outbox.CreatedType(domain.EntityTask), domain.EntityTask, t.ID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Debug("task created", "task_id", t.ID, "type", t.Type, "origin_event_id", t.OriginEventID)
	return t, nil
}

type ActionPlanCreateOptions struct {
	ID           string
	ClientID     string
	SupersedesID string
	ActorID      string
}

// CreateActionPlan inserts a draft plan with the client's next version.
func (e Engine) CreateActionPlan(ctx context.Context, opts ActionPlanCreateOptions) (domain.ActionPlan, error) {
	if opts.ClientID == "" {
		return domain.ActionPlan{}, errors.New("client is required")
	}
	if opts.ActorID == "" {
		return domain.ActionPlan{}, errors.New("actor is required")
	}
	g, err := e.registry().Lookup(domain.EntityActionPlan)
	if err != nil {
		return domain.ActionPlan{}, &ConfigurationError{EntityType: domain.EntityActionPlan, Reason: "unknown entity type"}
	}
	if opts.SupersedesID != "" {
		prev, err := e.Repo.GetActionPlan(ctx, opts.SupersedesID)
		if err != nil {
			return domain.ActionPlan{}, fmt.Errorf("superseded plan %s: %w", opts.SupersedesID, err)
		}
		if prev.ClientID != opts.ClientID {
			return domain.ActionPlan{}, fmt.Errorf("superseded plan %s belongs to another client", opts.SupersedesID)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.NextPlanVersion(ctx, tx, opts.ClientID)
	if err != nil {
		return domain.ActionPlan{}, err
	}
	p := domain.ActionPlan{
		ID:           id,
		ClientID:     opts.ClientID,
		Version:      version,
		State:        domain.ActionPlanState(g.Initial),
		SupersedesID: opts.SupersedesID,
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertActionPlan(ctx, tx, p); err != nil {
		return domain.ActionPlan{}, fmt.Errorf("insert action plan: %w", err)
	}
	if _, err := e.Outbox.Append(ctx, tx, outbox.CreatedType(domain.EntityActionPlan), domain.EntityActionPlan, p.ID, outbox.EventPayload{
		"state":     string(p.State),
		"client_id": p.ClientID,
		"version":   p.Version,
		"actor_id":  opts.ActorID,
	}); err != nil {
		return domain.ActionPlan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionPlan{}, err
	}
	return p, nil
}
