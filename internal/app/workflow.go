package app

import (
	"context"
	"log/slog"

	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/sla"
)

// Workflow is the lifecycle collaborator around the engine: it creates tasks
// and runs transitions, and keeps SLA windows in step with them.
type Workflow struct {
	Engine engine.Engine
	SLA    sla.Manager
	Logger *slog.Logger
}

func (w Workflow) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func taskClosed(s domain.TaskState) bool {
	return s == domain.TaskCompleted || s == domain.TaskCancelled
}

// CreateTask creates the task and starts its SLA window. The task is
// committed before tracking starts, so an SLA failure is logged and the task
// still returned.
func (w Workflow) CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.Task, error) {
	t, err := w.Engine.CreateTask(ctx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	// An automation redelivery may hand back a task that has already closed.
	if taskClosed(t.State) {
		return t, nil
	}
	if _, err := w.SLA.StartTracking(ctx, t.ID, t.Type); err != nil {
		w.log().Error("start sla tracking", "task_id", t.ID, "task_type", t.Type, "error", err)
	}
	return t, nil
}

func (w Workflow) CreateActionPlan(ctx context.Context, opts engine.ActionPlanCreateOptions) (domain.ActionPlan, error) {
	return w.Engine.CreateActionPlan(ctx, opts)
}

func (w Workflow) ValidateTransition(entityType, current, target string) engine.Validation {
	return w.Engine.ValidateTransition(entityType, current, target)
}

// ExecuteTransition runs the transition and, when a task reaches completed
// or cancelled, stops its SLA window. SLA failures after a committed
// transition are logged, not returned.
func (w Workflow) ExecuteTransition(ctx context.Context, req engine.TransitionRequest) (engine.Result, error) {
	res, err := w.Engine.ExecuteTransition(ctx, req)
	if err != nil || !res.Applied {
		return res, err
	}
	if req.EntityType == domain.EntityTask && taskClosed(domain.TaskState(res.NewState)) {
		rec, err := w.SLA.CompleteTracking(ctx, req.EntityID)
		if err != nil {
			w.log().Error("complete sla tracking", "task_id", req.EntityID, "error", err)
		} else if rec != nil {
			w.log().Debug("sla closed", "task_id", req.EntityID, "breached", rec.Breached)
		}
	}
	return res, nil
}
