package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/repo"
)

// Snapshot is an entity's persisted state plus the attributes copied into
// its StateChanged event.
type Snapshot struct {
	State string
	Data  map[string]any
}

// EntityStore persists one entity type for the engine. CompareAndSet must
// only write when the stored state still equals from, and report false
// otherwise.
type EntityStore interface {
	Load(ctx context.Context, id string) (Snapshot, error)
	CompareAndSet(ctx context.Context, tx *sql.Tx, id, from, to string, at time.Time) (bool, error)
}

// Rejection is returned by an EntityStore when a business rule enforced at
// write time refuses the transition.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

type TaskStore struct {
	Repo repo.Repo
}

func (s TaskStore) Load(ctx context.Context, id string) (Snapshot, error) {
	t, err := s.Repo.GetTask(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		State: string(t.State),
		Data: map[string]any{
			"task_type":      t.Type,
			"action_plan_id": t.ActionPlanID,
		},
	}, nil
}

func (s TaskStore) CompareAndSet(ctx context.Context, tx *sql.Tx, id, from, to string, at time.Time) (bool, error) {
	return s.Repo.CompareAndSetTaskState(ctx, tx, id, from, to, at)
}

type ActionPlanStore struct {
	Repo repo.Repo
}

func (s ActionPlanStore) Load(ctx context.Context, id string) (Snapshot, error) {
	p, err := s.Repo.GetActionPlan(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		State: string(p.State),
		Data: map[string]any{
			"client_id": p.ClientID,
			"version":   p.Version,
		},
	}, nil
}

// CompareAndSet rejects a second activation for the same client. The partial
// unique index backs the check up when two activations race.
func (s ActionPlanStore) CompareAndSet(ctx context.Context, tx *sql.Tx, id, from, to string, at time.Time) (bool, error) {
	if to == string(domain.PlanActive) {
		other, err := s.Repo.OtherActivePlanTx(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if other != "" {
			return false, &Rejection{Reason: fmt.Sprintf("client already has active action plan %s", other)}
		}
	}
	ok, err := s.Repo.CompareAndSetPlanState(ctx, tx, id, from, to, at)
	if db.IsUniqueViolation(err) {
		return false, &Rejection{Reason: "client already has an active action plan"}
	}
	return ok, err
}
