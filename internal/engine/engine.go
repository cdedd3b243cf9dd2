package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/outbox"
	"readiness/internal/repo"
	"readiness/internal/statemachine"
)

// ErrConcurrencyConflict means the entity changed between load and write.
// Callers re-read and retry.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ConfigurationError reports an unknown entity type or state. It is a caller
// bug and is never retried.
type ConfigurationError struct {
	EntityType string
	State      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("configuration error: %s (entity_type=%s state=%s)", e.Reason, e.EntityType, e.State)
	}
	return fmt.Sprintf("configuration error: %s (entity_type=%s)", e.Reason, e.EntityType)
}

type Engine struct {
	DB       *db.DB
	Repo     repo.Repo
	Outbox   outbox.Appender
	Registry *statemachine.Registry
	Stores   map[string]EntityStore
	Now      func() time.Time
	Logger   *slog.Logger

	afterLoad func()
}

func New(conn *db.DB) Engine {
	r := repo.Repo{DB: conn}
	return Engine{
		DB:       conn,
		Repo:     r,
		Outbox:   outbox.Writer{DB: conn},
		Registry: statemachine.Default(),
		Stores: map[string]EntityStore{
			domain.EntityTask:       TaskStore{Repo: r},
			domain.EntityActionPlan: ActionPlanStore{Repo: r},
		},
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) registry() *statemachine.Registry {
	if e.Registry != nil {
		return e.Registry
	}
	return statemachine.Default()
}

// Validation is the outcome of checking one edge. A rejected transition is
// data, not an error; Err is set only for configuration errors.
type Validation struct {
	Allowed bool                `json:"allowed"`
	Reasons []string            `json:"reasons,omitempty"`
	Err     *ConfigurationError `json:"-"`
}

func configRejection(err *ConfigurationError) Validation {
	return Validation{Reasons: []string{err.Reason}, Err: err}
}

// ValidateTransition checks current -> target against the registered graph.
// It performs no I/O.
func (e Engine) ValidateTransition(entityType, current, target string) Validation {
	g, err := e.registry().Lookup(entityType)
	if err != nil {
		return configRejection(&ConfigurationError{EntityType: entityType, Reason: "unknown entity type"})
	}
	if !g.HasState(target) {
		return configRejection(&ConfigurationError{EntityType: entityType, State: target, Reason: "invalid target state"})
	}
	if !g.HasState(current) {
		return configRejection(&ConfigurationError{EntityType: entityType, State: current, Reason: "invalid current state"})
	}
	if g.Allows(current, target) {
		return Validation{Allowed: true}
	}
	if g.Terminal(current) {
		return Validation{Reasons: []string{fmt.Sprintf("%s is terminal; no transition to %s", current, target)}}
	}
	return Validation{Reasons: []string{fmt.Sprintf("illegal transition %s -> %s for %s", current, target, entityType)}}
}

type TransitionRequest struct {
	EntityType  string
	EntityID    string
	TargetState string
	ActorID     string
	Context     map[string]any
	// OriginEventID and OriginRuleID identify the automation applying the
	// transition. When both are set the automation ledger entry is written in
	// the transition's transaction, so an (event, rule) pair applies at most
	// once.
	OriginEventID string
	OriginRuleID  string
}

type Result struct {
	Applied       bool     `json:"applied"`
	Reasons       []string `json:"reasons,omitempty"`
	PreviousState string   `json:"previous_state,omitempty"`
	NewState      string   `json:"new_state,omitempty"`
	EventID       string   `json:"event_id,omitempty"`
}

// ExecuteTransition loads the entity's persisted state, validates the edge
// against it and, when allowed, writes the new state and its StateChanged
// event in one transaction. The write is conditional on the loaded state; a
// concurrent writer makes it fail with ErrConcurrencyConflict.
func (e Engine) ExecuteTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	if _, err := e.registry().Lookup(req.EntityType); err != nil {
		return Result{}, &ConfigurationError{EntityType: req.EntityType, Reason: "unknown entity type"}
	}
	store, ok := e.Stores[req.EntityType]
	if !ok {
		return Result{}, &ConfigurationError{EntityType: req.EntityType, Reason: "no store registered for entity type"}
	}
	snap, err := store.Load(ctx, req.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("load %s %s: %w", req.EntityType, req.EntityID, err)
	}
	if e.afterLoad != nil {
		e.afterLoad()
	}

	v := e.ValidateTransition(req.EntityType, snap.State, req.TargetState)
	if v.Err != nil {
		return Result{}, v.Err
	}
	if !v.Allowed {
		return Result{Reasons: v.Reasons, PreviousState: snap.State}, nil
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	swapped, err := store.CompareAndSet(ctx, tx, req.EntityID, snap.State, req.TargetState, now)
	var rej *Rejection
	if errors.As(err, &rej) {
		return Result{Reasons: []string{rej.Reason}, PreviousState: snap.State}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("update %s %s: %w", req.EntityType, req.EntityID, err)
	}
	if !swapped {
		return Result{}, fmt.Errorf("%w: %s %s is no longer %s", ErrConcurrencyConflict, req.EntityType, req.EntityID, snap.State)
	}

	payload := outbox.EventPayload{
		"previous_state": snap.State,
		"new_state":      req.TargetState,
		"actor_id":       req.ActorID,
		"context":        req.Context,
	}
	for k, v := range snap.Data {
		payload[k] = v
	}
	evt, err := e.Outbox.Append(ctx, tx, outbox.StateChangedType(req.EntityType), req.EntityType, req.EntityID, payload)
	if err != nil {
		return Result{}, err
	}
	if req.OriginEventID != "" && req.OriginRuleID != "" {
		recorded, err := e.Repo.RecordAutomationRunTx(ctx, tx, domain.AutomationRun{
			EventID:   req.OriginEventID,
			RuleID:    req.OriginRuleID,
			Outcome:   "event:" + evt.ID,
			CreatedAt: now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("record automation run: %w", err)
		}
		if !recorded {
			return Result{
				Reasons:       []string{fmt.Sprintf("already applied for event %s rule %s", req.OriginEventID, req.OriginRuleID)},
				PreviousState: snap.State,
			}, nil
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	e.log().Debug("transition applied",
		"entity_type", req.EntityType, "entity_id", req.EntityID,
		"from", snap.State, "to", req.TargetState, "event_id", evt.ID)
	return Result{Applied: true, PreviousState: snap.State, NewState: req.TargetState, EventID: evt.ID}, nil
}
