package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"readiness/internal/alert"
	"readiness/internal/config"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/statemachine"
)

// Predicate inspects event_data.
type Predicate func(data map[string]any) bool

type Match struct {
	EventType     string
	AggregateType string
	Predicate     Predicate
}

// Matches reports whether evt satisfies every set field of m.
func (m Match) Matches(evt domain.OutboxEvent) bool {
	if m.EventType != "" && m.EventType != evt.EventType {
		return false
	}
	if m.AggregateType != "" && m.AggregateType != evt.AggregateType {
		return false
	}
	if m.Predicate != nil && !m.Predicate(evt.EventData) {
		return false
	}
	return true
}

// Equals matches when every key is present in event_data with the given
// value in its string form.
func Equals(want map[string]string) Predicate {
	return func(data map[string]any) bool {
		for k, v := range want {
			got, ok := data[k]
			if !ok || got == nil || fmt.Sprint(got) != v {
				return false
			}
		}
		return true
	}
}

// Action is a rule's side effect. Execute returns a short outcome recorded in
// the automation ledger.
type Action interface {
	Kind() string
	Execute(ctx context.Context, evt domain.OutboxEvent, ruleID string) (string, error)
}

type Rule struct {
	ID     string
	Match  Match
	Action Action
}

type TaskCreator interface {
	CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.Task, error)
}

type Transitioner interface {
	ExecuteTransition(ctx context.Context, req engine.TransitionRequest) (engine.Result, error)
}

// CreateTaskAction creates a follow-up task through the shared creation
// path. The task is keyed by (event, rule) so redelivery finds it instead of
// creating another.
type CreateTaskAction struct {
	Tasks    TaskCreator
	Type     string
	Priority string
}

func (a CreateTaskAction) Kind() string { return "create_task" }

func (a CreateTaskAction) Execute(ctx context.Context, evt domain.OutboxEvent, ruleID string) (string, error) {
	planID := evt.StringData("action_plan_id")
	if evt.AggregateType == domain.EntityActionPlan {
		planID = evt.AggregateID
	}
	t, err := a.Tasks.CreateTask(ctx, engine.TaskCreateOptions{
		ActionPlanID:  planID,
		Type:          a.Type,
		Priority:      a.Priority,
		ActorID:       automationActor(ruleID),
		OriginEventID: evt.ID,
		OriginRuleID:  ruleID,
	})
	if err != nil {
		return "", err
	}
	return "task:" + t.ID, nil
}

// AlertAction raises a notification without mutating workflow state.
type AlertAction struct {
	Sink     alert.Sink
	Severity string
	Message  string
	Now      func() time.Time
}

func (a AlertAction) Kind() string { return "alert" }

func (a AlertAction) Execute(ctx context.Context, evt domain.OutboxEvent, ruleID string) (string, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	msg := a.Message
	if msg == "" {
		msg = fmt.Sprintf("%s matched %s on %s %s", ruleID, evt.EventType, evt.AggregateType, evt.AggregateID)
	}
	al := alert.Alert{
		Key:           alert.DedupeKey(evt.ID, ruleID),
		EventID:       evt.ID,
		RuleID:        ruleID,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Severity:      a.Severity,
		Message:       msg,
		Data:          evt.EventData,
		RaisedAt:      now().UTC(),
	}
	if err := a.Sink.Send(ctx, al); err != nil {
		return "", err
	}
	return "alert:" + al.Key, nil
}

// TransitionAction moves another entity through the engine. Ref names the
// entity: "aggregate" for the event's own aggregate, otherwise an event_data
// key holding the id.
type TransitionAction struct {
	Engine      Transitioner
	EntityType  string
	TargetState string
	Ref         string
}

func (a TransitionAction) Kind() string { return "transition" }

func (a TransitionAction) Execute(ctx context.Context, evt domain.OutboxEvent, ruleID string) (string, error) {
	id := evt.AggregateID
	if a.Ref != "" && a.Ref != "aggregate" {
		id = evt.StringData(a.Ref)
	}
	if id == "" {
		return "skipped: no " + a.Ref + " in event", nil
	}
	res, err := a.Engine.ExecuteTransition(ctx, engine.TransitionRequest{
		EntityType:    a.EntityType,
		EntityID:      id,
		TargetState:   a.TargetState,
		ActorID:       automationActor(ruleID),
		Context:       map[string]any{"origin_event_id": evt.ID, "origin_rule_id": ruleID},
		OriginEventID: evt.ID,
		OriginRuleID:  ruleID,
	})
	var cfgErr *engine.ConfigurationError
	if errors.As(err, &cfgErr) {
		// Retrying cannot fix a bad rule; record it and let the aggregate move on.
		return "config_error: " + err.Error(), nil
	}
	if err != nil {
		return "", err
	}
	if !res.Applied {
		// Already moved on, or an earlier delivery of this event applied it.
		return "rejected: " + strings.Join(res.Reasons, "; "), nil
	}
	return "event:" + res.EventID, nil
}

func automationActor(ruleID string) string { return "automation:" + ruleID }

// Deps are the collaborators rule actions call into.
type Deps struct {
	Tasks       TaskCreator
	Transitions Transitioner
	Alerts      alert.Sink
	// Registry checks transition rules at build time; statemachine.Default
	// when nil.
	Registry *statemachine.Registry
	Now      func() time.Time
}

// BuildRules turns configured rules into executable ones.
func BuildRules(cfgs []config.RuleConfig, deps Deps) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	seen := map[string]bool{}
	for _, c := range cfgs {
		if c.ID == "" {
			return nil, errors.New("rule id is required")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", c.ID)
		}
		seen[c.ID] = true
		action, err := buildAction(c.Action, deps)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", c.ID, err)
		}
		m := Match{EventType: c.EventType, AggregateType: c.AggregateType}
		if len(c.When) > 0 {
			m.Predicate = Equals(c.When)
		}
		rules = append(rules, Rule{ID: c.ID, Match: m, Action: action})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func buildAction(c config.ActionConfig, deps Deps) (Action, error) {
	switch c.Type {
	case "create_task":
		if deps.Tasks == nil {
			return nil, errors.New("create_task requires a task creator")
		}
		if c.Params["type"] == "" {
			return nil, errors.New("create_task requires params.type")
		}
		return CreateTaskAction{Tasks: deps.Tasks, Type: c.Params["type"], Priority: c.Params["priority"]}, nil
	case "alert":
		if deps.Alerts == nil {
			return nil, errors.New("alert requires a sink")
		}
		severity := c.Params["severity"]
		if severity == "" {
			severity = "info"
		}
		return AlertAction{Sink: deps.Alerts, Severity: severity, Message: c.Params["message"], Now: deps.Now}, nil
	case "transition":
		if deps.Transitions == nil {
			return nil, errors.New("transition requires an engine")
		}
		if c.Params["entity_type"] == "" || c.Params["target_state"] == "" {
			return nil, errors.New("transition requires params.entity_type and params.target_state")
		}
		reg := deps.Registry
		if reg == nil {
			reg = statemachine.Default()
		}
		g, err := reg.Lookup(c.Params["entity_type"])
		if err != nil {
			return nil, fmt.Errorf("transition: %w", err)
		}
		if !g.HasState(c.Params["target_state"]) {
			return nil, fmt.Errorf("transition: %s has no state %q", c.Params["entity_type"], c.Params["target_state"])
		}
		return TransitionAction{
			Engine:      deps.Transitions,
			EntityType:  c.Params["entity_type"],
			TargetState: c.Params["target_state"],
			Ref:         c.Params["ref"],
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", c.Type)
	}
}
