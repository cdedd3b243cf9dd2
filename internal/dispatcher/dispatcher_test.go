package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/alert"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/dispatcher"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/migrate"
	"readiness/internal/outbox"
	"readiness/internal/repo"
)

type env struct {
	ctx    context.Context
	engine engine.Engine
	store  outbox.Store
	repo   repo.Repo
	alerts *memorySink
}

type memorySink struct {
	mu   sync.Mutex
	sent []alert.Alert
	fail bool
}

func (s *memorySink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.sent = append(s.sent, a)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return env{
		ctx:    context.Background(),
		engine: engine.New(conn),
		store:  outbox.Store{DB: conn},
		repo:   repo.Repo{DB: conn},
		alerts: &memorySink{},
	}
}

func (e env) dispatcher(t *testing.T) dispatcher.Dispatcher {
	t.Helper()
	rules, err := dispatcher.BuildRules(config.Default().Rules, dispatcher.Deps{
		Tasks:       e.engine,
		Transitions: e.engine,
		Alerts:      e.alerts,
	})
	require.NoError(t, err)
	return dispatcher.Dispatcher{Rules: rules, Outbox: e.store, Repo: e.repo}
}

// completeIntake drives an intake task to completed and returns the
// completion event.
func (e env) completeIntake(t *testing.T, planID string) domain.OutboxEvent {
	t.Helper()
	task, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "intake", ActionPlanID: planID})
	require.NoError(t, err)
	for _, s := range []string{"in_progress", "completed"} {
		res, err := e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityTask, EntityID: task.ID, TargetState: s})
		require.NoError(t, err)
		require.True(t, res.Applied)
	}
	evts, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: task.ID, EventType: "TaskStateChanged"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	return evts[1]
}

func (e env) tasksOfType(t *testing.T, taskType string) []domain.Task {
	t.Helper()
	tasks, err := e.repo.ListTasks(e.ctx, repo.TaskFilters{Type: taskType})
	require.NoError(t, err)
	return tasks
}

func TestIntakeCompletionCreatesAssessment(t *testing.T) {
	e := newEnv(t)
	plan, err := e.engine.CreateActionPlan(e.ctx, engine.ActionPlanCreateOptions{ClientID: "c1", ActorID: "tester"})
	require.NoError(t, err)
	evt := e.completeIntake(t, plan.ID)
	d := e.dispatcher(t)

	require.NoError(t, d.ProcessEvent(e.ctx, evt))

	created := e.tasksOfType(t, "assessment")
	require.Len(t, created, 1)
	assert.Equal(t, "high", created[0].Priority)
	assert.Equal(t, plan.ID, created[0].ActionPlanID)
	assert.Equal(t, domain.TaskNew, created[0].State)
	assert.Equal(t, evt.ID, created[0].OriginEventID)

	stored, err := e.store.Get(e.ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending())
}

func TestReprocessingIsIdempotent(t *testing.T) {
	e := newEnv(t)
	evt := e.completeIntake(t, "")
	d := e.dispatcher(t)

	require.NoError(t, d.ProcessEvent(e.ctx, evt))
	require.NoError(t, d.ProcessEvent(e.ctx, evt))
	assert.Len(t, e.tasksOfType(t, "assessment"), 1)

	// A crash after the task was created but before the ledger write.
	runs, err := e.repo.ListAutomationRuns(e.ctx, evt.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	_, err = e.repo.DB.ExecContext(e.ctx, `DELETE FROM automation_runs`)
	require.NoError(t, err)
	require.NoError(t, d.ProcessEvent(e.ctx, evt))
	assert.Len(t, e.tasksOfType(t, "assessment"), 1)
}

func TestNonMatchingEventIsNoop(t *testing.T) {
	e := newEnv(t)
	task, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "remediation"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityTask, EntityID: task.ID, TargetState: "in_progress"})
	require.NoError(t, err)
	d := e.dispatcher(t)

	n, err := d.DrainOnce(e.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the oldest event per aggregate is claimable")
	n, err = d.DrainOnce(e.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := e.store.CountPending(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Empty(t, e.tasksOfType(t, "assessment"))
}

func TestPlanActivationRaisesAlert(t *testing.T) {
	e := newEnv(t)
	plan, err := e.engine.CreateActionPlan(e.ctx, engine.ActionPlanCreateOptions{ClientID: "c1", ActorID: "tester"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityActionPlan, EntityID: plan.ID, TargetState: "active"})
	require.NoError(t, err)
	d := e.dispatcher(t)

	for i := 0; i < 2; i++ {
		_, err := d.DrainOnce(e.ctx, "w1")
		require.NoError(t, err)
	}
	require.Equal(t, 1, e.alerts.count())
	a := e.alerts.sent[0]
	assert.Equal(t, "plan-activated-alert", a.RuleID)
	assert.Equal(t, plan.ID, a.AggregateID)
	assert.Equal(t, "action plan activated", a.Message)
}

func TestFailureKeepsEventPendingWithoutBlockingOthers(t *testing.T) {
	e := newEnv(t)
	plan, err := e.engine.CreateActionPlan(e.ctx, engine.ActionPlanCreateOptions{ClientID: "c1", ActorID: "tester"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityActionPlan, EntityID: plan.ID, TargetState: "active"})
	require.NoError(t, err)
	intake := e.completeIntake(t, "")
	e.alerts.fail = true
	d := e.dispatcher(t)
	d.Options.RetryDelay = time.Hour

	for i := 0; i < 4; i++ {
		_, err := d.DrainOnce(e.ctx, "w1")
		require.NoError(t, err)
	}

	assert.Len(t, e.tasksOfType(t, "assessment"), 1, "unrelated aggregate still processed")
	processed, err := e.store.Get(e.ctx, intake.ID)
	require.NoError(t, err)
	assert.False(t, processed.Pending())

	failing, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: plan.ID, PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, failing, 1)
	assert.Equal(t, "ActionPlanStateChanged", failing[0].EventType)
	assert.Equal(t, 1, failing[0].Attempts)
	assert.Contains(t, failing[0].LastError, "sink down")

	var actionErr *dispatcher.ActionError
	err = d.ProcessEvent(e.ctx, failing[0])
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "plan-activated-alert", actionErr.RuleID)

	e.alerts.fail = false
	require.NoError(t, d.ProcessEvent(e.ctx, failing[0]))
	assert.Equal(t, 1, e.alerts.count())
}

type countingAction struct {
	n atomic.Int32
}

func (a *countingAction) Kind() string { return "count" }

func (a *countingAction) Execute(context.Context, domain.OutboxEvent, string) (string, error) {
	a.n.Add(1)
	time.Sleep(time.Millisecond)
	return "counted", nil
}

func TestConcurrentWorkersNeverDoubleProcess(t *testing.T) {
	e := newEnv(t)
	const tasks = 12
	for i := 0; i < tasks; i++ {
		_, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "remediation"})
		require.NoError(t, err)
	}
	action := &countingAction{}
	d := dispatcher.Dispatcher{
		Rules:   []dispatcher.Rule{{ID: "count", Match: dispatcher.Match{EventType: "TaskCreated"}, Action: action}},
		Outbox:  e.store,
		Repo:    e.repo,
		Options: dispatcher.Options{Workers: 4, PollInterval: 5 * time.Millisecond, BatchSize: 2},
	}

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, err := e.store.CountPending(e.ctx)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(tasks), action.n.Load())
}

func TestEqualsPredicate(t *testing.T) {
	p := dispatcher.Equals(map[string]string{"new_state": "completed", "version": "2"})
	assert.True(t, p(map[string]any{"new_state": "completed", "version": float64(2)}))
	assert.False(t, p(map[string]any{"new_state": "completed"}))
	assert.False(t, p(map[string]any{"new_state": "blocked", "version": float64(2)}))
}

func TestBuildRulesRejectsBadConfig(t *testing.T) {
	_, err := dispatcher.BuildRules([]config.RuleConfig{{ID: "r", EventType: "E", Action: config.ActionConfig{Type: "create_task"}}},
		dispatcher.Deps{Tasks: engine.Engine{}})
	assert.Error(t, err)
	_, err = dispatcher.BuildRules([]config.RuleConfig{{ID: "r", EventType: "E", Action: config.ActionConfig{Type: "alert"}}}, dispatcher.Deps{})
	assert.Error(t, err)
}

func TestTransitionActionRejectionIsNotFailure(t *testing.T) {
	e := newEnv(t)
	task, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "remediation"})
	require.NoError(t, err)
	action := dispatcher.TransitionAction{Engine: e.engine, EntityType: domain.EntityTask, TargetState: "completed"}
	evt := domain.OutboxEvent{ID: "evt-1", AggregateType: domain.EntityTask, AggregateID: task.ID}

	outcome, err := action.Execute(e.ctx, evt, "r1")
	require.NoError(t, err)
	assert.Contains(t, outcome, "rejected")

	action.TargetState = "in_progress"
	outcome, err = action.Execute(e.ctx, evt, "r1")
	require.NoError(t, err)
	assert.Contains(t, outcome, "event:")
}

func TestBuildRulesRejectsUnknownTransitionTargets(t *testing.T) {
	deps := dispatcher.Deps{Transitions: engine.Engine{}}
	for name, params := range map[string]map[string]string{
		"unknown state":  {"entity_type": domain.EntityTask, "target_state": "done"},
		"unknown entity": {"entity_type": "Invoice", "target_state": "paid"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := dispatcher.BuildRules([]config.RuleConfig{{
				ID: "bad", EventType: "TaskCreated",
				Action: config.ActionConfig{Type: "transition", Params: params},
			}}, deps)
			assert.Error(t, err)
		})
	}

	_, err := dispatcher.BuildRules([]config.RuleConfig{{
		ID: "ok", EventType: "TaskCreated",
		Action: config.ActionConfig{Type: "transition", Params: map[string]string{"entity_type": domain.EntityTask, "target_state": "in_progress"}},
	}}, deps)
	assert.NoError(t, err)
}

func TestMisconfiguredTransitionDoesNotBlockAggregate(t *testing.T) {
	e := newEnv(t)
	task, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "remediation"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityTask, EntityID: task.ID, TargetState: "in_progress"})
	require.NoError(t, err)

	// Built by hand, so it skips the checks BuildRules applies.
	d := dispatcher.Dispatcher{
		Rules: []dispatcher.Rule{{
			ID:     "finish",
			Match:  dispatcher.Match{EventType: "TaskCreated"},
			Action: dispatcher.TransitionAction{Engine: e.engine, EntityType: domain.EntityTask, TargetState: "done"},
		}},
		Outbox: e.store,
		Repo:   e.repo,
	}
	for i := 0; i < 2; i++ {
		n, err := d.DrainOnce(e.ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	pending, err := e.store.CountPending(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "later events of the aggregate still drain")

	evts, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: task.ID, EventType: "TaskCreated"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	runs, err := e.repo.ListAutomationRuns(e.ctx, evts[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Outcome, "config_error")
}

func TestTransitionRuleRedeliveryAfterCrash(t *testing.T) {
	e := newEnv(t)
	task, err := e.engine.CreateTask(e.ctx, engine.TaskCreateOptions{Type: "remediation"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityTask, EntityID: task.ID, TargetState: "blocked", ActorID: "alice"})
	require.NoError(t, err)
	blocked, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: task.ID, EventType: "TaskStateChanged"})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	evt := blocked[0]

	rules, err := dispatcher.BuildRules([]config.RuleConfig{{
		ID: "unblock", EventType: "TaskStateChanged", When: map[string]string{"new_state": "blocked"},
		Action: config.ActionConfig{Type: "transition", Params: map[string]string{"entity_type": domain.EntityTask, "target_state": "in_progress"}},
	}}, dispatcher.Deps{Transitions: e.engine})
	require.NoError(t, err)
	d := dispatcher.Dispatcher{Rules: rules, Outbox: e.store, Repo: e.repo}

	// The action commits, then the worker dies before the event is marked.
	outcome, err := rules[0].Action.Execute(e.ctx, evt, "unblock")
	require.NoError(t, err)
	require.Contains(t, outcome, "event:")

	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityTask, EntityID: task.ID, TargetState: "blocked", ActorID: "alice"})
	require.NoError(t, err)

	require.NoError(t, d.ProcessEvent(e.ctx, evt))

	got, err := e.repo.GetTask(e.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBlocked, got.State)

	changes, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: task.ID, EventType: "TaskStateChanged"})
	require.NoError(t, err)
	applied := 0
	for _, c := range changes {
		if details, ok := c.EventData["context"].(map[string]any); ok && details["origin_rule_id"] == "unblock" {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	stored, err := e.store.Get(e.ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending())
}

func TestAlertRuleRedeliveryAfterCrash(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	sink := alert.NewRedisSinkFromClient(client, alert.WithStream("alerts"))
	defer sink.Close()

	e := newEnv(t)
	plan, err := e.engine.CreateActionPlan(e.ctx, engine.ActionPlanCreateOptions{ClientID: "c1", ActorID: "tester"})
	require.NoError(t, err)
	_, err = e.engine.ExecuteTransition(e.ctx, engine.TransitionRequest{EntityType: domain.EntityActionPlan, EntityID: plan.ID, TargetState: "active"})
	require.NoError(t, err)
	rules, err := dispatcher.BuildRules(config.Default().Rules, dispatcher.Deps{Tasks: e.engine, Transitions: e.engine, Alerts: sink})
	require.NoError(t, err)
	d := dispatcher.Dispatcher{Rules: rules, Outbox: e.store, Repo: e.repo}

	activated, err := e.store.List(e.ctx, outbox.ListFilter{AggregateID: plan.ID, EventType: "ActionPlanStateChanged"})
	require.NoError(t, err)
	require.Len(t, activated, 1)
	require.NoError(t, d.ProcessEvent(e.ctx, activated[0]))

	// Lose the ledger and the processed mark, as if the worker crashed
	// after the alert went out.
	_, err = e.repo.DB.ExecContext(e.ctx, `DELETE FROM automation_runs`)
	require.NoError(t, err)
	_, err = e.repo.DB.ExecContext(e.ctx, `UPDATE outbox_events SET processed_at=NULL`)
	require.NoError(t, err)

	redelivered, err := e.store.Get(e.ctx, activated[0].ID)
	require.NoError(t, err)
	require.True(t, redelivered.Pending())
	require.NoError(t, d.ProcessEvent(e.ctx, redelivered))

	n, err := client.XLen(e.ctx, "alerts").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
