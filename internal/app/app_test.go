package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/alert"
	"readiness/internal/app"
	"readiness/internal/config"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/repo"
)

func openRuntime(t *testing.T) *app.Runtime {
	t.Helper()
	rt, err := app.Open(context.Background(), config.Default(), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func transition(t *testing.T, rt *app.Runtime, id, target string) engine.Result {
	t.Helper()
	res, err := rt.Workflow.ExecuteTransition(context.Background(), engine.TransitionRequest{
		EntityType: domain.EntityTask, EntityID: id, TargetState: target, ActorID: "tester",
	})
	require.NoError(t, err)
	require.True(t, res.Applied, "%v", res.Reasons)
	return res
}

func TestWorkflowTracksSLAThroughLifecycle(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()

	task, err := rt.Workflow.CreateTask(ctx, engine.TaskCreateOptions{Type: "intake", ActorID: "tester"})
	require.NoError(t, err)
	open, err := rt.Repo.GetOpenSLARecord(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1440, open.TargetMinutes)

	transition(t, rt, task.ID, "in_progress")
	_, err = rt.Repo.GetOpenSLARecord(ctx, task.ID)
	require.NoError(t, err, "sla keeps running while in progress")

	transition(t, rt, task.ID, "completed")
	_, err = rt.Repo.GetOpenSLARecord(ctx, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	recs, err := rt.Workflow.SLA.Records(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Breached)
	assert.NotNil(t, recs[0].ActualMinutes)
}

func TestCreateTaskSurvivesSLAFailure(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	_, err := rt.Repo.DB.ExecContext(ctx, `DROP TABLE sla_records`)
	require.NoError(t, err)

	task, err := rt.Workflow.CreateTask(ctx, engine.TaskCreateOptions{Type: "intake", ActorID: "tester"})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)

	stored, err := rt.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskNew, stored.State)
}

func TestCancellationClosesSLA(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	task, err := rt.Workflow.CreateTask(ctx, engine.TaskCreateOptions{Type: "remediation"})
	require.NoError(t, err)
	transition(t, rt, task.ID, "cancelled")

	stats, err := rt.Stats.GetWorkflowStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActiveSLARecords)
	assert.Equal(t, map[string]int{"cancelled": 1}, stats.TasksByState)
}

func TestUntrackedTypeHasNoSLA(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	task, err := rt.Workflow.CreateTask(ctx, engine.TaskCreateOptions{Type: "misc"})
	require.NoError(t, err)
	transition(t, rt, task.ID, "in_progress")
	transition(t, rt, task.ID, "completed")
	recs, err := rt.Workflow.SLA.Records(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAutomationEndToEnd(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	d, err := rt.Dispatcher(nil)
	require.NoError(t, err)

	intake, err := rt.Workflow.CreateTask(ctx, engine.TaskCreateOptions{Type: "intake"})
	require.NoError(t, err)
	transition(t, rt, intake.ID, "in_progress")
	transition(t, rt, intake.ID, "completed")

	for i := 0; i < 5; i++ {
		_, err := d.DrainOnce(ctx, "w1")
		require.NoError(t, err)
	}

	assessments, err := rt.Repo.ListTasks(ctx, repo.TaskFilters{Type: "assessment"})
	require.NoError(t, err)
	require.Len(t, assessments, 1)
	open, err := rt.Repo.GetOpenSLARecord(ctx, assessments[0].ID)
	require.NoError(t, err, "automation-created tasks go through the sla-aware creation path")
	assert.Equal(t, 4320, open.TargetMinutes)

	stats, err := rt.Stats.GetWorkflowStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.UnprocessedEvents)
}

func TestAlertSinkIncludesConfiguredTargets(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}
	rt, err := app.Open(context.Background(), cfg, t.TempDir(), nil)
	require.NoError(t, err)
	defer rt.Close()

	sinks, ok := rt.AlertSink().(alert.Multi)
	require.True(t, ok)
	assert.Len(t, sinks, 2)
}
