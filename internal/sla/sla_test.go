package sla_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/db"
	"readiness/internal/migrate"
	"readiness/internal/repo"
	"readiness/internal/sla"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T) (sla.Manager, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := sla.Manager{Repo: repo.Repo{DB: conn}, Now: c.Now}
	require.NoError(t, m.ImportTargets(context.Background(), map[string]int{"intake": 60, "assessment": 120}))
	return m, c
}

func TestUnregisteredTypeIsNoop(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	rec, err := m.StartTracking(ctx, "t1", "unregistered_type")
	require.NoError(t, err)
	assert.Nil(t, rec)

	done, err := m.CompleteTracking(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, done)

	recs, err := m.Records(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCompleteWithinTarget(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	rec, err := m.StartTracking(ctx, "t1", "intake")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 60, rec.TargetMinutes)

	c.Advance(45 * time.Minute)
	done, err := m.CompleteTracking(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.False(t, done.Breached)
	assert.InDelta(t, 45.0, *done.ActualMinutes, 1e-9)
	assert.False(t, done.Open())
}

func TestBreachIsStrict(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()

	_, err := m.StartTracking(ctx, "exact", "intake")
	require.NoError(t, err)
	c.Advance(60 * time.Minute)
	exact, err := m.CompleteTracking(ctx, "exact")
	require.NoError(t, err)
	assert.False(t, exact.Breached, "equal to target is not a breach")

	_, err = m.StartTracking(ctx, "late", "intake")
	require.NoError(t, err)
	c.Advance(60*time.Minute + time.Second)
	late, err := m.CompleteTracking(ctx, "late")
	require.NoError(t, err)
	assert.True(t, late.Breached)
	assert.Equal(t, *late.ActualMinutes > float64(late.TargetMinutes), late.Breached)
}

func TestSecondCompleteIsNoop(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	_, err := m.StartTracking(ctx, "t1", "intake")
	require.NoError(t, err)
	c.Advance(90 * time.Minute)
	first, err := m.CompleteTracking(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, first)

	c.Advance(time.Hour)
	second, err := m.CompleteTracking(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, second)

	recs, err := m.Records(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Breached)
	assert.InDelta(t, 90.0, *recs[0].ActualMinutes, 1e-9)
}

func TestOneOpenRecordPerTask(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	first, err := m.StartTracking(ctx, "t1", "intake")
	require.NoError(t, err)
	require.NotNil(t, first)
	dup, err := m.StartTracking(ctx, "t1", "assessment")
	require.NoError(t, err)
	assert.Nil(t, dup)

	c.Advance(time.Minute)
	_, err = m.CompleteTracking(ctx, "t1")
	require.NoError(t, err)
	reopened, err := m.StartTracking(ctx, "t1", "assessment")
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.Equal(t, 120, reopened.TargetMinutes)
}

func TestImportTargetsRejectsNonPositive(t *testing.T) {
	m, _ := newManager(t)
	assert.Error(t, m.ImportTargets(context.Background(), map[string]int{"broken": 0}))
}
