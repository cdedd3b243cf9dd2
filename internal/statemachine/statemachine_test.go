package statemachine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/domain"
	"readiness/internal/statemachine"
)

func TestDefaultRegistryGraphs(t *testing.T) {
	r := statemachine.Default()
	assert.Equal(t, []string{domain.EntityActionPlan, domain.EntityTask}, r.EntityTypes())

	task, err := r.Lookup(domain.EntityTask)
	require.NoError(t, err)
	assert.Equal(t, "new", task.Initial)
	assert.Equal(t, []string{"blocked", "cancelled", "completed", "in_progress", "new"}, task.States())
	assert.Equal(t, []string{"blocked", "cancelled", "in_progress"}, task.Targets("new"))
	assert.Equal(t, []string{"blocked", "cancelled", "completed"}, task.Targets("in_progress"))
	assert.Equal(t, []string{"cancelled", "in_progress"}, task.Targets("blocked"))

	plan, err := r.Lookup(domain.EntityActionPlan)
	require.NoError(t, err)
	assert.Equal(t, "draft", plan.Initial)
	assert.True(t, plan.Allows("draft", "active"))
	assert.True(t, plan.Allows("active", "archived"))
	assert.False(t, plan.Allows("archived", "draft"))
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	r := statemachine.Default()
	cases := map[string][]string{
		domain.EntityTask:       {"completed", "cancelled"},
		domain.EntityActionPlan: {"archived"},
	}
	for entity, terminals := range cases {
		g, err := r.Lookup(entity)
		require.NoError(t, err)
		for _, term := range terminals {
			assert.True(t, g.Terminal(term), "%s/%s", entity, term)
			for _, target := range g.States() {
				assert.False(t, g.Allows(term, target), "%s: %s -> %s", entity, term, target)
			}
		}
		assert.False(t, g.Terminal(g.Initial))
	}
}

func TestLookupUnknownEntityType(t *testing.T) {
	_, err := statemachine.Default().Lookup("Invoice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, statemachine.ErrUnknownEntityType))
}

func TestCustomGraphRegistration(t *testing.T) {
	g := statemachine.NewGraph("Review", "open", []statemachine.Edge{{From: "open", To: "closed"}})
	r := statemachine.NewRegistry(g)
	got, err := r.Lookup("Review")
	require.NoError(t, err)
	assert.True(t, got.HasState("closed"))
	assert.True(t, got.Terminal("closed"))
	assert.False(t, got.HasState("pending"))
}
