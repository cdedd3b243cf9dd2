// Package statemachine declares the workflow graphs for each entity type.
//
// Graphs are plain data: a set of states, an initial state and the directed
// edges between them. Validation of a transition is a table lookup, so new
// entity types are added by registering another Graph.
package statemachine

import (
	"fmt"
	"sort"

	"readiness/internal/domain"
)

// Graph is the immutable state graph of one entity type.
type Graph struct {
	EntityType string
	Initial    string
	states     map[string]bool
	edges      map[string]map[string]bool
}

// Edge is a single allowed transition.
type Edge struct {
	From string
	To   string
}

// NewGraph builds a graph from its edge list. Every state that appears in an
// edge, plus the initial state and any extra terminal states, is part of the
// state set.
func NewGraph(entityType, initial string, edges []Edge, terminals ...string) Graph {
	g := Graph{
		EntityType: entityType,
		Initial:    initial,
		states:     map[string]bool{initial: true},
		edges:      map[string]map[string]bool{},
	}
	for _, e := range edges {
		g.states[e.From] = true
		g.states[e.To] = true
		if g.edges[e.From] == nil {
			g.edges[e.From] = map[string]bool{}
		}
		g.edges[e.From][e.To] = true
	}
	for _, s := range terminals {
		g.states[s] = true
	}
	return g
}

func (g Graph) HasState(s string) bool { return g.states[s] }

func (g Graph) Allows(from, to string) bool { return g.edges[from][to] }

// Terminal reports whether no edge leaves s.
func (g Graph) Terminal(s string) bool { return g.states[s] && len(g.edges[s]) == 0 }

// States returns the sorted state set.
func (g Graph) States() []string {
	out := make([]string, 0, len(g.states))
	for s := range g.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Targets returns the sorted states reachable in one step from s.
func (g Graph) Targets(from string) []string {
	out := make([]string, 0, len(g.edges[from]))
	for s := range g.edges[from] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Registry maps entity types to their graphs. It is built once and read-only
// afterwards, so it is safe for concurrent use without locking.
type Registry struct {
	graphs map[string]Graph
}

// NewRegistry returns a registry holding the given graphs.
func NewRegistry(graphs ...Graph) *Registry {
	r := &Registry{graphs: make(map[string]Graph, len(graphs))}
	for _, g := range graphs {
		r.graphs[g.EntityType] = g
	}
	return r
}

// ErrUnknownEntityType is wrapped by Lookup for unregistered entity types.
var ErrUnknownEntityType = fmt.Errorf("unknown entity type")

// Lookup returns the graph of entityType.
func (r *Registry) Lookup(entityType string) (Graph, error) {
	g, ok := r.graphs[entityType]
	if !ok {
		return Graph{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return g, nil
}

// EntityTypes returns the registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	out := make([]string, 0, len(r.graphs))
	for t := range r.graphs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TaskGraph is the remediation task lifecycle.
func TaskGraph() Graph {
	return NewGraph(domain.EntityTask, string(domain.TaskNew), []Edge{
		{string(domain.TaskNew), string(domain.TaskInProgress)},
		{string(domain.TaskNew), string(domain.TaskBlocked)},
		{string(domain.TaskNew), string(domain.TaskCancelled)},
		{string(domain.TaskInProgress), string(domain.TaskCompleted)},
		{string(domain.TaskInProgress), string(domain.TaskBlocked)},
		{string(domain.TaskInProgress), string(domain.TaskCancelled)},
		{string(domain.TaskBlocked), string(domain.TaskInProgress)},
		{string(domain.TaskBlocked), string(domain.TaskCancelled)},
	})
}

// ActionPlanGraph is the engagement plan lifecycle.
func ActionPlanGraph() Graph {
	return NewGraph(domain.EntityActionPlan, string(domain.PlanDraft), []Edge{
		{string(domain.PlanDraft), string(domain.PlanActive)},
		{string(domain.PlanDraft), string(domain.PlanArchived)},
		{string(domain.PlanActive), string(domain.PlanArchived)},
	})
}

// Default returns the registry with the Task and ActionPlan graphs.
func Default() *Registry {
	return NewRegistry(TaskGraph(), ActionPlanGraph())
}
