// Package observability exposes read-only snapshots of the workflow pipeline.
package observability

import (
	"context"
	"fmt"
	"time"

	"readiness/internal/domain"
	"readiness/internal/outbox"
	"readiness/internal/repo"
)

type Stats struct {
	Repo   repo.Repo
	Outbox outbox.Store
	Now    func() time.Time
}

func (s Stats) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// GetWorkflowStats aggregates entity, SLA and outbox counts. Each count is
// its own read, so the snapshot may straddle concurrent writes.
func (s Stats) GetWorkflowStats(ctx context.Context) (domain.WorkflowStats, error) {
	var st domain.WorkflowStats
	var err error
	if st.TasksByState, err = s.Repo.CountTasksByState(ctx); err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	if st.ActionPlansByState, err = s.Repo.CountActionPlansByState(ctx); err != nil {
		return st, fmt.Errorf("count action plans: %w", err)
	}
	if st.SLABreaches, err = s.Repo.CountSLABreaches(ctx); err != nil {
		return st, fmt.Errorf("count sla breaches: %w", err)
	}
	if st.ActiveSLARecords, err = s.Repo.CountActiveSLARecords(ctx); err != nil {
		return st, fmt.Errorf("count active sla records: %w", err)
	}
	if st.UnprocessedEvents, err = s.Outbox.CountPending(ctx); err != nil {
		return st, fmt.Errorf("count unprocessed events: %w", err)
	}
	if st.FailingEvents, err = s.Outbox.CountFailing(ctx); err != nil {
		return st, fmt.Errorf("count failing events: %w", err)
	}
	st.CollectedAt = s.now()
	return st, nil
}
