// Package sla measures how long tasks stay open against per-type targets.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"readiness/internal/domain"
	"readiness/internal/repo"
)

// Manager starts and stops SLA windows. Missing configuration and missing
// open records are no-ops, never errors.
type Manager struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *slog.Logger
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Breached reports whether actual strictly exceeds target.
func Breached(actualMinutes float64, targetMinutes int) bool {
	return actualMinutes > float64(targetMinutes)
}

// ElapsedMinutes is the fractional number of minutes between two instants.
func ElapsedMinutes(from, to time.Time) float64 {
	return to.Sub(from).Minutes()
}

// StartTracking opens an SLA record for taskID when taskType has a target.
// It returns nil when nothing was started.
func (m Manager) StartTracking(ctx context.Context, taskID, taskType string) (*domain.SLARecord, error) {
	cfg, err := m.Repo.GetSLAConfig(ctx, taskType)
	if errors.Is(err, repo.ErrNotFound) {
		m.log().Debug("no sla configured", "task_id", taskID, "task_type", taskType)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup sla config %s: %w", taskType, err)
	}
	rec := domain.SLARecord{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		TargetMinutes: cfg.TargetMinutes,
		StartedAt:     m.now(),
	}
	if err := m.Repo.InsertSLARecord(ctx, rec); err != nil {
		if errors.Is(err, repo.ErrOpenSLARecord) {
			m.log().Debug("sla already running", "task_id", taskID)
			return nil, nil
		}
		return nil, fmt.Errorf("start sla for %s: %w", taskID, err)
	}
	return &rec, nil
}

// CompleteTracking closes the task's open record and computes breach. It
// returns nil when there was no open record.
func (m Manager) CompleteTracking(ctx context.Context, taskID string) (*domain.SLARecord, error) {
	rec, err := m.Repo.GetOpenSLARecord(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup open sla for %s: %w", taskID, err)
	}
	now := m.now()
	actual := ElapsedMinutes(rec.StartedAt, now)
	breached := Breached(actual, rec.TargetMinutes)
	closed, err := m.Repo.CloseSLARecord(ctx, rec.ID, now, actual, breached)
	if err != nil {
		return nil, fmt.Errorf("complete sla for %s: %w", taskID, err)
	}
	if !closed {
		return nil, nil
	}
	rec.StoppedAt = &now
	rec.ActualMinutes = &actual
	rec.Breached = breached
	if breached {
		m.log().Warn("sla breached", "task_id", taskID, "target_minutes", rec.TargetMinutes, "actual_minutes", actual)
	}
	return &rec, nil
}

// Records returns every SLA window recorded for taskID, oldest first.
func (m Manager) Records(ctx context.Context, taskID string) ([]domain.SLARecord, error) {
	return m.Repo.ListSLARecords(ctx, taskID)
}

// ImportTargets upserts per-type targets into the SLA configuration table.
func (m Manager) ImportTargets(ctx context.Context, targets map[string]int) error {
	now := m.now()
	for taskType, minutes := range targets {
		if minutes <= 0 {
			return fmt.Errorf("sla target for %s must be positive", taskType)
		}
		if err := m.Repo.UpsertSLAConfig(ctx, domain.SLAConfig{TaskType: taskType, TargetMinutes: minutes}, now); err != nil {
			return fmt.Errorf("import sla target %s: %w", taskType, err)
		}
	}
	return nil
}
