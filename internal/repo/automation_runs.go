package repo

import (
	"context"
	"database/sql"

	"readiness/internal/db"
	"readiness/internal/domain"
)

// RecordAutomationRun writes the (event, rule) ledger entry. It reports false
// when the pair was already recorded.
func (r Repo) RecordAutomationRun(ctx context.Context, run domain.AutomationRun) (bool, error) {
	return r.recordAutomationRun(ctx, r.DB, run)
}

// RecordAutomationRunTx is RecordAutomationRun inside tx. On a duplicate the
// caller must roll back; Postgres aborts the transaction.
func (r Repo) RecordAutomationRunTx(ctx context.Context, tx *sql.Tx, run domain.AutomationRun) (bool, error) {
	return r.recordAutomationRun(ctx, tx, run)
}

func (r Repo) recordAutomationRun(ctx context.Context, q queryer, run domain.AutomationRun) (bool, error) {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO automation_runs(event_id,rule_id,outcome,created_at) VALUES (?,?,?,?)`),
		run.EventID, run.RuleID, run.Outcome, db.FormatTime(run.CreatedAt))
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) HasAutomationRun(ctx context.Context, eventID, ruleID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT count(*) FROM automation_runs WHERE event_id=? AND rule_id=?`), eventID, ruleID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListAutomationRuns(ctx context.Context, eventID string) ([]domain.AutomationRun, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT event_id,rule_id,outcome,created_at FROM automation_runs WHERE event_id=? ORDER BY rule_id`), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRun
	for rows.Next() {
		var run domain.AutomationRun
		var createdAt string
		if err := rows.Scan(&run.EventID, &run.RuleID, &run.Outcome, &createdAt); err != nil {
			return nil, err
		}
		if run.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
