package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
)

const planColumns = `id,client_id,version,state,supersedes_id,created_by,created_at,updated_at,published_at,archived_at`

func scanActionPlan(row rowScanner) (domain.ActionPlan, error) {
	var p domain.ActionPlan
	var supersedes, publishedAt, archivedAt sql.NullString
	var state, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.ClientID, &p.Version, &state, &supersedes, &p.CreatedBy, &createdAt, &updatedAt, &publishedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.State = domain.ActionPlanState(state)
	p.SupersedesID = supersedes.String
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return p, err
	}
	if p.PublishedAt, err = db.ScanTime(publishedAt); err != nil {
		return p, err
	}
	if p.ArchivedAt, err = db.ScanTime(archivedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertActionPlan(ctx context.Context, tx *sql.Tx, p domain.ActionPlan) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO action_plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.ClientID, p.Version, string(p.State), db.Nullable(p.SupersedesID), p.CreatedBy,
		db.FormatTime(p.CreatedAt), db.FormatTime(p.UpdatedAt), db.NullableTime(p.PublishedAt), db.NullableTime(p.ArchivedAt))
	return err
}

// NextPlanVersion returns the next monotonic version for clientID.
func (r Repo) NextPlanVersion(ctx context.Context, tx *sql.Tx, clientID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(version),0) FROM action_plans WHERE client_id=?`), clientID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v + 1, nil
}

func (r Repo) GetActionPlan(ctx context.Context, id string) (domain.ActionPlan, error) {
	return scanActionPlan(r.DB.QueryRowContext(ctx, r.q(`SELECT `+planColumns+` FROM action_plans WHERE id=?`), id))
}

func (r Repo) GetActionPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionPlan, error) {
	return scanActionPlan(tx.QueryRowContext(ctx, r.q(`SELECT `+planColumns+` FROM action_plans WHERE id=?`), id))
}

// ActivePlanForClient returns the client's active plan, if any.
func (r Repo) ActivePlanForClient(ctx context.Context, clientID string) (domain.ActionPlan, error) {
	return scanActionPlan(r.DB.QueryRowContext(ctx, r.q(`SELECT `+planColumns+` FROM action_plans WHERE client_id=? AND state=?`), clientID, string(domain.PlanActive)))
}

func (r Repo) ListActionPlans(ctx context.Context, clientID string) ([]domain.ActionPlan, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+planColumns+` FROM action_plans WHERE client_id=? ORDER BY version`), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionPlan
	for rows.Next() {
		p, err := scanActionPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CompareAndSetPlanState moves a plan between states if its stored state still
// equals from, stamping published_at on activation and archived_at on
// archival. A second active plan for the same client violates the partial
// unique index and surfaces as a unique violation.
func (r Repo) CompareAndSetPlanState(ctx context.Context, tx *sql.Tx, id, from, to string, at time.Time) (bool, error) {
	stamp := db.FormatTime(at)
	query := `UPDATE action_plans SET state=?, updated_at=? WHERE id=? AND state=?`
	args := []any{to, stamp, id, from}
	switch domain.ActionPlanState(to) {
	case domain.PlanActive:
		query = `UPDATE action_plans SET state=?, updated_at=?, published_at=? WHERE id=? AND state=?`
		args = []any{to, stamp, stamp, id, from}
	case domain.PlanArchived:
		query = `UPDATE action_plans SET state=?, updated_at=?, archived_at=? WHERE id=? AND state=?`
		args = []any{to, stamp, stamp, id, from}
	}
	res, err := tx.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountActionPlansByState(ctx context.Context) (map[string]int, error) {
	return r.countByState(ctx, `SELECT state, count(*) FROM action_plans GROUP BY state`)
}

// OtherActivePlanTx returns the id of an active plan of planID's client other
// than planID itself, or "" when there is none.
func (r Repo) OtherActivePlanTx(ctx context.Context, tx *sql.Tx, planID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, r.q(`SELECT o.id FROM action_plans o JOIN action_plans p ON p.client_id = o.client_id
WHERE p.id=? AND o.state=? AND o.id<>?`), planID, string(domain.PlanActive), planID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}
