package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
)

type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string { return r.DB.Rebind(query) }

const taskColumns = `id,action_plan_id,type,state,assigned_to,priority,due_at,sla_deadline_at,origin_event_id,origin_rule_id,created_at,updated_at,completed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var planID, assignedTo, priority, dueAt, slaDeadline, originEvent, originRule, completedAt sql.NullString
	var state, createdAt, updatedAt string
	err := row.Scan(&t.ID, &planID, &t.Type, &state, &assignedTo, &priority, &dueAt, &slaDeadline, &originEvent, &originRule, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.State = domain.TaskState(state)
	t.ActionPlanID = planID.String
	t.AssignedTo = assignedTo.String
	t.Priority = priority.String
	t.OriginEventID = originEvent.String
	t.OriginRuleID = originRule.String
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return t, err
	}
	if t.DueAt, err = db.ScanTime(dueAt); err != nil {
		return t, err
	}
	if t.SLADeadlineAt, err = db.ScanTime(slaDeadline); err != nil {
		return t, err
	}
	if t.CompletedAt, err = db.ScanTime(completedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, db.Nullable(t.ActionPlanID), t.Type, string(t.State), db.Nullable(t.AssignedTo), db.Nullable(t.Priority),
		db.NullableTime(t.DueAt), db.NullableTime(t.SLADeadlineAt), db.Nullable(t.OriginEventID), db.Nullable(t.OriginRuleID),
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt), db.NullableTime(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

// FindTaskByOrigin returns the task an automation rule created for an event.
func (r Repo) FindTaskByOrigin(ctx context.Context, eventID, ruleID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE origin_event_id=? AND origin_rule_id=?`), eventID, ruleID))
}

// CompareAndSetTaskState moves a task from one state to another only if its
// stored state still equals from. completed_at is set exactly when the new
// state is completed.
func (r Repo) CompareAndSetTaskState(ctx context.Context, tx *sql.Tx, id, from, to string, at time.Time) (bool, error) {
	var completedAt any
	if to == string(domain.TaskCompleted) {
		completedAt = db.FormatTime(at)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET state=?, updated_at=?, completed_at=? WHERE id=? AND state=?`),
		to, db.FormatTime(at), completedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type TaskFilters struct {
	ActionPlanID string
	State        string
	Type         string
	Limit        int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActionPlanID != "" {
		clauses = append(clauses, "action_plan_id=?")
		args = append(args, f.ActionPlanID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at, id LIMIT ?`, taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	return r.countByState(ctx, `SELECT state, count(*) FROM tasks GROUP BY state`)
}

func (r Repo) countByState(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func (r Repo) count(ctx context.Context, query string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}
