package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
)

// ErrOpenSLARecord is returned when a task already has an open SLA record.
var ErrOpenSLARecord = errors.New("task already has an open sla record")

func (r Repo) UpsertSLAConfig(ctx context.Context, cfg domain.SLAConfig, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO sla_configs(task_type,target_minutes,updated_at) VALUES (?,?,?)
ON CONFLICT(task_type) DO UPDATE SET target_minutes=excluded.target_minutes, updated_at=excluded.updated_at`),
		cfg.TaskType, cfg.TargetMinutes, db.FormatTime(at))
	return err
}

func (r Repo) GetSLAConfig(ctx context.Context, taskType string) (domain.SLAConfig, error) {
	var cfg domain.SLAConfig
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT task_type,target_minutes FROM sla_configs WHERE task_type=?`), taskType).
		Scan(&cfg.TaskType, &cfg.TargetMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNotFound
	}
	return cfg, err
}

func (r Repo) ListSLAConfigs(ctx context.Context) ([]domain.SLAConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_type,target_minutes FROM sla_configs ORDER BY task_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLAConfig
	for rows.Next() {
		var cfg domain.SLAConfig
		if err := rows.Scan(&cfg.TaskType, &cfg.TargetMinutes); err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, rows.Err()
}

const slaColumns = `id,task_id,target_minutes,started_at,stopped_at,breached,actual_minutes`

func scanSLARecord(row rowScanner) (domain.SLARecord, error) {
	var rec domain.SLARecord
	var startedAt string
	var stoppedAt sql.NullString
	var breached int
	var actual sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.TargetMinutes, &startedAt, &stoppedAt, &breached, &actual)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rec.StartedAt, err = db.ParseTime(startedAt); err != nil {
		return rec, err
	}
	if rec.StoppedAt, err = db.ScanTime(stoppedAt); err != nil {
		return rec, err
	}
	rec.Breached = breached == 1
	if actual.Valid {
		v := actual.Float64
		rec.ActualMinutes = &v
	}
	return rec, nil
}

// InsertSLARecord stores a new open record. The one-open-record-per-task
// index turns a duplicate start into ErrOpenSLARecord.
func (r Repo) InsertSLARecord(ctx context.Context, rec domain.SLARecord) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO sla_records(`+slaColumns+`) VALUES (?,?,?,?,NULL,0,NULL)`),
		rec.ID, rec.TaskID, rec.TargetMinutes, db.FormatTime(rec.StartedAt))
	if db.IsUniqueViolation(err) {
		return ErrOpenSLARecord
	}
	return err
}

func (r Repo) GetOpenSLARecord(ctx context.Context, taskID string) (domain.SLARecord, error) {
	return scanSLARecord(r.DB.QueryRowContext(ctx, r.q(`SELECT `+slaColumns+` FROM sla_records WHERE task_id=? AND stopped_at IS NULL`), taskID))
}

func (r Repo) ListSLARecords(ctx context.Context, taskID string) ([]domain.SLARecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+slaColumns+` FROM sla_records WHERE task_id=? ORDER BY started_at, id`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLARecord
	for rows.Next() {
		rec, err := scanSLARecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CloseSLARecord stops an open record. It reports false if the record was
// already stopped by someone else.
func (r Repo) CloseSLARecord(ctx context.Context, id string, stoppedAt time.Time, actualMinutes float64, breached bool) (bool, error) {
	b := 0
	if breached {
		b = 1
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE sla_records SET stopped_at=?, actual_minutes=?, breached=? WHERE id=? AND stopped_at IS NULL`),
		db.FormatTime(stoppedAt), actualMinutes, b, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CountSLABreaches(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM sla_records WHERE breached = 1`)
}

func (r Repo) CountActiveSLARecords(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT count(*) FROM sla_records WHERE stopped_at IS NULL`)
}
