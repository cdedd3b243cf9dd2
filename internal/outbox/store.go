package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"readiness/internal/db"
	"readiness/internal/domain"
)

var ErrNotFound = errors.New("outbox event not found")

// Store reads, claims and settles outbox events. All mutations are
// conditional updates so concurrent workers, in one process or many, never
// both own the same event.
type Store struct {
	DB  *db.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

const eventColumns = `id,event_type,aggregate_type,aggregate_id,event_data,created_at,processed_at,claimed_by,claim_expires_at,attempts,last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.OutboxEvent, error) {
	var (
		e                               domain.OutboxEvent
		data, createdAt                 string
		processedAt, claimedBy, expires sql.NullString
		lastError                       sql.NullString
	)
	if err := row.Scan(&e.ID, &e.EventType, &e.AggregateType, &e.AggregateID, &data, &createdAt, &processedAt, &claimedBy, &expires, &e.Attempts, &lastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, ErrNotFound
		}
		return e, err
	}
	if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
		return e, fmt.Errorf("decode event_data of %s: %w", e.ID, err)
	}
	var err error
	if e.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return e, err
	}
	if e.ProcessedAt, err = db.ScanTime(processedAt); err != nil {
		return e, err
	}
	if e.ClaimExpiresAt, err = db.ScanTime(expires); err != nil {
		return e, err
	}
	e.ClaimedBy = claimedBy.String
	e.LastError = lastError.String
	return e, nil
}

func (s Store) Get(ctx context.Context, id string) (domain.OutboxEvent, error) {
	return scanEvent(s.DB.QueryRowContext(ctx, s.DB.Rebind(`SELECT `+eventColumns+` FROM outbox_events WHERE id=?`), id))
}

// Claim leases up to limit dispatchable events to worker. An event is
// dispatchable when it is unprocessed, its lease (or retry delay) has lapsed,
// and no older unprocessed event exists for the same aggregate.
func (s Store) Claim(ctx context.Context, worker string, limit int, lease time.Duration) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	now := s.now()
	nowStr := db.FormatTime(now)
	rows, err := s.DB.QueryContext(ctx, s.DB.Rebind(`SELECT `+eventColumns+` FROM outbox_events o
WHERE o.processed_at IS NULL
  AND (o.claim_expires_at IS NULL OR o.claim_expires_at <= ?)
  AND NOT EXISTS (
    SELECT 1 FROM outbox_events p
    WHERE p.aggregate_type = o.aggregate_type AND p.aggregate_id = o.aggregate_id
      AND p.processed_at IS NULL
      AND (p.created_at < o.created_at OR (p.created_at = o.created_at AND p.id < o.id)))
ORDER BY o.created_at, o.id LIMIT ?`), nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable events: %w", err)
	}
	var candidates []domain.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := now.Add(lease)
	claimed := make([]domain.OutboxEvent, 0, len(candidates))
	for _, e := range candidates {
		res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`UPDATE outbox_events SET claimed_by=?, claim_expires_at=?
WHERE id=? AND processed_at IS NULL AND (claim_expires_at IS NULL OR claim_expires_at <= ?)`),
			worker, db.FormatTime(expires), e.ID, nowStr)
		if err != nil {
			return claimed, fmt.Errorf("claim event %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.ClaimedBy = worker
			e.ClaimExpiresAt = &expires
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

// MarkProcessed stamps processed_at. It reports false when the event was
// already processed, which callers treat as success.
func (s Store) MarkProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`UPDATE outbox_events SET processed_at=?, claimed_by=NULL, claim_expires_at=NULL WHERE id=? AND processed_at IS NULL`),
		db.FormatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Release gives up worker's claim after a failed attempt. The event becomes
// claimable again at retryAt.
func (s Store) Release(ctx context.Context, id, worker string, cause error, retryAt time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`UPDATE outbox_events SET claimed_by=NULL, claim_expires_at=?, attempts=attempts+1, last_error=?
WHERE id=? AND processed_at IS NULL AND (claimed_by=? OR claimed_by IS NULL)`),
		db.FormatTime(retryAt), db.Nullable(msg), id, worker)
	if err != nil {
		return fmt.Errorf("release event %s: %w", id, err)
	}
	return nil
}

type ListFilter struct {
	AggregateID string
	EventType   string
	PendingOnly bool
	Limit       int
}

// List returns events in creation order.
func (s Store) List(ctx context.Context, f ListFilter) ([]domain.OutboxEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AggregateID != "" {
		clauses = append(clauses, "aggregate_id=?")
		args = append(args, f.AggregateID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.PendingOnly {
		clauses = append(clauses, "processed_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM outbox_events WHERE %s ORDER BY created_at, id LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := s.DB.QueryContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountPending returns the dispatcher backlog depth.
func (s Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

// CountFailing returns pending events that have failed at least once.
func (s Store) CountFailing(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE processed_at IS NULL AND attempts > 0`).Scan(&n)
	return n, err
}
