// Package outbox is the durable, append-only event log written in the same
// transaction as the state change it describes, and drained later by the
// automation dispatcher.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readiness/internal/db"
	"readiness/internal/domain"
)

// EventPayload is the opaque structured event_data of an event.
type EventPayload map[string]any

// StateChangedType returns the event type emitted for a transition of entityType.
func StateChangedType(entityType string) string { return entityType + "StateChanged" }

// CreatedType returns the event type emitted when an entity is created.
func CreatedType(entityType string) string { return entityType + "Created" }

// Appender appends an event inside a caller-owned transaction.
type Appender interface {
	Append(ctx context.Context, tx *sql.Tx, evtType, aggregateType, aggregateID string, payload EventPayload) (domain.OutboxEvent, error)
}

type Writer struct {
	DB  *db.DB
	Now func() time.Time
}

// Append inserts a pending event using tx. It never commits; the caller's
// transaction decides whether the event exists.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, aggregateType, aggregateID string, payload EventPayload) (domain.OutboxEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.OutboxEvent{
		ID:            uuid.NewString(),
		EventType:     evtType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventData:     payload,
		CreatedAt:     w.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, w.DB.Rebind(`INSERT INTO outbox_events(id,event_type,aggregate_type,aggregate_id,event_data,created_at,attempts) VALUES (?,?,?,?,?,?,0)`),
		evt.ID, evt.EventType, evt.AggregateType, evt.AggregateID, string(data), db.FormatTime(evt.CreatedAt))
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("append outbox event: %w", err)
	}
	return evt, nil
}
