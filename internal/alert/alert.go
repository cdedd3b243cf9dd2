// Package alert delivers observability-only notifications raised by
// automation rules.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Alert struct {
	// Key identifies the alert for deduplication, one per (event, rule).
	Key           string         `json:"key"`
	EventID       string         `json:"event_id"`
	RuleID        string         `json:"rule_id"`
	EventType     string         `json:"event_type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Severity      string         `json:"severity"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	RaisedAt      time.Time      `json:"raised_at"`
}

// DedupeKey returns the key an alert for eventID raised by ruleID carries.
func DedupeKey(eventID, ruleID string) string { return eventID + ":" + ruleID }

type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(ctx context.Context, a Alert) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	switch a.Severity {
	case "warning", "warn":
		level = slog.LevelWarn
	case "critical", "error":
		level = slog.LevelError
	}
	l.Log(ctx, level, a.Message,
		"alert_key", a.Key, "rule_id", a.RuleID, "event_type", a.EventType,
		"aggregate_type", a.AggregateType, "aggregate_id", a.AggregateID)
	return nil
}
