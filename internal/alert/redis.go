package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisSink appends alerts to a Redis stream. A SET NX marker per alert key
// keeps redelivered alerts out of the stream.
type RedisSink struct {
	client    *backend.Client
	stream    string
	prefix    string
	dedupeTTL time.Duration
}

type RedisOption func(*RedisSink)

// WithStream sets the stream alerts are appended to.
func WithStream(stream string) RedisOption {
	return func(s *RedisSink) {
		s.stream = stream
	}
}

// WithDedupeTTL sets how long a delivered alert key is remembered.
func WithDedupeTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSink) {
		s.dedupeTTL = ttl
	}
}

func NewRedisSink(address, password string, db int, opts ...RedisOption) *RedisSink {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisSinkFromClient(rdb, opts...)
}

func NewRedisSinkFromClient(client *backend.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		client:    client,
		stream:    "readiness:alerts",
		prefix:    "readiness:alert:",
		dedupeTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSink) Send(ctx context.Context, a Alert) error {
	marker := s.prefix + a.Key
	fresh, err := s.client.SetNX(ctx, marker, a.RaisedAt.UTC().Format(time.RFC3339Nano), s.dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("redis alert dedupe: %w", err)
	}
	if !fresh {
		return nil
	}
	data, err := json.Marshal(a.Data)
	if err != nil {
		s.client.Del(ctx, marker)
		return fmt.Errorf("marshal alert data: %w", err)
	}
	err = s.client.XAdd(ctx, &backend.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"key":            a.Key,
			"event_id":       a.EventID,
			"rule_id":        a.RuleID,
			"event_type":     a.EventType,
			"aggregate_type": a.AggregateType,
			"aggregate_id":   a.AggregateID,
			"severity":       a.Severity,
			"message":        a.Message,
			"data":           string(data),
			"raised_at":      a.RaisedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		// Forget the marker so the retry can deliver.
		s.client.Del(ctx, marker)
		return fmt.Errorf("redis alert xadd: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
