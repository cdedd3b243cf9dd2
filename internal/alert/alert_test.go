package alert_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/alert"
)

func sampleAlert() alert.Alert {
	return alert.Alert{
		Key:           alert.DedupeKey("evt-1", "plan-activated"),
		EventID:       "evt-1",
		RuleID:        "plan-activated",
		EventType:     "ActionPlanStateChanged",
		AggregateType: "ActionPlan",
		AggregateID:   "plan-1",
		Severity:      "info",
		Message:       "action plan activated",
		Data:          map[string]any{"client_id": "client-1"},
		RaisedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisSinkDedupesByKey(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	sink := alert.NewRedisSinkFromClient(client, alert.WithStream("alerts"), alert.WithDedupeTTL(time.Hour))
	defer sink.Close()
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, sampleAlert()))
	require.NoError(t, sink.Send(ctx, sampleAlert()))

	entries, err := client.XRange(ctx, "alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1:plan-activated", entries[0].Values["key"])
	assert.Equal(t, `{"client_id":"client-1"}`, entries[0].Values["data"])

	other := sampleAlert()
	other.Key = alert.DedupeKey("evt-2", "plan-activated")
	require.NoError(t, sink.Send(ctx, other))
	n, err := client.XLen(ctx, "alerts").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisSinkUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	sink := alert.NewRedisSinkFromClient(client)
	mr.Close()
	assert.Error(t, sink.Send(context.Background(), sampleAlert()))
}

func TestWebhookSinkSignsAndFilters(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	var sigs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get("X-Readiness-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := alert.NewWebhookSink([]alert.WebhookTarget{
		{URL: srv.URL, Secret: "s3cret"},
		{URL: srv.URL, Events: []string{"TaskStateChanged"}},
	}, srv.Client())
	require.NoError(t, sink.Send(context.Background(), sampleAlert()))

	require.Len(t, bodies, 1, "second target filters out plan events")
	assert.Equal(t, "sha256="+alert.Sign("s3cret", bodies[0]), sigs[0])
	var got alert.Alert
	require.NoError(t, json.Unmarshal(bodies[0], &got))
	assert.Equal(t, "plan-1", got.AggregateID)
}

func TestWebhookSinkReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := alert.NewWebhookSink([]alert.WebhookTarget{{URL: srv.URL}}, nil)
	err := sink.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

type recordingSink struct {
	err  error
	sent []alert.Alert
}

func (s *recordingSink) Send(_ context.Context, a alert.Alert) error {
	s.sent = append(s.sent, a)
	return s.err
}

func TestMultiSendsToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	err := alert.Multi{bad, ok, alert.LogSink{}}.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Len(t, ok.sent, 1)
	assert.Len(t, bad.sent, 1)
}
