// Package dispatcher drains the outbox and runs automation rules against each
// event.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"readiness/internal/domain"
	"readiness/internal/observability"
	"readiness/internal/outbox"
	"readiness/internal/repo"
)

// ActionError is a failed rule action. Its event stays unprocessed.
type ActionError struct {
	EventID string
	RuleID  string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %s on event %s: %v", e.RuleID, e.EventID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type Options struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	RetryDelay   time.Duration
	MaxRetry     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 10 * time.Minute
	}
	return o
}

type Dispatcher struct {
	Name    string
	Rules   []Rule
	Outbox  outbox.Store
	Repo    repo.Repo
	Metrics *observability.DispatchMetrics
	Logger  *slog.Logger
	Now     func() time.Time
	Options Options
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ProcessEvent runs every matching rule that has not yet completed for evt
// and marks evt processed once all of them have. Rules are independent; a
// failing rule does not stop the others, but keeps the event pending.
func (d Dispatcher) ProcessEvent(ctx context.Context, evt domain.OutboxEvent) error {
	var errs []error
	for _, rule := range d.Rules {
		if !rule.Match.Matches(evt) {
			continue
		}
		done, err := d.Repo.HasAutomationRun(ctx, evt.ID, rule.ID)
		if err != nil {
			errs = append(errs, &ActionError{EventID: evt.ID, RuleID: rule.ID, Err: err})
			continue
		}
		if done {
			continue
		}
		start := time.Now()
		outcome, err := rule.Action.Execute(ctx, evt, rule.ID)
		if err != nil {
			d.Metrics.ObserveAction(rule.ID, "error", time.Since(start))
			d.log().Error("automation action failed",
				"event_id", evt.ID, "rule_id", rule.ID, "action", rule.Action.Kind(),
				"attempt", evt.Attempts+1, "error", err)
			errs = append(errs, &ActionError{EventID: evt.ID, RuleID: rule.ID, Err: err})
			continue
		}
		d.Metrics.ObserveAction(rule.ID, "ok", time.Since(start))
		if _, err := d.Repo.RecordAutomationRun(ctx, domain.AutomationRun{
			EventID:   evt.ID,
			RuleID:    rule.ID,
			Outcome:   outcome,
			CreatedAt: d.now(),
		}); err != nil {
			errs = append(errs, &ActionError{EventID: evt.ID, RuleID: rule.ID, Err: fmt.Errorf("record run: %w", err)})
			continue
		}
		d.log().Info("automation action completed", "event_id", evt.ID, "rule_id", rule.ID, "outcome", outcome)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := d.Outbox.MarkProcessed(ctx, evt.ID); err != nil {
		return err
	}
	return nil
}

// retryAt doubles the delay per failed attempt up to MaxRetry.
func (d Dispatcher) retryAt(attempts int) time.Time {
	o := d.Options.withDefaults()
	delay := o.RetryDelay
	for i := 0; i < attempts && delay < o.MaxRetry; i++ {
		delay *= 2
	}
	if delay > o.MaxRetry {
		delay = o.MaxRetry
	}
	return d.now().Add(delay)
}

// DrainOnce claims one batch as worker and processes it. It returns how many
// events were claimed.
func (d Dispatcher) DrainOnce(ctx context.Context, worker string) (int, error) {
	o := d.Options.withDefaults()
	events, err := d.Outbox.Claim(ctx, worker, o.BatchSize, o.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim events: %w", err)
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return len(events), ctx.Err()
		}
		if err := d.ProcessEvent(ctx, evt); err != nil {
			d.Metrics.ObserveEvent("failed")
			if rerr := d.Outbox.Release(ctx, evt.ID, worker, err, d.retryAt(evt.Attempts)); rerr != nil {
				d.log().Error("release event", "event_id", evt.ID, "error", rerr)
			}
			continue
		}
		d.Metrics.ObserveEvent("processed")
	}
	return len(events), nil
}

// Run starts Options.Workers polling loops and blocks until ctx is done.
// Errors inside a poll are logged and the loop continues.
func (d Dispatcher) Run(ctx context.Context) error {
	o := d.Options.withDefaults()
	name := d.Name
	if name == "" {
		name = uuid.NewString()[:8]
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", name, i)
		g.Go(func() error {
			d.loop(ctx, worker, o.PollInterval)
			return nil
		})
	}
	d.log().Info("dispatcher started", "workers", o.Workers, "poll_interval", o.PollInterval, "rules", len(d.Rules))
	err := g.Wait()
	d.log().Info("dispatcher stopped")
	return err
}

func (d Dispatcher) loop(ctx context.Context, worker string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := d.DrainOnce(ctx, worker)
		if err != nil && ctx.Err() == nil {
			d.log().Error("dispatch poll failed", "worker", worker, "error", err)
		}
		// A full batch means more work is likely waiting.
		if n >= d.Options.withDefaults().BatchSize && err == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
