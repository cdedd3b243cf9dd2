package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"readiness/internal/alert"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/dispatcher"
	"readiness/internal/engine"
	"readiness/internal/migrate"
	"readiness/internal/observability"
	"readiness/internal/outbox"
	"readiness/internal/repo"
	"readiness/internal/sla"
)

// Runtime wires the store, engine, SLA manager and outbox for one process.
type Runtime struct {
	DB       *db.DB
	Config   *config.Config
	Repo     repo.Repo
	Workflow Workflow
	Outbox   outbox.Store
	Stats    observability.Stats
	Logger   *slog.Logger

	closers []func() error
}

// Open connects to the configured database, applies migrations and imports
// the configured SLA targets.
func Open(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	eng := engine.New(conn)
	eng.Logger = logger
	mgr := sla.Manager{Repo: r, Logger: logger}
	if err := mgr.ImportTargets(ctx, cfg.SLA.Targets); err != nil {
		conn.Close()
		return nil, err
	}
	store := outbox.Store{DB: conn}
	rt := &Runtime{
		DB:       conn,
		Config:   cfg,
		Repo:     r,
		Workflow: Workflow{Engine: eng, SLA: mgr, Logger: logger},
		Outbox:   store,
		Stats:    observability.Stats{Repo: r, Outbox: store},
		Logger:   logger,
	}
	rt.closers = append(rt.closers, conn.Close)
	return rt, nil
}

// AlertSink builds the configured sinks. Alerts are always logged.
func (rt *Runtime) AlertSink() alert.Sink {
	sinks := alert.Multi{alert.LogSink{Logger: rt.Logger}}
	rc := rt.Config.Alerts.Redis
	if rc.Addr != "" {
		var opts []alert.RedisOption
		if rc.Stream != "" {
			opts = append(opts, alert.WithStream(rc.Stream))
		}
		if rc.DedupeTTL > 0 {
			opts = append(opts, alert.WithDedupeTTL(rc.DedupeTTL))
		}
		rs := alert.NewRedisSink(rc.Addr, rc.Password, rc.DB, opts...)
		rt.closers = append(rt.closers, rs.Close)
		sinks = append(sinks, rs)
	}
	var targets []alert.WebhookTarget
	for _, w := range rt.Config.Alerts.Webhooks {
		if w.Enabled != nil && !*w.Enabled {
			continue
		}
		targets = append(targets, alert.WebhookTarget{URL: w.URL, Secret: w.Secret, Events: w.Events, Timeout: w.Timeout})
	}
	if len(targets) > 0 {
		sinks = append(sinks, alert.NewWebhookSink(targets, nil))
	}
	return sinks
}

// Dispatcher builds the automation dispatcher from the configured rules.
func (rt *Runtime) Dispatcher(metrics *observability.DispatchMetrics) (dispatcher.Dispatcher, error) {
	rules, err := dispatcher.BuildRules(rt.Config.Rules, dispatcher.Deps{
		Tasks:       rt.Workflow,
		Transitions: rt.Workflow,
		Alerts:      rt.AlertSink(),
		Registry:    rt.Workflow.Engine.Registry,
	})
	if err != nil {
		return dispatcher.Dispatcher{}, err
	}
	dc := rt.Config.Dispatcher
	return dispatcher.Dispatcher{
		Rules:   rules,
		Outbox:  rt.Outbox,
		Repo:    rt.Repo,
		Metrics: metrics,
		Logger:  rt.Logger,
		Options: dispatcher.Options{
			Workers:      dc.Workers,
			PollInterval: dc.PollInterval,
			BatchSize:    dc.BatchSize,
			Lease:        dc.LeaseDuration,
			RetryDelay:   dc.RetryDelay,
			MaxRetry:     dc.MaxRetryDelay,
		},
	}, nil
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
