package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "readiness"

// DispatchMetrics counts dispatcher work. A nil *DispatchMetrics records
// nothing.
type DispatchMetrics struct {
	actions  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_actions_total",
			Help:      "Rule actions executed by the dispatcher, by rule and outcome.",
		}, []string{"rule_id", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "automation_action_duration_seconds",
			Help:      "Duration of rule actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rule_id"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_dispatched_total",
			Help:      "Outbox events handled by the dispatcher, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.actions, m.duration, m.events)
	}
	return m
}

func (m *DispatchMetrics) ObserveAction(ruleID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(ruleID, outcome).Inc()
	m.duration.WithLabelValues(ruleID).Observe(d.Seconds())
}

func (m *DispatchMetrics) ObserveEvent(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

// StatsCollector exports GetWorkflowStats as gauges on every scrape.
type StatsCollector struct {
	stats   Stats
	timeout time.Duration
	logger  *slog.Logger

	tasks       *prometheus.Desc
	plans       *prometheus.Desc
	breaches    *prometheus.Desc
	activeSLA   *prometheus.Desc
	unprocessed *prometheus.Desc
	failing     *prometheus.Desc
}

func NewStatsCollector(stats Stats, logger *slog.Logger) *StatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsCollector{
		stats:       stats,
		timeout:     5 * time.Second,
		logger:      logger,
		tasks:       prometheus.NewDesc(namespace+"_tasks", "Tasks by state.", []string{"state"}, nil),
		plans:       prometheus.NewDesc(namespace+"_action_plans", "Action plans by state.", []string{"state"}, nil),
		breaches:    prometheus.NewDesc(namespace+"_sla_breaches", "SLA records closed in breach.", nil, nil),
		activeSLA:   prometheus.NewDesc(namespace+"_sla_active_records", "Open SLA records.", nil, nil),
		unprocessed: prometheus.NewDesc(namespace+"_outbox_unprocessed_events", "Outbox events awaiting dispatch.", nil, nil),
		failing:     prometheus.NewDesc(namespace+"_outbox_failing_events", "Unprocessed outbox events that failed at least once.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.plans
	ch <- c.breaches
	ch <- c.activeSLA
	ch <- c.unprocessed
	ch <- c.failing
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	st, err := c.stats.GetWorkflowStats(ctx)
	if err != nil {
		c.logger.Error("collect workflow stats", "error", err)
		return
	}
	for state, n := range st.TasksByState {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), state)
	}
	for state, n := range st.ActionPlansByState {
		ch <- prometheus.MustNewConstMetric(c.plans, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.breaches, prometheus.GaugeValue, float64(st.SLABreaches))
	ch <- prometheus.MustNewConstMetric(c.activeSLA, prometheus.GaugeValue, float64(st.ActiveSLARecords))
	ch <- prometheus.MustNewConstMetric(c.unprocessed, prometheus.GaugeValue, float64(st.UnprocessedEvents))
	ch <- prometheus.MustNewConstMetric(c.failing, prometheus.GaugeValue, float64(st.FailingEvents))
}
