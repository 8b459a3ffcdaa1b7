// Package metrics exports pipeline activity to Prometheus: counters fed from
// lifecycle events and gauges read from a Stats snapshot at scrape time.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pubflow/internal/eventbus"
	"pubflow/internal/pipeline"
)

const namespace = "pubflow"

type Metrics struct {
	events     *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	retries    prometheus.Counter
	deferred   *prometheus.CounterVec
	published  prometheus.Counter
	failed     prometheus.Counter
	violations prometheus.Counter
	latency    prometheus.Histogram
	retryDelay prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events seen, by type.",
		}, []string{"type"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Finished publish attempts by status and failure reason.",
		}, []string{"status", "reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retries put back on the queue.",
		}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deferred_total",
			Help:      "Claimed jobs pushed back because the bot or device was not eligible.",
		}, []string{"reason"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_published_total",
			Help:      "Posts that reached PUBLISHED.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_failed_total",
			Help:      "Posts that reached FAILED.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Detected state machine or ownership violations.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of publish calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff applied to scheduled retries.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.events, m.tasks, m.retries, m.deferred, m.published, m.failed, m.violations, m.latency, m.retryDelay)
	return m
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.events.WithLabelValues(e.Type).Inc()
	switch e.Type {
	case eventbus.TaskFinished:
		m.tasks.WithLabelValues(e.Status, e.Reason).Inc()
		if e.Elapsed > 0 {
			m.latency.Observe(e.Elapsed.Seconds())
		}
	case eventbus.PostRetryScheduled:
		m.retries.Inc()
		m.retryDelay.Observe(e.Delay.Seconds())
	case eventbus.JobDeferred:
		m.deferred.WithLabelValues(e.Reason).Inc()
	case eventbus.PostPublished:
		m.published.Inc()
	case eventbus.PostFailed:
		m.failed.Inc()
	case eventbus.InvariantViolation:
		m.violations.Inc()
	}
}

// Run feeds the bus into m until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// StatsFunc returns a pipeline snapshot; *pipeline.Service.Stats satisfies it.
type StatsFunc func(ctx context.Context) (pipeline.Stats, error)

// RegisterStats exposes queue, device and bot gauges computed from stats on each scrape.
func RegisterStats(reg prometheus.Registerer, stats StatsFunc, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return reg.Register(&statsCollector{stats: stats, timeout: timeout})
}
