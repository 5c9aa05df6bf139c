// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	TasksIngested   prometheus.Counter
	TasksSkipped    prometheus.Counter
	Transitions     *prometheus.CounterVec
	ExecuteAttempts prometheus.Counter
	ExecuteFailures prometheus.Counter
	Requeues        prometheus.Counter
	Deferrals       prometheus.Counter
	CycleDuration   prometheus.Histogram
	PendingTasks    prometheus.Gauge
	DeferredOpen    prometheus.Gauge
}

// New registers the collectors with a registry. Pass a fresh registry
// in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_tasks_ingested_total",
			Help: "Items admitted into the vault",
		}),
		TasksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_tasks_skipped_total",
			Help: "Items skipped by deduplication",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskvault_transitions_total",
			Help: "Task state transitions by target state",
		}, []string{"to"}),
		ExecuteAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_execute_attempts_total",
			Help: "Execution attempts including retries",
		}),
		ExecuteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_execute_failures_total",
			Help: "Execution attempts that returned an error",
		}),
		Requeues: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_requeues_total",
			Help: "Cooldown requeues (escalation tier 2)",
		}),
		Deferrals: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskvault_deferrals_total",
			Help: "Graceful degradations into the deferred queue (tier 3)",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskvault_cycle_duration_seconds",
			Help:    "Wall time of one processing cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskvault_pending_tasks",
			Help: "Live tasks currently in pending",
		}),
		DeferredOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskvault_deferred_open",
			Help: "Deferred queue entries awaiting a human decision",
		}),
	}
}

// Default registers against the global Prometheus registry
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// ObserveCycle records one cycle's duration
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
}
