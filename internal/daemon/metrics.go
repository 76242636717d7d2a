package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the daemon's operational counters on an owned registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks           prometheus.Counter
	tickFailures    prometheus.Counter
	tickDuration    prometheus.Histogram
	driftChecks     prometheus.Counter
	driftDetections *prometheus.CounterVec
	fixAttempts     *prometheus.CounterVec
	fixesSkipped    prometheus.Counter
	runbooksWritten prometheus.Counter
	pendingPaths    prometheus.Gauge
	daemonState     prometheus.Gauge
}

// NewMetrics creates and registers the daemon metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_ticks_total",
			Help: "Reconciliation loop ticks executed.",
		}),
		tickFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_tick_failures_total",
			Help: "Ticks that ended in an error.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftwatch_tick_duration_seconds",
			Help:    "Wall time of one reconciliation tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		driftChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_drift_checks_total",
			Help: "Completed drift check cycles.",
		}),
		driftDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftwatch_drift_detections_total",
			Help: "Drift detections by severity.",
		}, []string{"severity"}),
		fixAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftwatch_fix_attempts_total",
			Help: "Fix attempts by result.",
		}, []string{"result"}),
		fixesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_fixes_skipped_total",
			Help: "Fixes refused by the safety controller.",
		}),
		runbooksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftwatch_runbooks_written_total",
			Help: "Remediation runbooks generated.",
		}),
		pendingPaths: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftwatch_pending_paths",
			Help: "Changed paths queued for the next tick.",
		}),
		daemonState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftwatch_state",
			Help: "Daemon state (0=stopped 1=starting 2=running 3=paused 4=stopping 5=error).",
		}),
	}
}

// Registry returns the registry for scraping by the embedding process.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
