package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"runlok-hq/runlok/pkg/retention"
)

// RetentionMetrics tracks cleanup runs.
//
// Metrics:
//   - runlok_retention_cleanup_runs_total: runs by mode (dry_run, delete) and outcome
//   - runlok_retention_deleted_records_total: records deleted
//   - runlok_retention_overdue_records: overdue records found by the last run
//   - runlok_retention_held_records: overdue audit records held by the last run
type RetentionMetrics struct {
	runsTotal    *prometheus.CounterVec
	deletedTotal prometheus.Counter
	overdue      prometheus.Gauge
	held         prometheus.Gauge
}

// NewRetentionMetrics creates and registers retention metrics.
func NewRetentionMetrics(namespace string, registry *prometheus.Registry) *RetentionMetrics {
	rm := &RetentionMetrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "cleanup_runs_total",
				Help:      "Total number of retention cleanup runs",
			},
			[]string{"mode", "outcome"},
		),

		deletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_records_total",
			Help:      "Total number of records deleted by retention cleanup",
		}),

		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "overdue_records",
			Help:      "Overdue records eligible for deletion at the last run",
		}),

		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "held_records",
			Help:      "Overdue audit records held back at the last run",
		}),
	}

	registry.MustRegister(rm.runsTotal, rm.deletedTotal, rm.overdue, rm.held)
	return rm
}

// RecordCleanup records one run. result may be nil when err is set.
func (rm *RetentionMetrics) RecordCleanup(result *retention.CleanupResult, err error) {
	mode := "delete"
	if result != nil && result.DryRun {
		mode = "dry_run"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	rm.runsTotal.WithLabelValues(mode, outcome).Inc()

	if result == nil {
		return
	}
	rm.deletedTotal.Add(float64(result.DeletedCount))
	rm.overdue.Set(float64(len(result.Candidates)))
	rm.held.Set(float64(len(result.Held)))
}
