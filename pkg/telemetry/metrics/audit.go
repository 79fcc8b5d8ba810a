package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"runlok-hq/runlok/pkg/audit/chain"
)

// AuditMetrics tracks the audit chain.
//
// Metrics:
//   - runlok_audit_appends_total: appends by event type and outcome
//   - runlok_audit_append_duration_seconds: append latency
//   - runlok_audit_verifications_total: verification runs by result
//   - runlok_audit_verify_duration_seconds: verification latency
//   - runlok_audit_last_verify_checked: records checked by the last run
//   - runlok_audit_last_verify_violations: violations found by the last run
type AuditMetrics struct {
	appendsTotal      *prometheus.CounterVec
	appendDuration    prometheus.Histogram
	verificationTotal *prometheus.CounterVec
	verifyDuration    prometheus.Histogram
	lastChecked       prometheus.Gauge
	lastViolations    prometheus.Gauge
}

// NewAuditMetrics creates and registers audit metrics.
func NewAuditMetrics(namespace string, registry *prometheus.Registry) *AuditMetrics {
	am := &AuditMetrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Total number of audit append attempts",
			},
			[]string{"event_type", "outcome"},
		),

		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "append_duration_seconds",
			Help:      "Duration of audit appends in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		verificationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "verifications_total",
				Help:      "Total number of chain verifications",
			},
			[]string{"result"},
		),

		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "verify_duration_seconds",
			Help:      "Duration of chain verification in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to 16s
		}),

		lastChecked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "last_verify_checked",
			Help:      "Records checked by the most recent verification",
		}),

		lastViolations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "last_verify_violations",
			Help:      "Violations found by the most recent verification",
		}),
	}

	registry.MustRegister(
		am.appendsTotal,
		am.appendDuration,
		am.verificationTotal,
		am.verifyDuration,
		am.lastChecked,
		am.lastViolations,
	)
	return am
}

// RecordAppend records one append attempt.
func (am *AuditMetrics) RecordAppend(eventType string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	am.appendsTotal.WithLabelValues(eventType, outcome).Inc()
	am.appendDuration.Observe(duration.Seconds())
}

// RecordVerify records one verification.
func (am *AuditMetrics) RecordVerify(result *chain.VerifyResult, duration time.Duration) {
	label := "intact"
	if !result.Intact {
		label = "violated"
	}
	am.verificationTotal.WithLabelValues(label).Inc()
	am.verifyDuration.Observe(duration.Seconds())
	am.lastChecked.Set(float64(result.Checked))
	am.lastViolations.Set(float64(result.Violations))
}
