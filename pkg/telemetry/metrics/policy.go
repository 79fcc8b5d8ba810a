package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"runlok-hq/runlok/pkg/policy/manager"
)

// PolicyMetrics tracks policy evaluation and reloads.
//
// Metrics:
//   - runlok_policy_decisions_total: decisions by action and matched rule
//   - runlok_policy_evaluation_duration_seconds: evaluation latency by action
//   - runlok_policy_reloads_total: load attempts by outcome
//   - runlok_policy_rules: rules in the active document
//   - runlok_policy_fallback_active: 1 while the built-in deny-all is active
//   - runlok_policy_last_reload_timestamp_seconds: time of the last successful load
type PolicyMetrics struct {
	decisionsTotal     *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	reloadsTotal       *prometheus.CounterVec
	rules              prometheus.Gauge
	fallbackActive     prometheus.Gauge
	lastReload         prometheus.Gauge
}

// NewPolicyMetrics creates and registers policy metrics.
func NewPolicyMetrics(namespace string, registry *prometheus.Registry) *PolicyMetrics {
	pm := &PolicyMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Total number of policy decisions",
			},
			[]string{"action", "rule"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"action"},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Total number of policy load attempts",
			},
			[]string{"outcome"},
		),

		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "rules",
			Help:      "Number of rules in the active policy",
		}),

		fallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "fallback_active",
			Help:      "1 while the built-in deny-all policy is active",
		}),

		lastReload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "last_reload_timestamp_seconds",
			Help:      "Unix time of the last successful policy load",
		}),
	}

	registry.MustRegister(
		pm.decisionsTotal,
		pm.evaluationDuration,
		pm.reloadsTotal,
		pm.rules,
		pm.fallbackActive,
		pm.lastReload,
	)
	return pm
}

// RecordDecision records one decision.
func (pm *PolicyMetrics) RecordDecision(action, rule string, duration time.Duration) {
	pm.decisionsTotal.WithLabelValues(action, rule).Inc()
	pm.evaluationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordReload records one load attempt.
func (pm *PolicyMetrics) RecordReload(res *manager.ReloadResult) {
	if res.Succeeded() {
		pm.reloadsTotal.WithLabelValues("success").Inc()
		pm.lastReload.SetToCurrentTime()
	} else {
		pm.reloadsTotal.WithLabelValues("failure").Inc()
	}
	pm.rules.Set(float64(res.RulesCount))
	if res.Fallback {
		pm.fallbackActive.Set(1)
	} else {
		pm.fallbackActive.Set(0)
	}
}
