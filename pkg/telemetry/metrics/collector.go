package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/policy/engine"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/retention"
)

// maxRuleLabels bounds the distinct rule names used as label values.
// Further rules are reported as "other".
const maxRuleLabels = 1000

// Collector owns every runlok metric. It is attached to the components
// as their observer:
//
//   - engine.Observer: decisions and evaluation latency
//   - chain.Observer: appends and verifications
//   - manager.ReloadListener: policy reloads
//   - retention.Observer: cleanup runs
type Collector struct {
	config   config.MetricsConfig
	registry *prometheus.Registry

	policyMetrics    *PolicyMetrics
	auditMetrics     *AuditMetrics
	retentionMetrics *RetentionMetrics

	cardinalityLimiter *CardinalityLimiter
}

var (
	_ engine.Observer        = (*Collector)(nil)
	_ chain.Observer         = (*Collector)(nil)
	_ manager.ReloadListener = (*Collector)(nil)
	_ retention.Observer     = (*Collector)(nil)
)

// NewCollector creates and registers all metrics. If registry is nil a
// new one is created.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "runlok"
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		policyMetrics:      NewPolicyMetrics(cfg.Namespace, registry),
		auditMetrics:       NewAuditMetrics(cfg.Namespace, registry),
		retentionMetrics:   NewRetentionMetrics(cfg.Namespace, registry),
		cardinalityLimiter: NewCardinalityLimiter(maxRuleLabels),
	}
}

// ObserveDecision records one policy decision.
func (c *Collector) ObserveDecision(d *engine.Decision, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	rule := d.MatchedRule
	if rule == "" {
		rule = "none"
	} else if !c.cardinalityLimiter.Allow(rule) {
		rule = "other"
	}
	c.policyMetrics.RecordDecision(string(d.Action), rule, duration)
}

// OnReload records a policy load attempt.
func (c *Collector) OnReload(_ context.Context, res *manager.ReloadResult) {
	if !c.config.Enabled {
		return
	}
	c.policyMetrics.RecordReload(res)
}

// ObserveAppend records one audit append.
func (c *Collector) ObserveAppend(eventType string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordAppend(eventType, duration, err)
}

// ObserveVerify records one chain verification.
func (c *Collector) ObserveVerify(result *chain.VerifyResult, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordVerify(result, duration)
}

// ObserveCleanup records one retention cleanup run.
func (c *Collector) ObserveCleanup(result *retention.CleanupResult, err error) {
	if !c.config.Enabled {
		return
	}
	c.retentionMetrics.RecordCleanup(result, err)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter caps the number of distinct label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter allowing maxCardinality values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already tracked or fits under the limit.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
