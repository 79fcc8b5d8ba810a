// Package metrics exposes runlok's Prometheus metrics.
//
// # Metrics Categories
//
//   - Policy: decisions by action and rule, evaluation latency, reloads,
//     active rule count, fallback state
//   - Audit: appends by event type, append latency, verification results
//   - Retention: cleanup runs, deleted records, overdue and held records
//
// # Usage
//
// The Collector is passed to each component as its observer:
//
//	collector := metrics.NewCollector(cfg.Telemetry.Metrics, nil)
//	eng := engine.New(store, engine.WithObserver(collector))
//	auditChain := chain.New(auditStore, chain.WithObserver(collector))
//	store.AddListener(collector)
//	mgr := retention.NewManager(auditStore, enfStore, rcfg, retention.WithObserver(collector))
//
//	router.Handle("/metrics", collector.Handler())
//
// Rule names are used as label values. After 1000 distinct names further
// rules are counted as "other".
package metrics
