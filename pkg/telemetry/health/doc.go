// Package health serves liveness and readiness probes.
//
// A Checker holds named CheckFuncs. Liveness never runs them; readiness
// runs all of them concurrently, each bounded by the checker timeout, and
// reports degraded (HTTP 503) when any fails.
//
// Component checks for runlok:
//
//	checker := health.New(5 * time.Second)
//	checker.RegisterCheck("policy", health.PolicyCheck(store))
//	checker.RegisterCheck("audit_storage", health.AuditStorageCheck(auditStore))
//	checker.RegisterCheck("enforcement_storage", health.EnforcementStorageCheck(enfStore))
package health
