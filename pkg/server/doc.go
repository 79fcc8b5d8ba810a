// Package server provides the runlok ops HTTP endpoint.
//
// Routes (chi):
//
//	GET  /healthz            liveness
//	GET  /readyz             readiness (503 when a component check fails)
//	GET  /version            build information
//	GET  /metrics            Prometheus exposition
//	GET  /v1/policy/info     active policy version, hash and rules
//	POST /v1/policy/reload   re-read the configured policy source
//	GET  /v1/audit/verify    verify the audit chain and record the check
//
// Reload and verify record governance events. The X-Runlok-Actor header
// attributes them to a user; without it they are attributed to the
// system actor.
//
// Every request gets an X-Request-ID, a server span continuing any W3C
// traceparent, and one access log line.
package server
