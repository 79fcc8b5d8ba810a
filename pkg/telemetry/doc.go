// Package telemetry groups runlok's observability packages.
//
//   - logging: slog handlers with secret redaction and request context
//   - metrics: Prometheus collectors for decisions, the audit chain,
//     policy reloads and retention cleanup
//   - tracing: OpenTelemetry provider setup and HTTP propagation
//   - health: liveness and readiness probes
//
// Each subpackage is configured from config.TelemetryConfig and wired in
// cmd/runlok.
package telemetry
