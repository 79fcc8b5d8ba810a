// Package tracing configures OpenTelemetry tracing.
//
// New installs an SDK tracer provider exporting over OTLP gRPC and a W3C
// trace-context propagator. Components create spans with
// otel.Tracer(name), so they pick up the provider without a reference to
// this package:
//
//	tr, err := tracing.New(cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tr.Shutdown(context.Background())
//
// Spans emitted by runlok:
//
//   - policy.evaluate: one per tool call evaluation
//   - audit.append, audit.verify: chain operations
//   - compliance.generate: report generation
//   - "<METHOD> <path>": ops server requests, via HTTPMiddleware
//
// Sampling is parent-based: a sampled caller keeps the trace sampled and
// new traces are sampled at sample_ratio.
package tracing
