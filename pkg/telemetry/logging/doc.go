// Package logging builds the process-wide slog logger.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Redact: true,
//	})
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
// Components derive their loggers with slog.Default().With("component", ...).
//
// # Redaction
//
// With Redact set, attributes whose key contains a sensitive token
// (password, secret, token, api_key, authorization, private_key) are
// replaced by "***". String and error values are scrubbed of embedded
// API keys, bearer tokens and password assignments.
//
// # Context fields
//
// Records logged with a context carry request_id, session_id and
// agent_id when set with WithRequestID, WithSession and WithAgent, plus
// trace_id and span_id of the active OpenTelemetry span.
package logging
