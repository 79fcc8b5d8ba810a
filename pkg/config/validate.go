package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "audit.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration. All problems are
// collected and returned together as a ValidationError.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateEnforcement(cfg)...)
	errs = append(errs, validateSigning(&cfg.Signing)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)
	errs = append(errs, validateServer(&cfg.Server)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) []FieldError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return []FieldError{{
		Field:   field,
		Message: fmt.Sprintf("must be one of %s (got %q)", strings.Join(allowed, ", "), value),
	}}
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, oneOf("policy.source", cfg.Source, "file", "git")...)
	errs = append(errs, oneOf("policy.on_reload_failure", cfg.OnReloadFailure, "fallback", "keep_last")...)

	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{Field: "policy.debounce", Message: "must not be negative"})
	}

	switch cfg.Source {
	case "file":
		if cfg.FilePath == "" {
			errs = append(errs, FieldError{Field: "policy.file_path", Message: "required when source is file"})
		}
	case "git":
		git := cfg.Git
		if git.Repository == "" {
			errs = append(errs, FieldError{Field: "policy.git.repository", Message: "required when source is git"})
		}
		if git.PollInterval <= 0 {
			errs = append(errs, FieldError{Field: "policy.git.poll_interval", Message: "must be positive"})
		}
		if git.Timeout <= 0 {
			errs = append(errs, FieldError{Field: "policy.git.timeout", Message: "must be positive"})
		}
		if git.Depth < 0 {
			errs = append(errs, FieldError{Field: "policy.git.depth", Message: "must not be negative"})
		}
		errs = append(errs, oneOf("policy.git.auth.type", git.Auth.Type, "none", "token", "ssh")...)
		if git.Auth.Type == "token" && git.Auth.Token == "" {
			errs = append(errs, FieldError{Field: "policy.git.auth.token", Message: "required for token auth"})
		}
		if git.Auth.Type == "ssh" && git.Auth.SSHKeyPath == "" {
			errs = append(errs, FieldError{Field: "policy.git.auth.ssh_key_path", Message: "required for ssh auth"})
		}
	}

	return errs
}

func validateSQLite(prefix string, cfg *SQLiteConfig) []FieldError {
	var errs []FieldError
	if cfg.Path == "" {
		errs = append(errs, FieldError{Field: prefix + ".path", Message: "required"})
	}
	errs = append(errs, oneOf(prefix+".driver", cfg.Driver, "sqlite", "sqlite3")...)
	if cfg.MaxOpenConns < 1 {
		errs = append(errs, FieldError{Field: prefix + ".max_open_conns", Message: "must be at least 1"})
	}
	if cfg.MaxIdleConns < 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		errs = append(errs, FieldError{Field: prefix + ".max_idle_conns", Message: "must be between 0 and max_open_conns"})
	}
	if cfg.BusyTimeout < 0 {
		errs = append(errs, FieldError{Field: prefix + ".busy_timeout", Message: "must not be negative"})
	}
	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, oneOf("audit.backend", cfg.Backend, "memory", "sqlite", "postgres")...)
	switch cfg.Backend {
	case "sqlite":
		errs = append(errs, validateSQLite("audit.sqlite", &cfg.SQLite)...)
	case "postgres":
		if cfg.Postgres.URL == "" {
			errs = append(errs, FieldError{Field: "audit.postgres.url", Message: "required when backend is postgres"})
		}
		if cfg.Postgres.MaxConns < 1 {
			errs = append(errs, FieldError{Field: "audit.postgres.max_conns", Message: "must be at least 1"})
		}
	}
	for i, k := range cfg.SensitiveKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("audit.sensitive_keys[%d]", i), Message: "must not be empty"})
		}
	}
	return errs
}

func validateEnforcement(cfg *Config) []FieldError {
	errs := oneOf("enforcement.backend", cfg.Enforcement.Backend, "memory", "sqlite")
	if cfg.Enforcement.Backend == "sqlite" {
		effective := cfg.EnforcementSQLite()
		errs = append(errs, validateSQLite("enforcement.sqlite", &effective)...)
	}
	return errs
}

func validateSigning(cfg *SigningConfig) []FieldError {
	return validateSecretRef("signing.secret_ref", cfg.SecretRef)
}

func validateSecretRef(field, ref string) []FieldError {
	for _, prefix := range []string{"env:", "file:", "literal:"} {
		if strings.HasPrefix(ref, prefix) && len(ref) > len(prefix) {
			return nil
		}
	}
	return []FieldError{{
		Field:   field,
		Message: fmt.Sprintf("must be env:NAME, file:PATH or literal:VALUE (got %q)", ref),
	}}
}

func validateRetention(cfg *RetentionConfig) []FieldError {
	var errs []FieldError

	if cfg.StandardDays < 1 {
		errs = append(errs, FieldError{Field: "retention.standard_days", Message: "must be at least 1"})
	}
	if cfg.ExtendedDays < cfg.StandardDays {
		errs = append(errs, FieldError{Field: "retention.extended_days", Message: "must not be shorter than standard_days"})
	}
	if cfg.EnforcementDays < 1 {
		errs = append(errs, FieldError{Field: "retention.enforcement_days", Message: "must be at least 1"})
	}
	if cfg.UpcomingHorizon <= 0 {
		errs = append(errs, FieldError{Field: "retention.upcoming_horizon", Message: "must be positive"})
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		errs = append(errs, FieldError{Field: "retention.schedule", Message: fmt.Sprintf("invalid cron expression: %v", err)})
	}
	if cfg.ArchiveBeforeDelete && cfg.ArchivePath == "" {
		errs = append(errs, FieldError{Field: "retention.archive_path", Message: "required when archive_before_delete is set"})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, oneOf("telemetry.logging.level", strings.ToLower(cfg.Logging.Level), "debug", "info", "warn", "error")...)
	errs = append(errs, oneOf("telemetry.logging.format", cfg.Logging.Format, "json", "text")...)

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "required when tracing is enabled"})
	}
	return errs
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError
	if cfg.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
			errs = append(errs, FieldError{Field: "server.listen_address", Message: fmt.Sprintf("invalid address: %v", err)})
		}
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "must not be negative"})
	}

	seen := make(map[string]bool, len(cfg.Operators))
	for i, op := range cfg.Operators {
		prefix := fmt.Sprintf("server.operators[%d]", i)
		switch {
		case op.ID == "":
			errs = append(errs, FieldError{Field: prefix + ".id", Message: "required"})
		case seen[op.ID]:
			errs = append(errs, FieldError{Field: prefix + ".id", Message: fmt.Sprintf("duplicate operator %q", op.ID)})
		}
		seen[op.ID] = true
		errs = append(errs, validateSecretRef(prefix+".token_ref", op.TokenRef)...)
	}
	return errs
}
