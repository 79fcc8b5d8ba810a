package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RUNLOK_"

// LoadConfig loads configuration from a YAML file at path. The document
// is decoded over Default, then defaults are filled in and the result is
// validated. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default and applies defaults. It
// does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration and applies
// RUNLOK_SECTION_FIELD environment overrides. An empty path starts from
// Default. The sequence is:
//
//  1. Load YAML from file (or Default)
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// envBinder applies overrides and collects malformed values.
type envBinder struct {
	lookup lookupFunc
	errs   []FieldError
}

func (b *envBinder) str(name string, dst *string) {
	if v, ok := b.lookup(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func (b *envBinder) boolean(name string, dst *bool) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		b.errs = append(b.errs, FieldError{Field: EnvPrefix + name, Message: fmt.Sprintf("invalid boolean %q", v)})
		return
	}
	*dst = parsed
}

func (b *envBinder) integer(name string, dst *int) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		b.errs = append(b.errs, FieldError{Field: EnvPrefix + name, Message: fmt.Sprintf("invalid integer %q", v)})
		return
	}
	*dst = parsed
}

func (b *envBinder) duration(name string, dst *time.Duration) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		b.errs = append(b.errs, FieldError{Field: EnvPrefix + name, Message: fmt.Sprintf("invalid duration %q", v)})
		return
	}
	*dst = parsed
}

func (b *envBinder) float(name string, dst *float64) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		b.errs = append(b.errs, FieldError{Field: EnvPrefix + name, Message: fmt.Sprintf("invalid number %q", v)})
		return
	}
	*dst = parsed
}

func (b *envBinder) list(name string, dst *[]string) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// applyEnvOverrides applies RUNLOK_SECTION_FIELD overrides. Malformed
// values are reported rather than silently ignored.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	b := &envBinder{lookup: lookup}

	// Policy overrides
	b.str("POLICY_SOURCE", &cfg.Policy.Source)
	b.str("POLICY_FILE_PATH", &cfg.Policy.FilePath)
	b.boolean("POLICY_WATCH", &cfg.Policy.Watch)
	b.duration("POLICY_DEBOUNCE", &cfg.Policy.Debounce)
	b.str("POLICY_ON_RELOAD_FAILURE", &cfg.Policy.OnReloadFailure)
	b.str("POLICY_GIT_REPOSITORY", &cfg.Policy.Git.Repository)
	b.str("POLICY_GIT_BRANCH", &cfg.Policy.Git.Branch)
	b.str("POLICY_GIT_PATH", &cfg.Policy.Git.Path)
	b.str("POLICY_GIT_AUTH_TYPE", &cfg.Policy.Git.Auth.Type)
	b.str("POLICY_GIT_AUTH_TOKEN", &cfg.Policy.Git.Auth.Token)
	b.str("POLICY_GIT_AUTH_SSH_KEY_PATH", &cfg.Policy.Git.Auth.SSHKeyPath)
	b.str("POLICY_GIT_AUTH_SSH_KEY_PASSPHRASE", &cfg.Policy.Git.Auth.SSHKeyPassphrase)
	b.duration("POLICY_GIT_POLL_INTERVAL", &cfg.Policy.Git.PollInterval)
	b.str("POLICY_GIT_LOCAL_PATH", &cfg.Policy.Git.LocalPath)

	// Audit overrides
	b.str("AUDIT_BACKEND", &cfg.Audit.Backend)
	b.str("AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	b.str("AUDIT_SQLITE_DRIVER", &cfg.Audit.SQLite.Driver)
	b.boolean("AUDIT_SQLITE_WAL_MODE", &cfg.Audit.SQLite.WALMode)
	b.str("AUDIT_POSTGRES_URL", &cfg.Audit.Postgres.URL)
	b.boolean("AUDIT_ANONYMIZE_ORIGIN", &cfg.Audit.AnonymizeOrigin)
	b.list("AUDIT_SENSITIVE_KEYS", &cfg.Audit.SensitiveKeys)

	b.str("ENFORCEMENT_BACKEND", &cfg.Enforcement.Backend)
	b.str("ENFORCEMENT_SQLITE_PATH", &cfg.Enforcement.SQLite.Path)

	b.str("SIGNING_SECRET_REF", &cfg.Signing.SecretRef)

	// Retention overrides
	b.integer("RETENTION_STANDARD_DAYS", &cfg.Retention.StandardDays)
	b.integer("RETENTION_EXTENDED_DAYS", &cfg.Retention.ExtendedDays)
	b.integer("RETENTION_ENFORCEMENT_DAYS", &cfg.Retention.EnforcementDays)
	b.duration("RETENTION_UPCOMING_HORIZON", &cfg.Retention.UpcomingHorizon)
	b.str("RETENTION_SCHEDULE", &cfg.Retention.Schedule)
	b.boolean("RETENTION_AUTO_CLEANUP", &cfg.Retention.AutoCleanup)
	b.boolean("RETENTION_ARCHIVE_BEFORE_DELETE", &cfg.Retention.ArchiveBeforeDelete)
	b.str("RETENTION_ARCHIVE_PATH", &cfg.Retention.ArchivePath)

	// Telemetry overrides
	b.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	b.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	b.boolean("TELEMETRY_LOGGING_ADD_SOURCE", &cfg.Telemetry.Logging.AddSource)
	b.boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	b.boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	b.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	b.float("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)

	// Server overrides
	b.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	b.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	if len(b.errs) > 0 {
		return ValidationError{Errors: b.errs}
	}
	return nil
}
