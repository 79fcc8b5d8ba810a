package config

import "time"

// Default values for configuration fields.
const (
	// Policy defaults
	DefaultPolicySource          = "file"
	DefaultPolicyFilePath        = "./policy.yaml"
	DefaultPolicyDebounce        = 100 * time.Millisecond
	DefaultPolicyOnReloadFailure = "fallback"
	DefaultPolicyGitBranch       = "main"
	DefaultPolicyGitPath         = "policy.yaml"
	DefaultPolicyGitAuthType     = "none"
	DefaultPolicyGitPollInterval = 30 * time.Second
	DefaultPolicyGitTimeout      = 30 * time.Second
	DefaultPolicyGitLocalPath    = "data/policy-repo"

	// Audit defaults
	DefaultAuditBackend         = "sqlite"
	DefaultSQLitePath           = "data/runlok.db"
	DefaultSQLiteDriver         = "sqlite"
	DefaultSQLiteMaxOpenConns   = 10
	DefaultSQLiteMaxIdleConns   = 5
	DefaultSQLiteWALMode        = true
	DefaultSQLiteBusyTimeout    = 5 * time.Second
	DefaultPostgresMaxConns     = int32(10)
	DefaultAuditAnonymizeOrigin = true
	DefaultEnforcementBackend   = "sqlite"
	DefaultSigningSecretRef     = "env:RUNLOK_SIGNING_SECRET"

	// Retention defaults
	DefaultRetentionStandardDays    = 2555
	DefaultRetentionExtendedDays    = 3650
	DefaultRetentionEnforcementDays = 2555
	DefaultRetentionUpcomingHorizon = 30 * 24 * time.Hour
	DefaultRetentionSchedule        = "0 3 * * *"
	DefaultRetentionArchivePath     = "data/archives"

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsEnabled     = true
	DefaultMetricsNamespace   = "runlok"
	DefaultMetricsPath        = "/metrics"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingInsecure    = true
	DefaultTracingSampleRatio = 1.0
	DefaultTracingServiceName = "runlok"

	// Server defaults
	DefaultServerListenAddress   = "127.0.0.1:9090"
	DefaultServerReadTimeout     = 10 * time.Second
	DefaultServerWriteTimeout    = 30 * time.Second
	DefaultServerShutdownTimeout = 15 * time.Second
)

// Default returns a configuration with every default applied. Fields whose
// zero value is meaningful (booleans that default to true, the server
// address) are only set here, so documents decoded on top of Default can
// still turn them off.
func Default() *Config {
	cfg := &Config{}
	cfg.Audit.SQLite.WALMode = DefaultSQLiteWALMode
	cfg.Enforcement.SQLite.WALMode = DefaultSQLiteWALMode
	cfg.Audit.AnonymizeOrigin = DefaultAuditAnonymizeOrigin
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Insecure = DefaultTracingInsecure
	cfg.Server.ListenAddress = DefaultServerListenAddress
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets defaults for any fields that have zero values.
// It is idempotent.
func ApplyDefaults(cfg *Config) {
	// Policy defaults
	if cfg.Policy.Source == "" {
		cfg.Policy.Source = DefaultPolicySource
	}
	if cfg.Policy.FilePath == "" {
		cfg.Policy.FilePath = DefaultPolicyFilePath
	}
	if cfg.Policy.Debounce == 0 {
		cfg.Policy.Debounce = DefaultPolicyDebounce
	}
	if cfg.Policy.OnReloadFailure == "" {
		cfg.Policy.OnReloadFailure = DefaultPolicyOnReloadFailure
	}

	git := &cfg.Policy.Git
	if git.Branch == "" {
		git.Branch = DefaultPolicyGitBranch
	}
	if git.Path == "" {
		git.Path = DefaultPolicyGitPath
	}
	if git.Auth.Type == "" {
		git.Auth.Type = DefaultPolicyGitAuthType
	}
	if git.PollInterval == 0 {
		git.PollInterval = DefaultPolicyGitPollInterval
	}
	if git.Timeout == 0 {
		git.Timeout = DefaultPolicyGitTimeout
	}
	if git.LocalPath == "" {
		git.LocalPath = DefaultPolicyGitLocalPath
	}

	// Audit defaults
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = DefaultAuditBackend
	}
	applySQLiteDefaults(&cfg.Audit.SQLite, DefaultSQLitePath)
	if cfg.Audit.Postgres.MaxConns == 0 {
		cfg.Audit.Postgres.MaxConns = DefaultPostgresMaxConns
	}

	// An empty enforcement path shares the audit database; see EnforcementSQLite.
	if cfg.Enforcement.Backend == "" {
		cfg.Enforcement.Backend = DefaultEnforcementBackend
	}
	applySQLiteDefaults(&cfg.Enforcement.SQLite, "")

	if cfg.Signing.SecretRef == "" {
		cfg.Signing.SecretRef = DefaultSigningSecretRef
	}

	// Retention defaults
	r := &cfg.Retention
	if r.StandardDays == 0 {
		r.StandardDays = DefaultRetentionStandardDays
	}
	if r.ExtendedDays == 0 {
		r.ExtendedDays = DefaultRetentionExtendedDays
	}
	if r.EnforcementDays == 0 {
		r.EnforcementDays = DefaultRetentionEnforcementDays
	}
	if r.UpcomingHorizon == 0 {
		r.UpcomingHorizon = DefaultRetentionUpcomingHorizon
	}
	if r.Schedule == "" {
		r.Schedule = DefaultRetentionSchedule
	}
	if r.ArchivePath == "" {
		r.ArchivePath = DefaultRetentionArchivePath
	}

	// Telemetry defaults
	t := &cfg.Telemetry
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}

	// Server defaults
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultServerShutdownTimeout
	}
}

func applySQLiteDefaults(s *SQLiteConfig, path string) {
	if s.Path == "" {
		s.Path = path
	}
	if s.Driver == "" {
		s.Driver = DefaultSQLiteDriver
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = DefaultSQLiteMaxOpenConns
	}
	if s.MaxIdleConns == 0 {
		s.MaxIdleConns = DefaultSQLiteMaxIdleConns
	}
	if s.BusyTimeout == 0 {
		s.BusyTimeout = DefaultSQLiteBusyTimeout
	}
}

// EnforcementSQLite returns the effective enforcement database settings.
func (c *Config) EnforcementSQLite() SQLiteConfig {
	s := c.Enforcement.SQLite
	if s.Path == "" {
		s.Path = c.Audit.SQLite.Path
	}
	return s
}
