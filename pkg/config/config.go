package config

import "time"

// Config is the root configuration structure for runlok.
type Config struct {
	// Policy selects where the policy document comes from and how it is
	// reloaded.
	Policy PolicyConfig `yaml:"policy"`

	// Audit configures the audit chain and its storage backend.
	Audit AuditConfig `yaml:"audit"`

	// Enforcement configures storage of per-call enforcement records.
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Signing configures the HMAC secret used to sign enforcement records.
	Signing SigningConfig `yaml:"signing"`

	// Retention configures retention windows and cleanup scheduling.
	Retention RetentionConfig `yaml:"retention"`

	// Telemetry contains logging, metrics, and tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Server configures the operational HTTP endpoint.
	Server ServerConfig `yaml:"server"`
}

// PolicyConfig contains configuration for the policy store.
type PolicyConfig struct {
	// Source is where the document is read from.
	// Options: "file", "git"
	// Default: "file"
	Source string `yaml:"source"`

	// FilePath is the policy document path when Source is "file".
	// Default: "./policy.yaml"
	FilePath string `yaml:"file_path"`

	// Watch enables hot reload on file change.
	// Default: false
	Watch bool `yaml:"watch"`

	// Debounce is the quiet period before a detected change is reloaded.
	// Default: 100ms
	Debounce time.Duration `yaml:"debounce"`

	// OnReloadFailure decides what is active after a failed load.
	// Options: "fallback", "keep_last"
	// Default: "fallback"
	OnReloadFailure string `yaml:"on_reload_failure"`

	// Git configures the repository when Source is "git".
	Git PolicyGitConfig `yaml:"git"`
}

// PolicyGitConfig contains configuration for a git-hosted policy document.
type PolicyGitConfig struct {
	// Repository is the clone URL.
	Repository string `yaml:"repository"`

	// Branch is the branch to track.
	// Default: "main"
	Branch string `yaml:"branch"`

	// Path is the document path relative to the repository root.
	// Default: "policy.yaml"
	Path string `yaml:"path"`

	Auth GitAuthConfig `yaml:"auth"`

	// PollInterval is how often the remote is checked for new commits.
	// Default: 30s
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout bounds each clone or pull.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// LocalPath is the checkout directory.
	// Default: "data/policy-repo"
	LocalPath string `yaml:"local_path"`

	// Depth limits clone history; 0 clones everything.
	Depth int `yaml:"depth"`
}

// GitAuthConfig contains git transport credentials.
type GitAuthConfig struct {
	// Type is the authentication method.
	// Options: "none", "token", "ssh"
	// Default: "none"
	Type string `yaml:"type"`

	Token            string `yaml:"token"`
	SSHKeyPath       string `yaml:"ssh_key_path"`
	SSHKeyPassphrase string `yaml:"ssh_key_passphrase"`
}

// AuditConfig contains configuration for the audit chain.
type AuditConfig struct {
	// Backend selects the storage implementation.
	// Options: "memory", "sqlite", "postgres"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`

	// AnonymizeOrigin hashes the actor origin (typically a client IP)
	// before it is stored.
	// Default: true
	AnonymizeOrigin bool `yaml:"anonymize_origin"`

	// SensitiveKeys extends the built-in list of context key tokens whose
	// values are anonymized.
	SensitiveKeys []string `yaml:"sensitive_keys"`
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/runlok.db"
	Path string `yaml:"path"`

	// Driver is the database/sql driver name.
	// Options: "sqlite" (pure Go), "sqlite3" (cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig contains PostgreSQL connection configuration.
type PostgresConfig struct {
	// URL is a libpq-style connection string or postgres:// URL.
	URL string `yaml:"url"`

	// MaxConns caps the connection pool.
	// Default: 10
	MaxConns int32 `yaml:"max_conns"`
}

// EnforcementConfig contains configuration for enforcement records.
type EnforcementConfig struct {
	// Backend selects the storage implementation.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite configures the database when Backend is "sqlite". An empty
	// path shares the audit database.
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SigningConfig contains configuration for enforcement record signatures.
type SigningConfig struct {
	// SecretRef locates the HMAC secret.
	// Forms: "env:NAME", "file:/path", "literal:value" (tests only)
	// Default: "env:RUNLOK_SIGNING_SECRET"
	SecretRef string `yaml:"secret_ref"`
}

// RetentionConfig contains retention windows and cleanup scheduling.
type RetentionConfig struct {
	// StandardDays is the retention window for standard records.
	// Default: 2555 (7 years)
	StandardDays int `yaml:"standard_days"`

	// ExtendedDays is the retention window for extended records.
	// Default: 3650 (10 years)
	ExtendedDays int `yaml:"extended_days"`

	// EnforcementDays is the retention window for enforcement records.
	// Default: 2555
	EnforcementDays int `yaml:"enforcement_days"`

	// UpcomingHorizon is how far ahead a deadline counts as upcoming.
	// Default: 720h (30 days)
	UpcomingHorizon time.Duration `yaml:"upcoming_horizon"`

	// Schedule is the cron expression for the cleanup sweep.
	// Default: "0 3 * * *"
	Schedule string `yaml:"schedule"`

	// AutoCleanup lets the scheduled sweep delete. When false the sweep
	// only reports what it would delete.
	// Default: false
	AutoCleanup bool `yaml:"auto_cleanup"`

	// ArchiveBeforeDelete writes records to ArchivePath before deleting.
	// Default: false
	ArchiveBeforeDelete bool `yaml:"archive_before_delete"`

	// ArchivePath is the directory for cleanup archives.
	// Default: "data/archives"
	ArchivePath string `yaml:"archive_path"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	// Default: "runlok"
	Namespace string `yaml:"namespace"`

	// Path is the HTTP path for the Prometheus endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is the service name in traces.
	// Default: "runlok"
	ServiceName string `yaml:"service_name"`
}

// ServerConfig contains configuration for the operational HTTP endpoint.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on. Empty disables
	// the server.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Operators lists the callers allowed to use the /v1 endpoints. When
	// empty the endpoints are unauthenticated and the actor of governance
	// events is taken from the X-Runlok-Actor header.
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is one ops API caller.
type OperatorConfig struct {
	// ID is recorded as the actor of governance events the operator causes.
	ID string `yaml:"id"`

	// TokenRef locates the bearer token (env:NAME, file:/path or
	// literal:VALUE).
	TokenRef string `yaml:"token_ref"`

	// Disabled rejects the operator's token without removing it.
	Disabled bool `yaml:"disabled"`
}
