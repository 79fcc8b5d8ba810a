package main

import (
	"context"
	"fmt"
	"log/slog"

	"runlok-hq/runlok/internal/sqlitedb"
	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	auditstorage "runlok-hq/runlok/pkg/audit/storage"
	"runlok-hq/runlok/pkg/compliance"
	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/enforcement"
	enfstorage "runlok-hq/runlok/pkg/enforcement/storage"
	"runlok-hq/runlok/pkg/governance"
	"runlok-hq/runlok/pkg/policy/engine"
	policygit "runlok-hq/runlok/pkg/policy/git"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/retention"
	"runlok-hq/runlok/pkg/signing"
	"runlok-hq/runlok/pkg/telemetry/metrics"
)

// appOptions selects what newApp wires beyond the core components.
type appOptions struct {
	// metrics attaches a Prometheus collector to every component.
	metrics bool

	// recordPolicyLoads records the initial load and later reloads as
	// policy_change events. One-shot commands leave it off so that
	// reading the policy does not grow the chain.
	recordPolicyLoads bool
}

// app holds the components every command is built from.
type app struct {
	cfg *config.Config

	auditStore       audit.Storage
	enforcementStore enforcement.Storage

	chain      *chain.Chain
	policies   *manager.Store
	repo       *policygit.Repository
	engine     *engine.Engine
	recorder   *governance.Recorder
	retention  *retention.Manager
	compliance *compliance.Generator
	metrics    *metrics.Collector

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if opts.metrics {
		a.metrics = metrics.NewCollector(cfg.Telemetry.Metrics, nil)
	}

	if a.auditStore, err = openAuditStorage(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.auditStore.Close)

	if a.enforcementStore, err = openEnforcementStorage(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.enforcementStore.Close)

	chainOpts := []chain.Option{
		chain.WithRetentionPeriods(audit.RetentionPeriods{
			StandardDays: cfg.Retention.StandardDays,
			ExtendedDays: cfg.Retention.ExtendedDays,
		}),
		chain.WithAnonymizer(chain.NewAnonymizer(cfg.Audit.SensitiveKeys...)),
		chain.WithAnonymizeOrigin(cfg.Audit.AnonymizeOrigin),
	}
	if a.metrics != nil {
		chainOpts = append(chainOpts, chain.WithObserver(a.metrics))
	}
	a.chain = chain.New(a.auditStore, chainOpts...)
	a.recorder = governance.NewRecorder(a.chain)

	source, err := a.policySource(ctx)
	if err != nil {
		return nil, err
	}
	storeOpts := []manager.StoreOption{
		manager.WithFailureMode(manager.FailureMode(cfg.Policy.OnReloadFailure)),
	}
	if a.metrics != nil {
		storeOpts = append(storeOpts, manager.WithListener(a.metrics))
	}
	if opts.recordPolicyLoads {
		storeOpts = append(storeOpts, manager.WithListener(a.recorder))
	}
	a.policies = manager.NewStore(source, storeOpts...)
	if res := a.policies.Reload(ctx); !res.Succeeded() {
		slog.Warn("policy load failed; fallback rules active", "error", res.Err)
	}

	var engineOpts []engine.Option
	if a.metrics != nil {
		engineOpts = append(engineOpts, engine.WithObserver(a.metrics))
	}
	a.engine = engine.New(a.policies, engineOpts...)

	retentionOpts := []retention.Option{retention.WithAuditor(a.chain)}
	if a.metrics != nil {
		retentionOpts = append(retentionOpts, retention.WithObserver(a.metrics))
	}
	a.retention = retention.NewManager(a.auditStore, a.enforcementStore, retention.Config{
		Horizon:             cfg.Retention.UpcomingHorizon,
		ArchiveBeforeDelete: cfg.Retention.ArchiveBeforeDelete,
		ArchivePath:         cfg.Retention.ArchivePath,
	}, retentionOpts...)

	a.compliance = compliance.NewGenerator(a.auditStore, a.enforcementStore, a.chain, a.retention,
		compliance.WithAuditor(a.chain))

	return a, nil
}

// enforcer resolves the signing secret. Only commands that sign need it.
func (a *app) enforcer(ctx context.Context) (*enforcement.Enforcer, error) {
	signer, err := signing.NewSignerFromRef(ctx, a.cfg.Signing.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secret: %w", err)
	}
	return enforcement.New(a.engine, signer, a.enforcementStore,
		enforcement.WithAuditor(a.chain),
		enforcement.WithRetentionDays(a.cfg.Retention.EnforcementDays),
	), nil
}

func (a *app) policySource(ctx context.Context) (manager.Source, error) {
	if a.cfg.Policy.Source != "git" {
		return manager.NewFileSource(a.cfg.Policy.FilePath), nil
	}

	repo, err := policygit.NewRepository(a.cfg.Policy.Git)
	if err != nil {
		return nil, err
	}
	if err := repo.Clone(ctx); err != nil {
		return nil, err
	}
	a.repo = repo
	return repo, nil
}

// Close releases storage in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to close storage", "error", err)
		}
	}
	a.closers = nil
}

func openAuditStorage(ctx context.Context, cfg *config.Config) (audit.Storage, error) {
	switch cfg.Audit.Backend {
	case "memory":
		return auditstorage.NewMemoryStorage(), nil
	case "postgres":
		return auditstorage.NewPostgresStorage(ctx, auditstorage.PostgresConfig{
			URL:      cfg.Audit.Postgres.URL,
			MaxConns: cfg.Audit.Postgres.MaxConns,
		})
	case "sqlite":
		s := cfg.Audit.SQLite
		return auditstorage.NewSQLiteStorage(ctx, &auditstorage.SQLiteConfig{
			Path:         s.Path,
			Driver:       s.Driver,
			MaxOpenConns: s.MaxOpenConns,
			MaxIdleConns: s.MaxIdleConns,
			WALMode:      s.WALMode,
			BusyTimeout:  s.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s", cfg.Audit.Backend)
	}
}

func openEnforcementStorage(ctx context.Context, cfg *config.Config) (enforcement.Storage, error) {
	switch cfg.Enforcement.Backend {
	case "memory":
		return enfstorage.NewMemoryStorage(), nil
	case "sqlite":
		s := cfg.EnforcementSQLite()
		return enfstorage.NewSQLiteStorage(ctx, sqlitedb.Config{
			Path:         s.Path,
			Driver:       s.Driver,
			MaxOpenConns: s.MaxOpenConns,
			MaxIdleConns: s.MaxIdleConns,
			WALMode:      s.WALMode,
			BusyTimeout:  s.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported enforcement backend: %s", cfg.Enforcement.Backend)
	}
}
