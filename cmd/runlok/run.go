package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/config"
	policygit "runlok-hq/runlok/pkg/policy/git"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/retention"
	"runlok-hq/runlok/pkg/security/auth"
	"runlok-hq/runlok/pkg/server"
	"runlok-hq/runlok/pkg/signing"
	"runlok-hq/runlok/pkg/telemetry/health"
	"runlok-hq/runlok/pkg/telemetry/tracing"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		listenAddress string
		dryRun        bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the policy watcher, retention scheduler and ops server",
		Long: `Run runlok as a long-lived process. It keeps the policy current (file
watch or git polling), runs the scheduled retention sweep and serves health,
metrics, policy and verification endpoints.

Every policy load and reload is recorded as a policy_change event.

Examples:
  # Start with a config file
  runlok run --config /etc/runlok/config.yaml

  # Override listen address
  runlok run --listen 127.0.0.1:9090

  # Validate config and wiring without starting
  runlok run --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.Server.ListenAddress = listenAddress
			}
			out := cmd.OutOrStdout()

			tracer, err := tracing.New(cfg.Telemetry.Tracing, Version)
			if err != nil {
				return cli.NewConfigError("telemetry.tracing", err.Error())
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := tracer.Shutdown(ctx); err != nil {
					slog.Warn("tracer shutdown failed", "error", err)
				}
			}()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{
				metrics:           cfg.Telemetry.Metrics.Enabled,
				recordPolicyLoads: true,
			})
			if err != nil {
				return cli.NewCommandError("run", err)
			}
			defer a.Close()

			info := a.policies.Info()
			fmt.Fprintf(out, "runlok v%s\n", Version)
			fmt.Fprintf(out, "✓ Policy %s loaded (%d rules, %s)\n", info.Version, info.RulesCount, info.ShortHash)
			if info.Fallback {
				fmt.Fprintln(out, "✗ Fallback rules active")
			}
			if dryRun {
				fmt.Fprintln(out, "✓ Configuration valid")
				return nil
			}

			scheduler := retention.NewScheduler(a.retention, cfg.Retention.Schedule, cfg.Retention.AutoCleanup)

			checker := health.New(0)
			checker.RegisterCheck("policy", health.PolicyCheck(a.policies))
			checker.RegisterCheck("audit_storage", health.AuditStorageCheck(a.auditStore))
			checker.RegisterCheck("enforcement_storage", health.EnforcementStorageCheck(a.enforcementStore))
			if cfg.Retention.Schedule != "" {
				checker.RegisterCheck("retention_scheduler", health.RunnerCheck("retention scheduler", scheduler))
			}

			group, gctx := errgroup.WithContext(ctx)

			if err := scheduler.Start(gctx); err != nil {
				return cli.NewCommandError("run", err)
			}
			defer scheduler.Stop()
			if next := scheduler.NextRun(); next != nil {
				slog.Debug("retention scheduler started", "next_run", next)
			}

			if cfg.Server.ListenAddress != "" {
				deps := server.Deps{
					Policies:    a.policies,
					Verifier:    a.recorder,
					Health:      checker,
					MetricsPath: cfg.Telemetry.Metrics.Path,
					Version:     health.NewVersionInfo(Version, GitCommit, BuildDate),
				}
				if a.metrics != nil {
					deps.Metrics = a.metrics.Handler()
				}
				if deps.Auth, err = operatorAuth(ctx, cfg.Server.Operators); err != nil {
					return cli.NewConfigError("server.operators", err.Error())
				}
				srv := server.New(cfg.Server, deps)
				group.Go(func() error { return srv.Start(gctx) })
				fmt.Fprintf(out, "✓ Ops server listening on %s\n", cfg.Server.ListenAddress)
			}

			switch {
			case cfg.Policy.Source == "file" && cfg.Policy.Watch:
				watcher, err := manager.NewFileWatcher(cfg.Policy.FilePath, a.policies, cfg.Policy.Debounce, slog.Default())
				if err != nil {
					return cli.NewCommandError("run", err)
				}
				group.Go(func() error { return watcher.Watch(gctx) })
				fmt.Fprintf(out, "✓ Watching %s\n", cfg.Policy.FilePath)
			case a.repo != nil && cfg.Policy.Git.PollInterval > 0:
				poller := policygit.NewPoller(a.repo, a.policies, cfg.Policy.Git.PollInterval, slog.Default())
				group.Go(func() error { return poller.Run(gctx) })
				fmt.Fprintf(out, "✓ Polling %s every %s\n", cfg.Policy.Git.Repository, cfg.Policy.Git.PollInterval)
			}

			fmt.Fprintln(out, "\nPress Ctrl+C to stop")
			group.Go(func() error {
				<-gctx.Done()
				return nil
			})
			if err := group.Wait(); err != nil {
				return cli.NewCommandError("run", err)
			}
			fmt.Fprintln(out, "✓ Stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listenAddress, "listen", "l", "", "override listen address")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate config and policy without starting")
	return cmd
}

// operatorAuth resolves operator tokens. No operators means no auth.
func operatorAuth(ctx context.Context, operators []config.OperatorConfig) (*auth.Middleware, error) {
	if len(operators) == 0 {
		slog.Warn("no operators configured; /v1 endpoints are unauthenticated")
		return nil, nil
	}
	ops := make([]*auth.Operator, 0, len(operators))
	tokens := make(map[string][]byte, len(operators))
	for _, oc := range operators {
		token, err := signing.ResolveSecret(ctx, oc.TokenRef)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", oc.ID, err)
		}
		ops = append(ops, &auth.Operator{ID: oc.ID, Enabled: !oc.Disabled})
		tokens[oc.ID] = token
	}
	validator, err := auth.NewTokenValidator(ops, tokens)
	if err != nil {
		return nil, err
	}
	return auth.NewMiddleware(validator, nil), nil
}
