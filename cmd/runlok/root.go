package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/telemetry/logging"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	output     string
	verbose    bool
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stderr: stderr}

	root := &cobra.Command{
		Use:   "runlok",
		Short: "runlok - policy decisions and audit trail for agent tool calls",
		Long: `runlok decides whether an agent may run a tool call, signs and records
every decision, and keeps a hash-chained audit log of governance events
with retention management and compliance reporting.

Configuration is read from --config, then RUNLOK_* environment variables
override individual fields.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (defaults and environment only when empty)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text, json, csv")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newRunCmd(opts),
		newVersionCmd(opts),
		newPolicyCmd(opts),
		newEnforceCmd(opts),
		newAuditCmd(opts),
		newRetentionCmd(opts),
		newComplianceCmd(opts),
		newKeysCmd(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := cli.SetupSignalHandler(context.Background())
	defer cancel()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(stderr, "Error:", err)
		}
	}
	return cli.ExitCode(err)
}

// loadConfig reads the configuration and installs the default logger.
// One-shot commands log warnings and errors only unless --verbose is set.
func (o *rootOptions) loadConfig(daemon bool) (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(o.configPath)
	if err != nil {
		return nil, cli.NewConfigError("config", err.Error())
	}

	logCfg := logging.FromConfig(cfg.Telemetry.Logging, cfg.Audit.SensitiveKeys)
	logCfg.Writer = o.stderr
	switch {
	case o.verbose:
		logCfg.Level = "debug"
	case !daemon && (logCfg.Level == "" || strings.EqualFold(logCfg.Level, "info") || strings.EqualFold(logCfg.Level, "debug")):
		logCfg.Level = "warn"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func (o *rootOptions) formatter() (cli.Formatter, cli.OutputFormat, error) {
	format, err := cli.ParseFormat(o.output)
	if err != nil {
		return nil, "", err
	}
	return cli.NewFormatter(format), format, nil
}

// print writes data in the selected format. text, when non-nil, renders
// the text format instead of the generic formatter.
func (o *rootOptions) print(cmd *cobra.Command, data any, text func(io.Writer) error) error {
	f, format, err := o.formatter()
	if err != nil {
		return err
	}
	if format == cli.FormatText && text != nil {
		return text(cmd.OutOrStdout())
	}
	return f.FormatTo(cmd.OutOrStdout(), data)
}
