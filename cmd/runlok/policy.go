package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/policy/engine"
	"runlok-hq/runlok/pkg/policy/manager"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect, validate and dry-run policy documents",
	}
	policyCmd.AddCommand(
		newPolicyInfoCmd(opts),
		newPolicyValidateCmd(opts),
		newPolicyTestCmd(opts),
	)
	return policyCmd
}

func newPolicyInfoCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show version, hash and rules of a policy document",
		Long: `Show the version, content hash and rules of a policy document.

Without --file the configured policy source is loaded.

Examples:
  runlok policy info --file policy.yaml
  runlok policy info -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var info manager.Info
			if file != "" {
				rs, err := parseDocument(file)
				if err != nil {
					return err
				}
				info = infoFor(rs)
			} else {
				cfg, err := opts.loadConfig(false)
				if err != nil {
					return err
				}
				a, err := newApp(cmd.Context(), cfg, appOptions{})
				if err != nil {
					return err
				}
				defer a.Close()
				info = a.policies.Info()
			}
			return opts.print(cmd, info, func(w io.Writer) error {
				return printInfo(w, info)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "policy document to inspect")
	return cmd
}

type validationReport struct {
	File   string   `json:"file"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func newPolicyValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy document",
		Long: `Validate a policy document and list every problem found.

Exits 1 when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read policy document: %w", err)
			}

			report := validationReport{File: args[0], Valid: true}
			for _, e := range manager.Validate(data) {
				report.Valid = false
				report.Errors = append(report.Errors, e.Error())
			}

			err = opts.print(cmd, report, func(w io.Writer) error {
				if report.Valid {
					fmt.Fprintf(w, "✓ %s is valid\n", report.File)
					return nil
				}
				fmt.Fprintf(w, "✗ %s has %d problem(s):\n", report.File, len(report.Errors))
				for _, e := range report.Errors {
					fmt.Fprintf(w, "  - %s\n", e)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !report.Valid {
				return cli.NewExitError(1, "policy document is invalid")
			}
			return nil
		},
	}
}

func newPolicyTestCmd(opts *rootOptions) *cobra.Command {
	var (
		file     string
		tool     string
		argPairs []string
		ctxPairs []string
		expect   string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run a tool call against a candidate policy document",
		Long: `Evaluate one tool call against a policy document without activating it
and without recording anything.

Values given with --arg and --ctx are parsed as JSON when possible, so
--arg limit=10 is a number and --arg path=/etc is a string.

Examples:
  runlok policy test --file policy.yaml --tool shell_exec --arg cmd="rm -rf /"
  runlok policy test --file policy.yaml --tool db_write --ctx env=prod --expect approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseDocument(file)
			if err != nil {
				return err
			}
			callArgs, err := parsePairs("arg", argPairs)
			if err != nil {
				return err
			}
			session, err := parsePairs("ctx", ctxPairs)
			if err != nil {
				return err
			}

			decision := engine.EvaluateRuleSet(rs, &engine.Call{
				ToolName: tool,
				Args:     callArgs,
				Session:  session,
			})

			err = opts.print(cmd, decision, func(w io.Writer) error {
				fmt.Fprintf(w, "Decision: %s\n", decision.Action)
				fmt.Fprintf(w, "Reason:   %s\n", decision.Reason)
				fmt.Fprintf(w, "Policy:   %s (%s)\n", decision.PolicyVersion, manager.ShortHash(decision.PolicyHash))
				return nil
			})
			if err != nil {
				return err
			}

			if expect != "" {
				want, err := engine.ParseAction(expect)
				if err != nil {
					return err
				}
				if decision.Action != want {
					fmt.Fprintf(cmd.ErrOrStderr(), "expected %s, got %s\n", want, decision.Action)
					return cli.NewExitError(1, "unexpected decision")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "candidate policy document (required)")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name (required)")
	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "tool argument key=value (repeatable)")
	cmd.Flags().StringArrayVar(&ctxPairs, "ctx", nil, "session context key=value (repeatable)")
	cmd.Flags().StringVar(&expect, "expect", "", "exit 1 unless the decision is this action")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func parseDocument(path string) (*engine.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy document: %w", err)
	}
	result, err := manager.Parse(data, path, time.Now())
	if err != nil {
		return nil, err
	}
	return result.RuleSet, nil
}

func infoFor(rs *engine.RuleSet) manager.Info {
	return manager.Info{
		Version:     rs.Version,
		ContentHash: rs.ContentHash,
		ShortHash:   manager.ShortHash(rs.ContentHash),
		RulesCount:  len(rs.Rules),
		Rules:       manager.Summaries(rs),
		LoadedAt:    rs.LoadedAt,
		Origin:      rs.Origin,
		Fallback:    rs.Fallback,
	}
}

func printInfo(w io.Writer, info manager.Info) error {
	fmt.Fprintf(w, "Version: %s\n", info.Version)
	fmt.Fprintf(w, "Hash:    %s\n", info.ShortHash)
	fmt.Fprintf(w, "Origin:  %s\n", info.Origin)
	if info.Fallback {
		fmt.Fprintln(w, "⚠️  Fallback rules active")
	}
	if info.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", info.LastError)
	}
	fmt.Fprintf(w, "Rules (%d):\n", info.RulesCount)
	for i, r := range info.Rules {
		line := fmt.Sprintf("  %d. %s -> %s [%s]", i+1, r.Name, r.Action, strings.Join(r.Tools, ", "))
		if len(r.Conditions) > 0 {
			line += " when " + strings.Join(r.Conditions, ", ")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
