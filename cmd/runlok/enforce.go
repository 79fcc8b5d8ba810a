package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/enforcement"
)

func newEnforceCmd(opts *rootOptions) *cobra.Command {
	var (
		req       enforcement.Request
		argPairs  []string
		metaPairs []string
	)
	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Evaluate, sign and record one tool call",
		Long: `Evaluate one tool call against the active policy, sign the decision,
store the enforcement record and append a tool_enforcement audit event.

The signing secret is resolved from signing.secret_ref.

Examples:
  runlok enforce --tool shell_exec --session s-1 --agent planner --arg cmd=ls
  runlok enforce --tool db_write --meta env=prod -o json
  runlok enforce approve 0b6d... --by alice
  runlok enforce result 0b6d... --session s-1 --status error --error timeout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Args, err = parsePairs("arg", argPairs); err != nil {
				return err
			}
			if req.Metadata, err = parsePairs("meta", metaPairs); err != nil {
				return err
			}

			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			enforcer, err := a.enforcer(cmd.Context())
			if err != nil {
				return err
			}
			result, err := enforcer.Enforce(cmd.Context(), &req)
			if err != nil {
				return err
			}

			return opts.print(cmd, result, func(w io.Writer) error {
				rec := result.Record
				fmt.Fprintf(w, "Decision:  %s\n", rec.Decision)
				fmt.Fprintf(w, "Reason:    %s\n", rec.Reason)
				fmt.Fprintf(w, "Record:    %s\n", rec.ID)
				fmt.Fprintf(w, "Session:   %s\n", rec.SessionID)
				fmt.Fprintf(w, "Policy:    %s\n", rec.PolicyVersion)
				fmt.Fprintf(w, "Signature: %s\n", rec.Signature)
				if rec.RequiresApproval {
					fmt.Fprintln(w, "Approval required")
				}
				if result.AuditRecord != nil {
					fmt.Fprintf(w, "Audit:     #%d %s\n", result.AuditRecord.Sequence, shortHash(result.AuditRecord.RecordHash))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ToolName, "tool", "", "tool name (required)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&req.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&req.Origin, "origin", "", "caller address, recorded in the audit event")
	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "tool argument key=value (repeatable)")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "session metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("tool")

	cmd.AddCommand(newApproveCmd(opts), newResultCmd(opts))
	return cmd
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a call that required approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			enforcer, err := a.enforcer(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := enforcer.Approve(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			return opts.print(cmd, rec, func(w io.Writer) error {
				fmt.Fprintf(w, "✓ %s approved by %s\n", rec.ID, rec.ApprovedBy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approver (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

type resultOutput struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Execution enforcement.Execution `json:"execution"`
}

func newResultCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID   string
		exec        enforcement.Execution
		resultPairs []string
	)
	cmd := &cobra.Command{
		Use:   "result ID",
		Short: "Record how an enforced call ran",
		Long: `Attach the execution outcome to an enforcement record after the agent
ran the tool. The session must match the one the call was enforced in.

Examples:
  runlok enforce result 0b6d... --session s-1
  runlok enforce result 0b6d... --session s-1 --status error --error timeout --duration-ms 5000
  runlok enforce result 0b6d... --session s-1 --result rows=3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch exec.Status {
			case enforcement.StatusSuccess, enforcement.StatusError, enforcement.StatusPending:
			default:
				return cli.NewConfigError("status", fmt.Sprintf("unknown status %q (must be success, error or pending)", exec.Status))
			}
			var err error
			if exec.Result, err = parsePairs("result", resultPairs); err != nil {
				return err
			}

			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			enforcer, err := a.enforcer(cmd.Context())
			if err != nil {
				return err
			}
			if err := enforcer.RecordExecution(cmd.Context(), sessionID, args[0], exec); err != nil {
				return err
			}

			out := resultOutput{ID: args[0], SessionID: sessionID, Execution: exec}
			return opts.print(cmd, out, func(w io.Writer) error {
				fmt.Fprintf(w, "✓ Result recorded for %s: %s\n", out.ID, exec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id the call was enforced in (required)")
	cmd.Flags().StringVar(&exec.Status, "status", enforcement.StatusSuccess, "success, error or pending")
	cmd.Flags().Int64Var(&exec.DurationMS, "duration-ms", 0, "execution time in milliseconds")
	cmd.Flags().StringVar(&exec.Error, "error", "", "error message when the call failed")
	cmd.Flags().StringArrayVar(&resultPairs, "result", nil, "result key=value (repeatable)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
