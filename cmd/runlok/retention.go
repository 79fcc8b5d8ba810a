package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/retention"
)

func newRetentionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Inspect retention state, archive records and clean up",
	}
	cmd.AddCommand(
		newRetentionStatusCmd(opts),
		newRetentionArchiveCmd(opts),
		newRetentionCleanupCmd(opts),
	)
	return cmd
}

// itemTable renders retention items as rows.
type itemTable []retention.Item

func (t itemTable) Header() []string {
	return []string{"SOURCE", "ID", "LABEL", "STATE", "RETENTION_UNTIL", "DAYS"}
}

func (t itemTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, item := range t {
		until := "-"
		if item.RetentionUntil != nil {
			until = item.RetentionUntil.Format(time.DateOnly)
		}
		days := ""
		switch item.State {
		case retention.StateUpcoming:
			days = strconv.Itoa(item.DaysRemaining)
		case retention.StateOverdue:
			days = "-" + strconv.Itoa(item.DaysOverdue)
		}
		rows = append(rows, []string{string(item.Source), item.ID, item.Label, string(item.State), until, days})
	}
	return rows
}

func newRetentionStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show upcoming, overdue and archived records",
		Args:  cobra.NoArgs,
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

			status, err := a.retention.Classify(cmd.Context(), time.Now())
			if err != nil {
				return err
			}

			f, format, err := opts.formatter()
			if err != nil {
				return err
			}
			if format != cli.FormatText {
				if format == cli.FormatCSV {
					all := append(append(append(itemTable{}, status.Overdue...), status.Upcoming...), status.Archived...)
					return f.FormatTo(cmd.OutOrStdout(), all)
				}
				return f.FormatTo(cmd.OutOrStdout(), status)
			}

			w := cmd.OutOrStdout()
			mark := "✓"
			if !status.PolicyCompliant() {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s %d records: %d compliant, %d upcoming, %d overdue, %d archived\n",
				mark, status.Total, status.CompliantCount, len(status.Upcoming), len(status.Overdue), len(status.Archived))
			listed := append(append(itemTable{}, status.Overdue...), status.Upcoming...)
			if len(listed) == 0 {
				return nil
			}
			fmt.Fprintln(w)
			return f.FormatTo(w, listed)
		},
	}
}

func newRetentionArchiveCmd(opts *rootOptions) *cobra.Command {
	var (
		ids  []string
		days int
		by   string
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive records and extend their retention",
		Long: `Mark enforcement or audit records as archived and extend their retention
deadline to now + days. A later existing deadline is kept.

Examples:
  runlok retention archive --id 3f1c... --id 9a02... --days 365 --by alice`,
		Args: cobra.NoArgs,
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

			result, err := a.retention.Archive(cmd.Context(), ids, days, by)
			if err != nil {
				return err
			}
			return opts.print(cmd, result, func(w io.Writer) error {
				for _, item := range result.Archived {
					fmt.Fprintf(w, "✓ %s %s archived until %s\n", item.Source, item.ID, item.RetentionUntil.Format(time.DateOnly))
				}
				for _, id := range result.NotFound {
					fmt.Fprintf(w, "✗ %s not found\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", nil, "record id (repeatable, required)")
	cmd.Flags().IntVar(&days, "days", 365, "retention days from now")
	cmd.Flags().StringVar(&by, "by", "", "who archives the records (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newRetentionCleanupCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records past their retention deadline",
		Long: `List records past their retention deadline and, with --dry-run=false,
delete them. Audit records are only removed from the head of the chain so
that what remains still verifies.

Examples:
  runlok retention cleanup
  runlok retention cleanup --dry-run=false`,
		Args: cobra.NoArgs,
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

			result, err := a.retention.PlanCleanup(cmd.Context(), time.Now(), dryRun)
			if err != nil {
				return err
			}
			return opts.print(cmd, result, func(w io.Writer) error {
				if result.DryRun {
					fmt.Fprintf(w, "Dry run: %d records would be deleted, %d held\n", len(result.Candidates), len(result.Held))
				} else {
					fmt.Fprintf(w, "✓ Deleted %d records, %d held\n", result.DeletedCount, len(result.Held))
				}
				for _, path := range result.ArchiveFiles {
					fmt.Fprintf(w, "  archived to %s\n", path)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "only report what would be deleted")
	return cmd
}
