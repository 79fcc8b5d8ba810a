package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/compliance"
)

// defaultReportWindow is the period covered when --start is not given.
const defaultReportWindow = 30 * 24 * time.Hour

func newComplianceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Generate compliance reports",
	}
	cmd.AddCommand(newComplianceReportCmd(opts))
	return cmd
}

func newComplianceReportCmd(opts *rootOptions) *cobra.Command {
	var (
		start, end string
		detailed   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize tool usage, risk, retention and chain integrity",
		Long: `Build a compliance report over a period. The period defaults to the last
30 days. Generating a report appends a compliance_report event.

Examples:
  runlok compliance report -o json
  runlok compliance report --start 2025-01-01 --end 2025-03-31 --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			period := compliance.Period{End: time.Now().UTC()}
			to, err := parseTime("end", end)
			if err != nil {
				return err
			}
			if to != nil {
				period.End = *to
			}
			period.Start = period.End.Add(-defaultReportWindow)
			from, err := parseTime("start", start)
			if err != nil {
				return err
			}
			if from != nil {
				period.Start = *from
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

			report, err := a.compliance.Generate(cmd.Context(), period, detailed)
			if err != nil {
				return err
			}
			return opts.print(cmd, report, func(w io.Writer) error {
				printReport(w, report)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "period start (default: 30 days before end)")
	cmd.Flags().StringVar(&end, "end", "", "period end (default: now)")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include every compliance-relevant event")
	return cmd
}

func printReport(w io.Writer, r *compliance.Report) {
	m := r.Metadata
	fmt.Fprintf(w, "Compliance report (%s)\n", m.ReportType)
	fmt.Fprintf(w, "Period: %s to %s\n\n", m.PeriodStart.Format(time.RFC3339), m.PeriodEnd.Format(time.RFC3339))

	u := r.Usage
	fmt.Fprintf(w, "Tool calls:  %d (allowed %d, denied %d, approval %d)\n",
		u.TotalToolCalls, u.AllowedCalls, u.DeniedCalls, u.ApprovalRequired)
	fmt.Fprintf(w, "Agents:      %d\n", u.UniqueAgents)
	fmt.Fprintf(w, "Users:       %d\n", u.UniqueUsers)
	fmt.Fprintf(w, "Audit:       %d events, %d high risk\n", m.TotalAuditEvents, r.Risk.HighRiskEvents)

	integrity := r.Governance.DataIntegrity
	if integrity.ChainIntact {
		fmt.Fprintf(w, "✓ Chain intact (%d verified)\n", integrity.TotalEntriesVerified)
	} else {
		fmt.Fprintf(w, "✗ Chain broken (%d violations)\n", integrity.IntegrityViolations)
	}
	rc := r.Governance.RetentionCompliance
	if rc.RetentionPolicyCompliant {
		fmt.Fprintln(w, "✓ Retention compliant")
	} else {
		fmt.Fprintf(w, "✗ %d overdue deletions\n", rc.OverdueDeletions)
	}

	if len(r.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range r.Events {
			fmt.Fprintf(w, "  #%d %s %s %s %s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), e.EventType, e.Actor, e.Outcome)
		}
	}
}
