package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/audit/export"
	"runlok-hq/runlok/pkg/cli"
	"runlok-hq/runlok/pkg/governance"
)

// exportPageSize is the number of records fetched per query during export.
const exportPageSize = 500

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Append, inspect, verify and export the audit chain",
	}
	cmd.AddCommand(
		newAuditAppendCmd(opts),
		newAuditListCmd(opts),
		newAuditVerifyCmd(opts),
		newAuditExportCmd(opts),
	)
	return cmd
}

func newAuditAppendCmd(opts *rootOptions) *cobra.Command {
	var (
		draft    audit.Draft
		risk     string
		ctxPairs []string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a governance event to the chain",
		Long: `Append one event to the audit chain. The record is hashed and linked
to the current tail.

Examples:
  runlok audit append --type user_login --actor alice --action login
  runlok audit append --type data_export --actor alice --risk high --ctx rows=1200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.RiskLevel = audit.RiskLevel(risk)
			if !draft.RiskLevel.Valid() {
				return cli.NewConfigError("risk", fmt.Sprintf("unknown risk level %q", risk))
			}
			var err error
			if draft.Context, err = parsePairs("ctx", ctxPairs); err != nil {
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

			rec, err := a.chain.Append(cmd.Context(), &draft)
			if err != nil {
				return err
			}
			return opts.print(cmd, rec, func(w io.Writer) error {
				fmt.Fprintf(w, "✓ Appended #%d %s (%s)\n", rec.Sequence, rec.EventType, shortHash(rec.RecordHash))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&draft.EventType, "type", "", "event type (required)")
	cmd.Flags().StringVar(&draft.Actor.Type, "actor-type", "user", "actor type")
	cmd.Flags().StringVar(&draft.Actor.ID, "actor", "", "actor id")
	cmd.Flags().StringVar(&draft.Target.Type, "target-type", "", "target type")
	cmd.Flags().StringVar(&draft.Target.ID, "target", "", "target id")
	cmd.Flags().StringVar(&draft.Action, "action", "", "action performed")
	cmd.Flags().StringVar(&draft.Description, "description", "", "human readable description")
	cmd.Flags().StringVar(&draft.Outcome, "outcome", audit.OutcomeSuccess, "outcome: success, failure, partial")
	cmd.Flags().StringVar(&risk, "risk", string(audit.RiskLow), "risk level: low, medium, high, critical")
	cmd.Flags().StringArrayVar(&ctxPairs, "ctx", nil, "context key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// recordTable renders audit records as rows.
type recordTable []*audit.Record

func (t recordTable) Header() []string {
	return []string{"SEQ", "TIMESTAMP", "EVENT", "ACTOR", "OUTCOME", "RISK", "HASH"}
}

func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		actor := r.Actor.Type
		if r.Actor.ID != "" {
			actor += ":" + r.Actor.ID
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.Sequence, 10),
			r.Timestamp.Format(time.RFC3339),
			r.EventType,
			actor,
			r.Outcome,
			string(r.RiskLevel),
			shortHash(r.RecordHash),
		})
	}
	return rows
}

func newAuditListCmd(opts *rootOptions) *cobra.Command {
	var (
		limit     int
		eventType string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent audit records",
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

			records, err := a.auditStore.Query(cmd.Context(), &audit.Query{
				EventType:  eventType,
				Limit:      limit,
				Descending: true,
			})
			if err != nil {
				return err
			}

			f, format, err := opts.formatter()
			if err != nil {
				return err
			}
			if format == cli.FormatJSON {
				return f.FormatTo(cmd.OutOrStdout(), records)
			}
			return f.FormatTo(cmd.OutOrStdout(), recordTable(records))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.Flags().StringVar(&eventType, "type", "", "only list this event type")
	return cmd
}

func newAuditVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		start, end       string
		startSeq, endSeq int64
		actor            string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the chain and record an integrity_check event",
		Long: `Recompute every record hash and check every link in the selected range,
then append the result as an integrity_check event.

Exits with status 2 when the chain is not intact.

Examples:
  runlok audit verify
  runlok audit verify --start 2025-01-01 --end 2025-03-31
  runlok audit verify --start-seq 100 --actor alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng := chain.Range{StartSequence: startSeq, EndSequence: endSeq}
			var err error
			if rng.Start, err = parseTime("start", start); err != nil {
				return err
			}
			if rng.End, err = parseTime("end", end); err != nil {
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

			ctx := cmd.Context()
			if actor != "" {
				ctx = governance.WithActor(ctx, audit.Actor{Type: "user", ID: actor})
			}
			result, err := a.recorder.VerifyAndRecord(ctx, rng)
			if err != nil {
				return err
			}

			err = opts.print(cmd, result, func(w io.Writer) error {
				if result.Intact {
					fmt.Fprintf(w, "✓ Chain intact: %d records verified\n", result.Checked)
					return nil
				}
				fmt.Fprintf(w, "✗ Chain broken: %d violations in %d records\n", result.Violations, result.Checked)
				for _, v := range result.Details {
					fmt.Fprintf(w, "  #%d %s: expected %s, got %s\n", v.Sequence, v.Kind, shortHash(v.Expected), shortHash(v.Actual))
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !result.Intact {
				return cli.NewExitError(2, "audit chain is not intact")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first timestamp to verify (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last timestamp to verify")
	cmd.Flags().Int64Var(&startSeq, "start-seq", 0, "first sequence to verify")
	cmd.Flags().Int64Var(&endSeq, "end-seq", 0, "last sequence to verify")
	cmd.Flags().StringVar(&actor, "actor", "", "record the check as run by this user")
	return cmd
}

type streamExporter interface {
	ExportStream(ctx context.Context, recordsCh <-chan *audit.Record, w io.Writer) error
}

func newAuditExportCmd(opts *rootOptions) *cobra.Command {
	var (
		format     string
		out        string
		start, end string
		progress   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit records as JSON or CSV",
		Long: `Export audit records in sequence order. JSON output is a single array
that can be re-imported for verification; CSV has one row per record.

Examples:
  runlok audit export --format json --out audit.json
  runlok audit export --format csv --start 2025-01-01 > q1.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var exporter streamExporter
			switch format {
			case "json":
				exporter = export.NewJSONExporter(false)
			case "csv":
				exporter = export.NewCSVExporter(true)
			default:
				return cli.NewConfigError("format", fmt.Sprintf("unsupported export format %q (use json or csv)", format))
			}

			query := &audit.Query{}
			var err error
			if query.StartTime, err = parseTime("start", start); err != nil {
				return err
			}
			if query.EndTime, err = parseTime("end", end); err != nil {
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

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			total, err := a.auditStore.Count(cmd.Context(), query)
			if err != nil {
				return err
			}
			var reporter cli.ProgressReporter
			if progress {
				reporter = cli.NewProgressReporter(opts.stderr, "records")
				reporter.Start(total)
			}

			n, err := exportPages(cmd.Context(), a.auditStore, query, exporter, w, reporter)
			if err != nil {
				if reporter != nil {
					reporter.Error(err)
				}
				return err
			}
			if reporter != nil {
				reporter.Finish()
			}
			if out != "" {
				fmt.Fprintf(opts.stderr, "✓ Exported %d records to %s\n", n, out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json, csv")
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	cmd.Flags().StringVar(&start, "start", "", "first timestamp to export")
	cmd.Flags().StringVar(&end, "end", "", "last timestamp to export")
	cmd.Flags().BoolVar(&progress, "progress", false, "show progress on stderr")
	return cmd
}

// exportPages feeds the exporter one page at a time so that large chains
// are never held in memory.
func exportPages(ctx context.Context, store audit.Storage, query *audit.Query, exporter streamExporter, w io.Writer, reporter cli.ProgressReporter) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordsCh := make(chan *audit.Record, exportPageSize)
	fetchErr := make(chan error, 1)
	var sent int64

	go func() {
		defer close(recordsCh)
		page := *query
		page.Limit = exportPageSize
		for {
			records, err := store.Query(ctx, &page)
			if err != nil {
				fetchErr <- err
				return
			}
			for _, r := range records {
				select {
				case recordsCh <- r:
					sent++
				case <-ctx.Done():
					return
				}
			}
			if reporter != nil {
				reporter.Update(sent)
			}
			if len(records) < exportPageSize {
				return
			}
			page.Offset += exportPageSize
		}
	}()

	if err := exporter.ExportStream(ctx, recordsCh, w); err != nil {
		cancel()
		for range recordsCh {
		}
		return sent, err
	}
	select {
	case err := <-fetchErr:
		return sent, err
	default:
	}
	return sent, nil
}
