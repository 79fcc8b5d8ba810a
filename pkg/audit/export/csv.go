package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"runlok-hq/runlok/pkg/audit"
)

// CSVExporter writes audit records as CSV, one row per record.
type CSVExporter struct {
	// IncludeHeader writes a header row first.
	IncludeHeader bool
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Export writes records in CSV format. Context is written as its stored
// JSON text.
func (e *CSVExporter) Export(ctx context.Context, records []*audit.Record, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return audit.NewExportError("csv", len(records), err)
		}
	}

	for _, record := range records {
		if err := writer.Write(recordToRow(record)); err != nil {
			return audit.NewExportError("csv", len(records), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return audit.NewExportError("csv", len(records), err)
	}
	return nil
}

// ExportStream writes records from a channel, flushing every 100 rows.
func (e *CSVExporter) ExportStream(ctx context.Context, recordsCh <-chan *audit.Record, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return audit.NewExportError("csv", 0, err)
		}
	}

	recordCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case record, ok := <-recordsCh:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", recordCount, err)
				}
				return nil
			}

			if err := writer.Write(recordToRow(record)); err != nil {
				return audit.NewExportError("csv", recordCount, err)
			}
			recordCount++

			if recordCount%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", recordCount, err)
				}
			}
		}
	}
}

var csvHeader = []string{
	"id", "sequence", "timestamp",
	"event_type", "event_category",
	"actor_type", "actor_id", "actor_origin",
	"target_type", "target_id",
	"action", "description", "outcome", "risk_level", "context",
	"retention_category", "compliance_relevant",
	"record_hash", "previous_record_hash",
	"is_archived", "archived_at", "archived_by", "retention_until",
}

func recordToRow(r *audit.Record) []string {
	formatTime := func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}

	return []string{
		r.ID,
		strconv.FormatInt(r.Sequence, 10),
		formatTime(&r.Timestamp),
		r.EventType,
		r.EventCategory,
		r.Actor.Type,
		r.Actor.ID,
		r.Actor.Origin,
		r.Target.Type,
		r.Target.ID,
		r.Action,
		r.Description,
		r.Outcome,
		string(r.RiskLevel),
		string(r.Context),
		string(r.RetentionCategory),
		strconv.FormatBool(r.ComplianceRelevant),
		r.RecordHash,
		r.PreviousRecordHash,
		strconv.FormatBool(r.IsArchived),
		formatTime(r.ArchivedAt),
		r.ArchivedBy,
		formatTime(r.RetentionUntil),
	}
}
