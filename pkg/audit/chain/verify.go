package chain

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"runlok-hq/runlok/pkg/audit"
)

// MaxReportedViolations caps VerifyResult.Details. Counts are never capped.
const MaxReportedViolations = 100

// Range bounds a verification. Zero values are unbounded.
type Range struct {
	Start         *time.Time
	End           *time.Time
	StartSequence int64
	EndSequence   int64
}

func (r Range) unboundedStart() bool {
	return r.Start == nil && r.StartSequence <= 1
}

// ViolationKind distinguishes the two checks Verify performs.
type ViolationKind string

const (
	// ViolationLink means previous_record_hash does not match the hash
	// stored on the preceding record. Forks and deletions show up here.
	ViolationLink ViolationKind = "link"

	// ViolationContent means the stored record_hash does not match the
	// hash recomputed from the stored fields. Edits show up here.
	ViolationContent ViolationKind = "content"
)

// Violation describes one failed check.
type Violation struct {
	Sequence int64         `json:"sequence"`
	RecordID string        `json:"record_id"`
	Kind     ViolationKind `json:"kind"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
}

// VerifyResult summarizes a verification pass.
type VerifyResult struct {
	Checked           int64       `json:"checked_count"`
	Violations        int64       `json:"violation_count"`
	LinkViolations    int64       `json:"link_violations"`
	ContentViolations int64       `json:"content_violations"`
	Intact            bool        `json:"intact"`
	FirstSequence     int64       `json:"first_sequence,omitempty"`
	LastSequence      int64       `json:"last_sequence,omitempty"`
	Details           []Violation `json:"violations,omitempty"`
	VerifiedAt        time.Time   `json:"verified_at"`
}

func (v *VerifyResult) add(violation Violation) {
	v.Violations++
	switch violation.Kind {
	case ViolationLink:
		v.LinkViolations++
	case ViolationContent:
		v.ContentViolations++
	}
	if len(v.Details) < MaxReportedViolations {
		v.Details = append(v.Details, violation)
	}
}

// Verify streams the records in r in append order and checks every
// record's content hash and every link after the first. The first record
// of a bounded range is not link-checked because its predecessor is
// outside the range. The first record of the whole chain must either be
// sequence 1 linking to GenesisHash or match a boundary attested by a
// data_cleanup record. Any other head means records were removed outside
// retention cleanup.
//
// Violations are counted, never returned as errors and never repaired.
// The only errors are storage failures and cancellation.
func (c *Chain) Verify(ctx context.Context, r Range) (*VerifyResult, error) {
	ctx, span := c.tracer.Start(ctx, "audit.verify")
	defer span.End()

	start := time.Now()
	result, err := c.verify(ctx, r)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		c.logger.Error("audit verify failed", "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("audit.checked", result.Checked),
		attribute.Int64("audit.violations", result.Violations),
		attribute.Bool("audit.intact", result.Intact),
	)
	if c.observer != nil {
		c.observer.ObserveVerify(result, elapsed)
	}

	if result.Intact {
		c.logger.Info("audit chain verified",
			"checked", result.Checked,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		c.logger.Warn("audit chain integrity violations",
			"checked", result.Checked,
			"violations", result.Violations,
			"link_violations", result.LinkViolations,
			"content_violations", result.ContentViolations,
		)
	}
	return result, nil
}

func (c *Chain) verify(ctx context.Context, r Range) (*VerifyResult, error) {
	query := &audit.Query{
		StartTime:     r.Start,
		EndTime:       r.End,
		StartSequence: r.StartSequence,
		EndSequence:   r.EndSequence,
	}

	var boundaries map[int64]string
	if r.unboundedStart() {
		var err error
		if boundaries, err = c.cleanupBoundaries(ctx); err != nil {
			return nil, err
		}
	}

	recordsCh, errCh, err := c.store.QueryStream(ctx, query)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{}
	var prev *audit.Record

	for record := range recordsCh {
		result.Checked++
		if result.FirstSequence == 0 {
			result.FirstSequence = record.Sequence
		}
		result.LastSequence = record.Sequence

		if got, err := HashRecord(record); err != nil || got != record.RecordHash {
			if err != nil {
				got = "unhashable: " + err.Error()
			}
			result.add(Violation{
				Sequence: record.Sequence,
				RecordID: record.ID,
				Kind:     ViolationContent,
				Expected: record.RecordHash,
				Actual:   got,
			})
		}

		switch {
		case prev != nil:
			if record.PreviousRecordHash != prev.RecordHash {
				result.add(Violation{
					Sequence: record.Sequence,
					RecordID: record.ID,
					Kind:     ViolationLink,
					Expected: prev.RecordHash,
					Actual:   record.PreviousRecordHash,
				})
			}
		case r.unboundedStart():
			if want, ok := headLink(record, boundaries); !ok {
				result.add(Violation{
					Sequence: record.Sequence,
					RecordID: record.ID,
					Kind:     ViolationLink,
					Expected: want,
					Actual:   record.PreviousRecordHash,
				})
			}
		}
		prev = record
	}

	if err := <-errCh; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Intact = result.Violations == 0
	result.VerifiedAt = c.clock().UTC()
	return result, nil
}

// headLink reports whether record may start the chain and, if not, the
// previous hash it should have carried.
func headLink(record *audit.Record, boundaries map[int64]string) (string, bool) {
	if record.Sequence == 1 {
		return audit.GenesisHash, record.PreviousRecordHash == audit.GenesisHash
	}
	want, ok := boundaries[record.Sequence-1]
	if !ok {
		return audit.GenesisHash, false
	}
	return want, record.PreviousRecordHash == want
}

// cleanupBoundaries maps each pruned-through sequence attested by a
// data_cleanup record to the previous hash of the head it left.
func (c *Chain) cleanupBoundaries(ctx context.Context) (map[int64]string, error) {
	records, err := c.store.Query(ctx, &audit.Query{EventType: audit.EventDataCleanup})
	if err != nil {
		return nil, err
	}

	boundaries := make(map[int64]string)
	for _, record := range records {
		m, err := record.ContextMap()
		if err != nil {
			continue
		}
		seq, ok := m[audit.ContextPrunedThrough].(float64)
		if !ok || seq < 1 {
			continue
		}
		prev, ok := m[audit.ContextNewHeadPrev].(string)
		if !ok || prev == "" {
			continue
		}
		boundaries[int64(seq)] = prev
	}
	return boundaries, nil
}
