package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/enforcement"
	"runlok-hq/runlok/pkg/policy/engine"
	"runlok-hq/runlok/pkg/retention"
)

// Report types.
const (
	TypeFull     = "full"
	TypeDetailed = "detailed"
)

// Verifier checks chain integrity over a range. *chain.Chain implements it.
type Verifier interface {
	Verify(ctx context.Context, r chain.Range) (*chain.VerifyResult, error)
}

// Classifier reports retention state. *retention.Manager implements it.
type Classifier interface {
	Classify(ctx context.Context, now time.Time) (*retention.Status, error)
}

// Auditor appends governance events. *chain.Chain implements it.
type Auditor interface {
	Append(ctx context.Context, d *audit.Draft) (*audit.Record, error)
}

// Generator builds compliance reports from the audit chain and the
// enforcement log.
type Generator struct {
	audit       audit.Storage
	enforcement enforcement.Storage
	verifier    Verifier
	classifier  Classifier
	auditor     Auditor
	clock       func() time.Time
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithAuditor records a compliance_report event for every report.
func WithAuditor(a Auditor) Option {
	return func(g *Generator) { g.auditor = a }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGenerator creates a report generator.
func NewGenerator(auditStore audit.Storage, enforcementStore enforcement.Storage, verifier Verifier, classifier Classifier, opts ...Option) *Generator {
	g := &Generator{
		audit:       auditStore,
		enforcement: enforcementStore,
		verifier:    verifier,
		classifier:  classifier,
		clock:       time.Now,
		tracer:      otel.Tracer("runlok/compliance"),
		logger:      slog.Default().With("component", "compliance"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds a report over period. Audit statistics only count
// compliance-relevant records; detailed adds one Event per such record.
func (g *Generator) Generate(ctx context.Context, period Period, detailed bool) (*Report, error) {
	if period.End.Before(period.Start) {
		return nil, NewReportError("period", fmt.Errorf("end %s is before start %s",
			period.End.Format(time.RFC3339), period.Start.Format(time.RFC3339)))
	}

	ctx, span := g.tracer.Start(ctx, "compliance.generate",
		trace.WithAttributes(attribute.Bool("compliance.detailed", detailed)))
	defer span.End()

	now := g.clock().UTC()
	start, end := period.Start.UTC(), period.End.UTC()

	reportType := TypeFull
	if detailed {
		reportType = TypeDetailed
	}
	report := &Report{
		Metadata: Metadata{
			GeneratedAt: now,
			PeriodStart: start,
			PeriodEnd:   end,
			ReportType:  reportType,
		},
	}

	var (
		auditStats auditSummary
		calls      []*enforcement.Record
		verify     *chain.VerifyResult
		status     *retention.Status
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		auditStats, err = g.scanAudit(gctx, start, end, detailed)
		if err != nil {
			return NewReportError("audit", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		calls, err = g.enforcement.Query(gctx, &enforcement.Query{StartTime: &start, EndTime: &end})
		if err != nil {
			return NewReportError("enforcement", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		verify, err = g.verifier.Verify(gctx, chain.Range{Start: &start, End: &end})
		if err != nil {
			return NewReportError("integrity", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		status, err = g.classifier.Classify(gctx, now)
		if err != nil {
			return NewReportError("retention", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report failed")
		g.logger.Error("compliance report failed", "error", err)
		return nil, err
	}

	report.Metadata.TotalAuditEvents = auditStats.total
	report.Metadata.TotalAIDecisions = len(calls)
	report.Usage = usage(calls)
	report.Risk = RiskAssessment{
		HighRiskEvents:             auditStats.highRisk,
		PolicyViolations:           report.Usage.DeniedCalls,
		DataExports:                auditStats.dataExports,
		UnauthorizedAccessAttempts: auditStats.unauthorized,
	}

	archived, approvals := 0, 0
	for _, c := range calls {
		if c.IsArchived {
			archived++
		}
		if c.RequiresApproval {
			approvals++
		}
	}
	report.Governance = DataGovernance{
		ArchivedSessions: archived,
		RetentionCompliance: RetentionCompliance{
			OverdueDeletions:         len(status.Overdue),
			NextReviewDate:           now.Add(ReviewInterval),
			RetentionPolicyCompliant: status.PolicyCompliant(),
		},
		DataIntegrity: DataIntegrity{
			TotalEntriesVerified:  verify.Checked,
			IntegrityViolations:   verify.Violations,
			ChainIntact:           verify.Intact,
			VerificationTimestamp: verify.VerifiedAt,
		},
	}
	report.Oversight = HumanOversight{
		ManualInterventions: auditStats.manual,
		ApprovalWorkflows:   approvals,
	}
	if detailed {
		report.Events = auditStats.events
	}

	span.SetAttributes(
		attribute.Int("compliance.audit_events", auditStats.total),
		attribute.Int("compliance.decisions", len(calls)),
	)
	g.logger.Info("compliance report generated",
		"period_start", start,
		"period_end", end,
		"report_type", reportType,
		"audit_events", auditStats.total,
		"decisions", len(calls),
		"chain_intact", verify.Intact,
	)

	if g.auditor != nil {
		_, err := g.auditor.Append(ctx, &audit.Draft{
			EventType:   audit.EventComplianceReport,
			Actor:       audit.Actor{Type: "system", ID: "compliance"},
			Target:      audit.Target{Type: "report", ID: reportType},
			Action:      "generate",
			Description: fmt.Sprintf("Generated %s compliance report for %s to %s", reportType, start.Format(time.DateOnly), end.Format(time.DateOnly)),
			Outcome:     audit.OutcomeSuccess,
			RiskLevel:   audit.RiskLow,
			Context: map[string]any{
				"period_start":       start.Format(time.RFC3339),
				"period_end":         end.Format(time.RFC3339),
				"report_type":        reportType,
				"total_audit_events": auditStats.total,
				"total_ai_decisions": len(calls),
				"chain_intact":       verify.Intact,
			},
		})
		if err != nil {
			return report, NewReportError("audit", err)
		}
	}
	return report, nil
}

type auditSummary struct {
	total        int
	highRisk     int
	dataExports  int
	unauthorized int
	manual       int
	events       []Event
}

func (g *Generator) scanAudit(ctx context.Context, start, end time.Time, detailed bool) (auditSummary, error) {
	var s auditSummary

	recordsCh, errCh, err := g.audit.QueryStream(ctx, &audit.Query{StartTime: &start, EndTime: &end})
	if err != nil {
		return s, err
	}
	for r := range recordsCh {
		if !r.ComplianceRelevant {
			continue
		}
		s.total++
		if r.RiskLevel == audit.RiskHigh || r.RiskLevel == audit.RiskCritical {
			s.highRisk++
		}
		switch r.EventType {
		case audit.EventDataExport:
			s.dataExports++
		case audit.EventSessionAccess:
			if r.Outcome == audit.OutcomeFailure {
				s.unauthorized++
			}
		case audit.EventPolicyChange:
			if r.Actor.Type == "user" {
				s.manual++
			}
		}
		if detailed {
			s.events = append(s.events, Event{
				Sequence:    r.Sequence,
				Timestamp:   r.Timestamp,
				EventType:   r.EventType,
				Action:      r.Action,
				Outcome:     r.Outcome,
				RiskLevel:   r.RiskLevel,
				Actor:       r.Actor.ID,
				Description: r.Description,
			})
		}
	}
	if err := <-errCh; err != nil {
		return s, err
	}
	if err := ctx.Err(); err != nil {
		return s, err
	}
	return s, nil
}

func usage(calls []*enforcement.Record) Usage {
	u := Usage{TotalToolCalls: len(calls)}
	agents := map[string]struct{}{}
	users := map[string]struct{}{}
	for _, c := range calls {
		switch c.Decision {
		case engine.ActionAllow:
			u.AllowedCalls++
		case engine.ActionDeny:
			u.DeniedCalls++
		case engine.ActionApprove:
			u.ApprovalRequired++
		}
		if c.AgentID != "" {
			agents[c.AgentID] = struct{}{}
		}
		if c.UserID != "" {
			users[c.UserID] = struct{}{}
		}
	}
	u.UniqueAgents = len(agents)
	u.UniqueUsers = len(users)
	return u
}
