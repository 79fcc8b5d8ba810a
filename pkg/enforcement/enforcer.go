package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/policy/engine"
	"runlok-hq/runlok/pkg/signing"
)

// DefaultRetentionDays is how long enforcement records are kept.
const DefaultRetentionDays = 2555

// Evaluator decides tool calls. *engine.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, toolName string, args, session map[string]any) *engine.Decision
}

// Auditor appends governance events. *chain.Chain implements it.
type Auditor interface {
	Append(ctx context.Context, d *audit.Draft) (*audit.Record, error)
}

// Result is what Enforce hands back to the caller.
type Result struct {
	Record   *Record          `json:"record"`
	Decision *engine.Decision `json:"decision"`

	// AuditRecord is nil when no auditor is configured.
	AuditRecord *audit.Record `json:"audit_record,omitempty"`
}

// Enforcer evaluates, signs and records tool calls.
type Enforcer struct {
	evaluator     Evaluator
	signer        *signing.Signer
	store         Storage
	auditor       Auditor
	retentionDays int
	clock         func() time.Time
	newID         func() string
	logger        *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithAuditor appends a tool_enforcement event for every call.
func WithAuditor(a Auditor) Option {
	return func(e *Enforcer) { e.auditor = a }
}

// WithRetentionDays sets retention_until = timestamp + days. Zero or
// less keeps records forever.
func WithRetentionDays(days int) Option {
	return func(e *Enforcer) { e.retentionDays = days }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Enforcer) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the enforcer logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Enforcer. A nil signer is accepted so that read-only
// commands can be built, but every Enforce call then fails with
// signing.ErrMissingSecret.
func New(evaluator Evaluator, signer *signing.Signer, store Storage, opts ...Option) *Enforcer {
	e := &Enforcer{
		evaluator:     evaluator,
		signer:        signer,
		store:         store,
		retentionDays: DefaultRetentionDays,
		clock:         time.Now,
		newID:         uuid.NewString,
		logger:        slog.Default().With("component", "enforcement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce decides one tool call and records it. The steps are evaluate,
// sign, persist, then audit; a failure in sign or later is returned and
// the caller must treat the call as not permitted.
//
// When the audit append fails the saved record is deleted again, so a
// stored enforcement record always has its tool_enforcement event. If
// that delete fails too the record stays and the failure is logged with
// its id.
func (e *Enforcer) Enforce(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, NewError("validate", "", "", errors.New("request is required"))
	}
	if e.signer == nil {
		return nil, NewError("sign", req.SessionID, req.ToolName, signing.ErrMissingSecret)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = e.newID()
	}
	now := e.clock().UTC().Truncate(time.Microsecond)

	decision := e.evaluator.Evaluate(ctx, req.ToolName, req.Args, SessionContext(sessionID, req))

	signature, err := e.signer.Sign(signing.Fields{SessionID: sessionID, ToolName: req.ToolName, Timestamp: now})
	if err != nil {
		return nil, NewError("sign", sessionID, req.ToolName, err)
	}

	record := &Record{
		ID:               e.newID(),
		SessionID:        sessionID,
		Timestamp:        now,
		ToolName:         req.ToolName,
		ToolArgs:         req.Args,
		PolicyVersion:    decision.PolicyVersion,
		Decision:         decision.Action,
		MatchedRule:      decision.MatchedRule,
		Reason:           decision.Reason,
		Signature:        signature,
		AgentID:          req.AgentID,
		UserID:           req.UserID,
		Metadata:         req.Metadata,
		RequiresApproval: decision.Action == engine.ActionApprove,
	}
	if record.ToolArgs == nil {
		record.ToolArgs = map[string]any{}
	}
	if e.retentionDays > 0 {
		until := now.AddDate(0, 0, e.retentionDays)
		record.RetentionUntil = &until
	}

	if err := e.store.Save(ctx, record); err != nil {
		e.logger.Error("failed to persist enforcement record",
			"session_id", sessionID,
			"tool", req.ToolName,
			"error", err,
		)
		return nil, NewError("persist", sessionID, req.ToolName, err)
	}

	result := &Result{Record: record, Decision: decision}

	if e.auditor != nil {
		auditRecord, err := e.auditor.Append(ctx, enforcementDraft(record, req.Origin))
		if err != nil {
			e.logger.Error("failed to append enforcement audit event",
				"session_id", sessionID,
				"record_id", record.ID,
				"error", err,
			)
			if _, delErr := e.store.Delete(ctx, []string{record.ID}); delErr != nil {
				e.logger.Error("unaudited enforcement record left in storage",
					"record_id", record.ID,
					"error", delErr,
				)
			}
			return nil, NewError("audit", sessionID, req.ToolName, err)
		}
		result.AuditRecord = auditRecord
	}

	e.logger.Info("tool call enforced",
		"session_id", sessionID,
		"tool", req.ToolName,
		"decision", decision.Action,
		"rule", decision.MatchedRule,
		"policy_version", decision.PolicyVersion,
		"record_id", record.ID,
	)
	return result, nil
}

// VerifySignature recomputes the signature of a stored record.
func (e *Enforcer) VerifySignature(record *Record) (bool, error) {
	if e.signer == nil {
		return false, signing.ErrMissingSecret
	}
	return e.signer.Verify(signing.Fields{
		SessionID: record.SessionID,
		ToolName:  record.ToolName,
		Timestamp: record.Timestamp,
	}, record.Signature)
}

// RecordExecution attaches the outcome of a call after the agent ran it.
func (e *Enforcer) RecordExecution(ctx context.Context, sessionID, id string, exec Execution) error {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.SessionID != sessionID {
		return fmt.Errorf("%w: record %s", ErrSessionMismatch, id)
	}
	if exec.Status == "" {
		exec.Status = StatusSuccess
	}
	if err := e.store.UpdateExecution(ctx, id, exec); err != nil {
		return err
	}

	e.logger.Info("tool call result recorded",
		"session_id", sessionID,
		"record_id", id,
		"status", exec.Status,
	)
	return nil
}

// Approve marks a call that required approval as approved by a person.
// Of concurrent approvers exactly one succeeds; the others get
// ErrNotPendingApproval and append no tool_approval event.
func (e *Enforcer) Approve(ctx context.Context, id, by string) (*Record, error) {
	if by == "" {
		return nil, errors.New("approver is required")
	}
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.RequiresApproval || record.ApprovedBy != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotPendingApproval, id)
	}

	at := e.clock().UTC().Truncate(time.Microsecond)
	if err := e.store.Approve(ctx, id, by, at); err != nil {
		return nil, err
	}
	record.ApprovedBy = by
	record.ApprovedAt = &at

	if e.auditor != nil {
		_, err := e.auditor.Append(ctx, &audit.Draft{
			EventType:   audit.EventToolApproval,
			Actor:       audit.Actor{Type: "user", ID: by},
			Target:      audit.Target{Type: "tool", ID: record.ToolName},
			Action:      "approve",
			Description: fmt.Sprintf("Tool call %s approved by %s", record.ToolName, by),
			Outcome:     audit.OutcomeSuccess,
			RiskLevel:   audit.RiskMedium,
			Context: map[string]any{
				"enforcement_id": record.ID,
				"session_id":     record.SessionID,
				"matched_rule":   record.MatchedRule,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Storage returns the backing store.
func (e *Enforcer) Storage() Storage {
	return e.store
}

// SessionContext builds the context rules see: session_id, agent_id and
// user_id, then the request metadata, which may override them. Empty
// identity fields are left out.
func SessionContext(sessionID string, req *Request) map[string]any {
	ctx := make(map[string]any, 3+len(req.Metadata))
	ctx["session_id"] = sessionID
	if req.AgentID != "" {
		ctx["agent_id"] = req.AgentID
	}
	if req.UserID != "" {
		ctx["user_id"] = req.UserID
	}
	for k, v := range req.Metadata {
		ctx[k] = v
	}
	return ctx
}

// RiskFor grades a decision for the audit log: anything that stops the
// call is medium, allow is low.
func RiskFor(action engine.Action) audit.RiskLevel {
	switch action {
	case engine.ActionDeny, engine.ActionApprove:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

func enforcementDraft(r *Record, origin string) *audit.Draft {
	actor := audit.Actor{Type: "agent", ID: r.AgentID, Origin: origin}
	if r.AgentID == "" {
		actor.Type = "session"
		actor.ID = r.SessionID
	}

	rule := r.MatchedRule
	if rule == "" {
		rule = "none"
	}

	return &audit.Draft{
		EventType:   audit.EventToolEnforcement,
		Actor:       actor,
		Target:      audit.Target{Type: "tool", ID: r.ToolName},
		Action:      string(r.Decision),
		Description: fmt.Sprintf("Tool call %s: %s (rule %s)", r.ToolName, r.Decision, rule),
		Outcome:     audit.OutcomeSuccess,
		RiskLevel:   RiskFor(r.Decision),
		Context: map[string]any{
			"enforcement_id":    r.ID,
			"session_id":        r.SessionID,
			"user_id":           r.UserID,
			"matched_rule":      r.MatchedRule,
			"reason":            r.Reason,
			"policy_version":    r.PolicyVersion,
			"requires_approval": r.RequiresApproval,
			"tool_args":         r.ToolArgs,
		},
	}
}
