package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/policy/manager"
)

// Chain is the part of *chain.Chain the recorder needs.
type Chain interface {
	Append(ctx context.Context, d *audit.Draft) (*audit.Record, error)
	Verify(ctx context.Context, r chain.Range) (*chain.VerifyResult, error)
}

type actorKey struct{}

// SystemActor is used when the context carries no actor.
var SystemActor = audit.Actor{Type: "system", ID: "runlok"}

// WithActor returns a context whose governance events are attributed to
// actor.
func WithActor(ctx context.Context, actor audit.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, or SystemActor.
func ActorFrom(ctx context.Context) audit.Actor {
	if a, ok := ctx.Value(actorKey{}).(audit.Actor); ok && a.Type != "" {
		return a
	}
	return SystemActor
}

// Recorder appends policy_change and integrity_check events. It
// implements manager.ReloadListener.
type Recorder struct {
	chain  Chain
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to c.
func NewRecorder(c Chain) *Recorder {
	return &Recorder{
		chain:  c,
		logger: slog.Default().With("component", "governance"),
	}
}

var _ manager.ReloadListener = (*Recorder)(nil)

// OnReload appends a policy_change event for a failed load or a load
// that changed the active document. Reloading identical content is not
// recorded.
func (r *Recorder) OnReload(ctx context.Context, res *manager.ReloadResult) {
	if res.Succeeded() && !res.Changed {
		return
	}

	d := &audit.Draft{
		EventType: audit.EventPolicyChange,
		Actor:     ActorFrom(ctx),
		Target:    audit.Target{Type: "policy", ID: res.NewVersion},
		Action:    "activate",
		Outcome:   audit.OutcomeSuccess,
		RiskLevel: audit.RiskMedium,
		Context: map[string]any{
			"old_version":  res.OldVersion,
			"new_version":  res.NewVersion,
			"old_hash":     res.OldHash,
			"content_hash": res.NewHash,
			"rules_count":  res.RulesCount,
			"origin":       res.Origin,
			"fallback":     res.Fallback,
		},
		Description: fmt.Sprintf("Policy %s activated (was %s)", res.NewVersion, res.OldVersion),
	}
	if !res.Succeeded() {
		d.Action = "load"
		d.Outcome = audit.OutcomeFailure
		d.RiskLevel = audit.RiskHigh
		d.Description = fmt.Sprintf("Policy load from %s failed; %s active", res.Origin, res.NewVersion)
		d.Context["error"] = res.Err.Error()
	}

	if _, err := r.chain.Append(ctx, d); err != nil {
		r.logger.Error("failed to record policy change",
			"new_version", res.NewVersion,
			"error", err,
		)
	}
}

// VerifyAndRecord verifies rng and appends an integrity_check event with
// the outcome. A verification error is recorded as a failure and
// returned.
func (r *Recorder) VerifyAndRecord(ctx context.Context, rng chain.Range) (*chain.VerifyResult, error) {
	result, verr := r.chain.Verify(ctx, rng)

	d := &audit.Draft{
		EventType: audit.EventIntegrityCheck,
		Actor:     ActorFrom(ctx),
		Target:    audit.Target{Type: "audit_chain"},
		Action:    "verify",
		RiskLevel: audit.RiskLow,
		Context:   rangeContext(rng),
	}
	switch {
	case verr != nil:
		d.Outcome = audit.OutcomeFailure
		d.RiskLevel = audit.RiskHigh
		d.Description = "Audit chain verification could not complete"
		d.Context["error"] = verr.Error()
	case result.Intact:
		d.Outcome = audit.OutcomeSuccess
		d.Description = fmt.Sprintf("Verified %d audit records", result.Checked)
	default:
		d.Outcome = audit.OutcomeFailure
		d.RiskLevel = audit.RiskCritical
		d.Description = fmt.Sprintf("Audit chain integrity violated: %d violations in %d records", result.Violations, result.Checked)
	}
	if result != nil {
		d.Context["checked_count"] = result.Checked
		d.Context["violation_count"] = result.Violations
		d.Context["link_violations"] = result.LinkViolations
		d.Context["content_violations"] = result.ContentViolations
		d.Context["intact"] = result.Intact
	}

	if _, err := r.chain.Append(ctx, d); err != nil {
		r.logger.Error("failed to record integrity check", "error", err)
		if verr == nil {
			return result, err
		}
	}
	return result, verr
}

func rangeContext(rng chain.Range) map[string]any {
	m := map[string]any{}
	if rng.Start != nil {
		m["start"] = rng.Start.UTC().Format(time.RFC3339)
	}
	if rng.End != nil {
		m["end"] = rng.End.UTC().Format(time.RFC3339)
	}
	if rng.StartSequence > 0 {
		m["start_sequence"] = rng.StartSequence
	}
	if rng.EndSequence > 0 {
		m["end_sequence"] = rng.EndSequence
	}
	return m
}
