package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RuleSource provides the currently active RuleSet. Implementations must
// never return nil and must be safe for concurrent use.
type RuleSource interface {
	Active() *RuleSet
}

// Observer receives every decision the engine makes. The metrics
// collector implements it.
type Observer interface {
	ObserveDecision(d *Decision, duration time.Duration)
}

// Engine evaluates tool calls against the active RuleSet using
// first-match-wins semantics.
type Engine struct {
	source   RuleSource
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches a decision observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine reading rules from source.
func New(source RuleSource, opts ...Option) *Engine {
	e := &Engine{
		source: source,
		tracer: otel.Tracer("runlok/policy/engine"),
		logger: slog.Default().With("component", "policy.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the decision of the first rule, in declaration order,
// that matches the call. When no rule matches the call is denied.
// The result depends only on the call and the active RuleSet.
func (e *Engine) Evaluate(ctx context.Context, toolName string, args, session map[string]any) *Decision {
	_, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("tool.name", toolName)))
	defer span.End()

	start := time.Now()
	rs := e.source.Active()
	decision := EvaluateRuleSet(rs, &Call{ToolName: toolName, Args: args, Session: session})
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("policy.action", string(decision.Action)),
		attribute.String("policy.rule", decision.MatchedRule),
		attribute.String("policy.version", decision.PolicyVersion),
	)

	if e.observer != nil {
		e.observer.ObserveDecision(decision, elapsed)
	}

	e.logger.Debug("policy evaluated",
		"tool", toolName,
		"action", decision.Action,
		"rule", decision.MatchedRule,
		"policy_version", decision.PolicyVersion,
		"duration_us", elapsed.Microseconds(),
	)

	return decision
}

// EvaluateRuleSet is the pure evaluation step, usable against a candidate
// RuleSet that has not been activated.
func EvaluateRuleSet(rs *RuleSet, call *Call) *Decision {
	for _, rule := range rs.Rules {
		if Matches(rule, call) {
			return &Decision{
				Action:        rule.Action,
				MatchedRule:   rule.Name,
				Reason:        fmt.Sprintf("Matched rule: %s", rule.Name),
				PolicyVersion: rs.Version,
				PolicyHash:    rs.ContentHash,
			}
		}
	}
	return &Decision{
		Action:        ActionDeny,
		Reason:        NoMatchReason,
		PolicyVersion: rs.Version,
		PolicyHash:    rs.ContentHash,
	}
}
