package engine

import (
	"fmt"
	"time"
)

// Action is the outcome a rule assigns to a matching tool call.
type Action string

const (
	// ActionAllow lets the tool call proceed.
	ActionAllow Action = "allow"

	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"

	// ActionApprove holds the tool call until a human approves it.
	ActionApprove Action = "approve"
)

// ParseAction converts a policy document value into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAllow, ActionDeny, ActionApprove:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action %q (must be one of allow, deny, approve)", s)
	}
}

// String returns the action name.
func (a Action) String() string {
	return string(a)
}

// Rule is a single named policy rule. Rules are immutable once loaded.
type Rule struct {
	// Name is unique within a RuleSet.
	Name string `json:"name"`

	// Action is applied when the rule matches.
	Action Action `json:"action"`

	// Patterns are the compiled tool name globs, in declaration order.
	Patterns []*Pattern `json:"-"`

	// Conditions must all pass for the rule to match.
	Conditions []Condition `json:"-"`

	// Description is free text for policy authors.
	Description string `json:"description,omitempty"`
}

// Tools returns the source text of the rule's tool patterns.
func (r *Rule) Tools() []string {
	tools := make([]string, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		tools = append(tools, p.String())
	}
	return tools
}

// RuleSet is an immutable, versioned, ordered list of rules.
// Rule order is evaluation order.
type RuleSet struct {
	// Version is the caller-supplied version string from the document.
	Version string

	// ContentHash is the hex SHA-256 of the raw document bytes.
	ContentHash string

	// Rules in evaluation order.
	Rules []*Rule

	// LoadedAt is when this RuleSet was built.
	LoadedAt time.Time

	// Fallback is true for the built-in rule set used when loading fails.
	Fallback bool

	// Origin describes where the document came from (file path, git commit).
	Origin string
}

// Call is a tool call presented for evaluation.
type Call struct {
	ToolName string
	Args     map[string]any
	Session  map[string]any
}

// Decision is the immutable result of evaluating a Call.
type Decision struct {
	Action Action `json:"action"`

	// MatchedRule is empty when no rule matched.
	MatchedRule string `json:"matched_rule,omitempty"`

	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	PolicyHash    string `json:"policy_hash,omitempty"`
}

// Matched reports whether a rule produced this decision.
func (d *Decision) Matched() bool {
	return d.MatchedRule != ""
}

// NoMatchReason is the reason given when no rule matches a call.
const NoMatchReason = "no matching policy rule"
