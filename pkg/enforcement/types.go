package enforcement

import (
	"context"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/policy/engine"
)

// Request is one tool call presented by an agent.
type Request struct {
	// SessionID groups calls of one agent run. A new ID is generated when
	// empty.
	SessionID string `json:"session_id,omitempty"`

	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"tool_args,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`

	// Metadata is merged into the session context after the identity keys
	// and may override them.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Origin is the caller address, if known. It is only written to the
	// audit event.
	Origin string `json:"-"`
}

// Execution is the outcome of a tool call reported after it ran.
type Execution struct {
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// Execution statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// Record is the signed log entry for one enforced tool call.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`

	PolicyVersion string        `json:"policy_version"`
	Decision      engine.Action `json:"decision"`
	MatchedRule   string        `json:"matched_rule,omitempty"`
	Reason        string        `json:"reason"`

	// Signature is "v1:<hex>" over session_id:tool_name:timestamp.
	Signature string `json:"signature"`

	AgentID  string         `json:"agent_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	RequiresApproval bool       `json:"requires_approval"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	Execution *Execution `json:"execution,omitempty"`

	audit.Retention
}

// Clone returns a copy of r. Maps are shared; they are never mutated
// after the record is built.
func (r *Record) Clone() *Record {
	c := *r
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		c.ApprovedAt = &t
	}
	if r.Execution != nil {
		e := *r.Execution
		c.Execution = &e
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		c.ArchivedAt = &t
	}
	if r.RetentionUntil != nil {
		t := *r.RetentionUntil
		c.RetentionUntil = &t
	}
	return &c
}

// Query selects enforcement records. Results are in timestamp order.
type Query struct {
	SessionID string
	ToolName  string
	Decision  engine.Action

	StartTime *time.Time
	EndTime   *time.Time

	IDs []string

	Archived        *bool
	RetentionBefore *time.Time

	Limit      int
	Offset     int
	Descending bool
}

// Storage persists enforcement records.
type Storage interface {
	Save(ctx context.Context, record *Record) error

	// Get returns ErrNotFound (wrapped) for an unknown id.
	Get(ctx context.Context, id string) (*Record, error)

	Query(ctx context.Context, query *Query) ([]*Record, error)
	Count(ctx context.Context, query *Query) (int64, error)

	UpdateExecution(ctx context.Context, id string, exec Execution) error

	// Approve stamps the approver only while the record requires approval
	// and has none, atomically. Otherwise it returns ErrNotPendingApproval
	// (wrapped), or ErrNotFound for an unknown id.
	Approve(ctx context.Context, id, by string, at time.Time) error

	UpdateRetention(ctx context.Context, id string, retention audit.Retention) error

	Delete(ctx context.Context, ids []string) (int64, error)
	Close() error
}
