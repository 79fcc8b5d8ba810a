package audit

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// GenesisHash is the previous_record_hash of the first record in a chain.
const GenesisHash = "genesis"

// RiskLevel grades how consequential an event is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Outcome values used by the built-in events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// Event types written by runlok itself.
const (
	EventToolEnforcement  = "tool_enforcement"
	EventToolApproval     = "tool_approval"
	EventPolicyChange     = "policy_change"
	EventIntegrityCheck   = "integrity_check"
	EventArchiveAction    = "archive_action"
	EventDataCleanup      = "data_cleanup"
	EventComplianceReport = "compliance_report"
	EventSessionAccess    = "session_access"
	EventDataExport       = "data_export"
	EventUserLogin        = "user_login"
	EventSystemConfig     = "system_config"
)

// Context keys a data_cleanup record uses to attest the head of the
// chain it left behind after deleting a prefix.
const (
	ContextPrunedThrough = "pruned_through_sequence"
	ContextNewHeadPrev   = "new_head_previous_hash"
)

// RetentionCategory determines how long a record is kept.
type RetentionCategory string

const (
	RetentionStandard  RetentionCategory = "standard"
	RetentionExtended  RetentionCategory = "extended"
	RetentionPermanent RetentionCategory = "permanent"
)

// Actor is whoever caused an event.
type Actor struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Target is what an event acted on.
type Target struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Draft is the caller-supplied part of an audit record. The chain fills
// in everything else.
type Draft struct {
	EventType   string
	Actor       Actor
	Target      Target
	Action      string
	Description string

	// Outcome defaults to success.
	Outcome string

	// RiskLevel defaults to low.
	RiskLevel RiskLevel

	// Context is free-form event data. Sensitive keys are anonymized
	// before the record is hashed.
	Context map[string]any

	// RetentionCategory overrides the category derived from risk and
	// event type.
	RetentionCategory RetentionCategory

	// ComplianceRelevant defaults to true.
	ComplianceRelevant *bool
}

// Retention is the mutable metadata of a record. It is never hashed.
type Retention struct {
	IsArchived     bool       `json:"is_archived"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	ArchivedBy     string     `json:"archived_by,omitempty"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
}

// Record is one link of the audit chain. Everything except Retention is
// fixed at append.
type Record struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`

	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	EventCategory string    `json:"event_category"`

	Actor       Actor  `json:"actor"`
	Target      Target `json:"target"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Outcome     string `json:"outcome"`

	RiskLevel RiskLevel `json:"risk_level"`

	// Context is canonical JSON, already anonymized.
	Context json.RawMessage `json:"context,omitempty"`

	RetentionCategory  RetentionCategory `json:"retention_category"`
	ComplianceRelevant bool              `json:"compliance_relevant"`

	RecordHash         string `json:"record_hash"`
	PreviousRecordHash string `json:"previous_record_hash"`

	Retention
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.Context != nil {
		c.Context = append(json.RawMessage(nil), r.Context...)
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

// ContextMap decodes Context. A record without context yields an empty map.
func (r *Record) ContextMap() (map[string]any, error) {
	m := map[string]any{}
	if len(r.Context) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(r.Context, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Query selects records. Results are always in sequence order.
type Query struct {
	// Inclusive timestamp bounds.
	StartTime *time.Time
	EndTime   *time.Time

	// Inclusive sequence bounds; zero means unbounded.
	StartSequence int64
	EndSequence   int64

	IDs       []string
	EventType string

	// Archived filters on is_archived when set.
	Archived *bool

	// RetentionBefore selects records whose retention_until is set and
	// earlier than the given time.
	RetentionBefore *time.Time

	// Limit of zero or less returns every match.
	Limit  int
	Offset int

	// Descending returns newest first.
	Descending bool
}

// Storage persists audit records. Implementations must be safe for
// concurrent use and must reject a second record with the same
// PreviousRecordHash with an error wrapping ErrChainConflict.
type Storage interface {
	// Append inserts a new record.
	Append(ctx context.Context, record *Record) error

	// Tail returns the record with the highest sequence, or nil when the
	// chain is empty.
	Tail(ctx context.Context) (*Record, error)

	// Query returns matching records.
	Query(ctx context.Context, query *Query) ([]*Record, error)

	// QueryStream streams matching records. Both channels are closed when
	// the scan ends; errCh carries at most one error.
	QueryStream(ctx context.Context, query *Query) (<-chan *Record, <-chan error, error)

	// Count returns the number of matching records.
	Count(ctx context.Context, query *Query) (int64, error)

	// UpdateRetention replaces the retention metadata of one record.
	UpdateRetention(ctx context.Context, id string, retention Retention) error

	// Delete removes records by ID and returns how many were removed.
	Delete(ctx context.Context, ids []string) (int64, error)

	// Close releases resources held by the backend.
	Close() error
}

// Exporter writes audit records in some external format.
type Exporter interface {
	Export(ctx context.Context, records []*Record, w io.Writer) error
}
