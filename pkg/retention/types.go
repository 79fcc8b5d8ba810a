package retention

import (
	"time"

	"runlok-hq/runlok/pkg/audit"
)

// Source names the store a record lives in.
type Source string

const (
	SourceAudit       Source = "audit"
	SourceEnforcement Source = "enforcement"
)

// State is the retention classification of one record.
type State string

const (
	StateCompliant State = "compliant"
	StateUpcoming  State = "upcoming"
	StateOverdue   State = "overdue"
	StateArchived  State = "archived"
)

// Item is the retention view of an audit or enforcement record.
type Item struct {
	Source    Source    `json:"source"`
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`

	// Sequence is set for audit records only.
	Sequence int64 `json:"sequence,omitempty"`

	audit.Retention

	State         State `json:"state"`
	DaysRemaining int   `json:"days_remaining,omitempty"`
	DaysOverdue   int   `json:"days_overdue,omitempty"`
}

// Status partitions every record into exactly one State.
type Status struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Horizon     time.Duration `json:"horizon"`

	Upcoming []Item `json:"upcoming"`
	Overdue  []Item `json:"overdue"`
	Archived []Item `json:"archived"`

	// CompliantCount is the number of records with no deadline inside the
	// horizon. They are not listed.
	CompliantCount int `json:"compliant_count"`

	Total int `json:"total"`
}

// PolicyCompliant reports whether nothing is overdue.
func (s *Status) PolicyCompliant() bool {
	return len(s.Overdue) == 0
}

// ArchiveResult is returned by Archive.
type ArchiveResult struct {
	Archived []Item   `json:"archived"`
	NotFound []string `json:"not_found,omitempty"`
}

// CleanupResult is returned by PlanCleanup.
type CleanupResult struct {
	DryRun    bool      `json:"dry_run"`
	PlannedAt time.Time `json:"planned_at"`

	// Candidates are deleted unless DryRun is set.
	Candidates []Item `json:"candidates"`

	// Held are overdue audit records that cannot be deleted yet because
	// an earlier record in the chain is still retained.
	Held []Item `json:"held,omitempty"`

	DeletedCount int64    `json:"deleted_count"`
	ArchiveFiles []string `json:"archive_files,omitempty"`
}
