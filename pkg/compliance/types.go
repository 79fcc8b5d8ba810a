package compliance

import (
	"time"

	"runlok-hq/runlok/pkg/audit"
)

// ReviewInterval is added to the generation time to get the next
// retention review date.
const ReviewInterval = 30 * 24 * time.Hour

// Period is an inclusive reporting window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report summarizes agent tool usage and governance over a period.
type Report struct {
	Metadata   Metadata       `json:"report_metadata"`
	Usage      Usage          `json:"ai_system_usage"`
	Risk       RiskAssessment `json:"risk_assessment"`
	Governance DataGovernance `json:"data_governance"`
	Oversight  HumanOversight `json:"human_oversight"`

	// Events lists every compliance-relevant audit record in the period.
	// Only set for detailed reports.
	Events []Event `json:"detailed_events,omitempty"`
}

// Metadata describes the report itself.
type Metadata struct {
	GeneratedAt      time.Time `json:"generated_at"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	ReportType       string    `json:"report_type"`
	TotalAuditEvents int       `json:"total_audit_events"`
	TotalAIDecisions int       `json:"total_ai_decisions"`
}

// Usage counts enforcement decisions.
type Usage struct {
	TotalToolCalls   int `json:"total_tool_calls"`
	AllowedCalls     int `json:"allowed_calls"`
	DeniedCalls      int `json:"denied_calls"`
	ApprovalRequired int `json:"approval_required"`
	UniqueAgents     int `json:"unique_agents"`
	UniqueUsers      int `json:"unique_users"`
}

// RiskAssessment counts risky events.
type RiskAssessment struct {
	HighRiskEvents             int `json:"high_risk_events"`
	PolicyViolations           int `json:"policy_violations"`
	DataExports                int `json:"data_exports"`
	UnauthorizedAccessAttempts int `json:"unauthorized_access_attempts"`
}

// DataGovernance covers archiving, retention and chain integrity.
type DataGovernance struct {
	ArchivedSessions    int                 `json:"archived_sessions"`
	RetentionCompliance RetentionCompliance `json:"retention_compliance"`
	DataIntegrity       DataIntegrity       `json:"data_integrity_status"`
}

// RetentionCompliance reports overdue deletions as of generation time.
type RetentionCompliance struct {
	OverdueDeletions         int       `json:"overdue_deletions"`
	NextReviewDate           time.Time `json:"next_review_date"`
	RetentionPolicyCompliant bool      `json:"retention_policy_compliant"`
}

// DataIntegrity is the chain verification result over the period.
type DataIntegrity struct {
	TotalEntriesVerified  int64     `json:"total_entries_verified"`
	IntegrityViolations   int64     `json:"integrity_violations"`
	ChainIntact           bool      `json:"chain_intact"`
	VerificationTimestamp time.Time `json:"verification_timestamp"`
}

// HumanOversight counts human involvement.
type HumanOversight struct {
	ManualInterventions int `json:"manual_interventions"`
	ApprovalWorkflows   int `json:"approval_workflows"`
}

// Event is one line of a detailed report.
type Event struct {
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"event_type"`
	Action      string          `json:"action"`
	Outcome     string          `json:"outcome"`
	RiskLevel   audit.RiskLevel `json:"risk_level"`
	Actor       string          `json:"actor,omitempty"`
	Description string          `json:"description"`
}
