// Package compliance builds periodic reports over the audit chain and the
// enforcement log.
//
// A report has these sections:
//
//   - ai_system_usage: decisions by action, unique agents and users
//   - risk_assessment: high-risk events, denials, data exports and failed
//     session access
//   - data_governance: archived calls, overdue deletions and the chain
//     verification result over the period
//   - human_oversight: user-initiated policy changes and calls that
//     required approval
//
// Audit statistics only count compliance-relevant records. Generating a
// report appends a compliance_report event when an auditor is attached.
package compliance
