// Package enforcement decides and records agent tool calls.
//
// Enforcer.Enforce runs one call through four steps:
//
//  1. evaluate the call against the active policy, with a session
//     context of session_id, agent_id, user_id and the request metadata
//  2. sign session_id:tool_name:timestamp with the deployment secret
//  3. persist a Record carrying the decision, signature and retention
//     deadline
//  4. append a tool_enforcement event to the audit chain, if one is
//     configured
//
// A failure at step 2 or later is returned as *Error; the caller must not
// run the tool. A missing signing secret fails before anything is stored.
//
// Records can later be completed with the tool's execution outcome
// (RecordExecution) and, for approve decisions, the approver (Approve).
// Neither touches the signed fields.
package enforcement
