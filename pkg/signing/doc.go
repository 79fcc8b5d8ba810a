// Package signing signs individual enforcement records with HMAC-SHA256.
//
// A signature covers the session ID, tool name, and timestamp of one
// record. It is independent of the audit chain: the chain detects edits
// to the sequence, the signature detects a forged or altered record.
//
// Signatures carry their scheme version ("v1:<hex>"). The v1 canonical
// form is
//
//	session_id:tool_name:2006-01-02T15:04:05.000000Z
//
// with the timestamp in UTC. Changing the fields, their order, or the
// layout requires a new scheme version so existing signatures stay
// verifiable.
//
// The secret is resolved from a reference (env:NAME, file:/path, or
// literal:VALUE). A missing secret is a hard error, never a silent
// unsigned record.
package signing
