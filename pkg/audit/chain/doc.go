// Package chain appends to and verifies the hash-linked audit log.
//
// # Append
//
// Append runs under a mutex:
//
//  1. stamp the timestamp (UTC, microsecond precision)
//  2. anonymize sensitive context keys and, if configured, the actor origin
//  3. read the tail hash, or "genesis" for an empty chain
//  4. compute record_hash
//  5. persist
//
// The storage layer rejects a second record claiming the same
// predecessor. If another process appended between steps 3 and 5 the
// append is rebuilt against the new tail a bounded number of times.
//
// # Hashing
//
// record_hash is the SHA-256 of the canonical JSON of the record's content
// fields plus previous_record_hash, tagged with HashVersion. Canonical JSON
// sorts object keys, strips whitespace and NFC normalizes strings. The
// context is canonicalized once at append and stored in that form, so the
// stored bytes are the hashed bytes.
//
// Retention metadata (archive flag and stamps, retention deadline) is not
// hashed; archiving a record does not disturb the chain.
//
// # Anonymization
//
// Context keys are split into name tokens ("apiKey" is api, key). A key
// with a sensitive token has its value replaced before hashing: strings
// with the first eight hex digits of their SHA-256 and "...", anything else
// with "[REDACTED]". The chain therefore never needs the original value to
// verify.
//
// # Verify
//
// Verify streams records in sequence order and reports, without raising:
//
//	content  stored record_hash differs from the recomputed hash
//	link     previous_record_hash differs from the predecessor's record_hash
//
// A forked chain (two records claiming one predecessor) produces a link
// violation on the second of them.
package chain
