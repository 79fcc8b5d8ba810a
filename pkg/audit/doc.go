// Package audit defines the governance audit record and the storage
// contract for the hash-linked audit chain.
//
// Every record carries the SHA-256 hash of its own content and the hash of
// the record before it. The first record links to GenesisHash. Editing,
// removing or reordering a record in storage breaks the links that follow
// it, which chain.Verify reports.
//
// Records are immutable once appended, with one exception: the retention
// metadata (archive flag, archive stamp, retention deadline) may change
// and is excluded from the hash.
//
// # Packages
//
//	audit/chain    append with anonymization and hashing, streaming verify
//	audit/storage  memory, SQLite (mattn or modernc driver) and Postgres backends
//	audit/export   JSON and CSV export
//
// # Storage contract
//
// Backends enforce uniqueness of previous_record_hash. Two writers that
// read the same tail cannot both succeed; the loser receives an error
// wrapping ErrChainConflict instead of silently forking the chain.
package audit
