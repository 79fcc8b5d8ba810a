// Package storage provides audit.Storage backends.
//
//	MemoryStorage    in-process slice, for tests and one-shot commands
//	SQLiteStorage    database/sql with modernc.org/sqlite ("sqlite", default)
//	                 or mattn/go-sqlite3 ("sqlite3", needs cgo)
//	PostgresStorage  pgx connection pool
//
// Every backend puts a UNIQUE constraint on previous_record_hash and on
// sequence and reports a violation as audit.ErrChainConflict.
//
// SQLite timestamps are fixed-width UTC text at microsecond precision so
// range filters can compare them lexically. Postgres uses TIMESTAMPTZ,
// which has the same precision. Context is stored as text in both so the
// bytes read back are the bytes that were hashed.
package storage
