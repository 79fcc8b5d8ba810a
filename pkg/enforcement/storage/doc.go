// Package storage provides enforcement.Storage backends: an in-memory map
// and SQLite through internal/sqlitedb. The SQLite tables can live in the
// same database file as the audit chain.
package storage
