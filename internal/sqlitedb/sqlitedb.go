// Package sqlitedb opens SQLite databases with either the cgo driver
// (mattn/go-sqlite3, registered as "sqlite3") or the pure Go driver
// (modernc.org/sqlite, registered as "sqlite").
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// Config describes how to open a database.
type Config struct {
	Path         string
	Driver       string
	MaxOpenConns int
	MaxIdleConns int
	WALMode      bool
	BusyTimeout  time.Duration
}

// Open opens and pings the database, creating the parent directory of
// Path if needed. Pragmas are passed in the DSN so that every pooled
// connection gets them.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverPureGo
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// DSN builds the driver specific connection string.
func DSN(cfg Config) (string, error) {
	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}

	switch cfg.Driver {
	case DriverCGO:
		params := []string{fmt.Sprintf("_busy_timeout=%d", busy), "_foreign_keys=on"}
		if cfg.WALMode {
			params = append(params, "_journal_mode=WAL")
		}
		return "file:" + cfg.Path + "?" + strings.Join(params, "&"), nil

	case DriverPureGo:
		params := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busy), "_pragma=foreign_keys(1)"}
		if cfg.WALMode {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
		return "file:" + cfg.Path + "?" + strings.Join(params, "&"), nil

	default:
		return "", fmt.Errorf("unsupported sqlite driver %q (must be sqlite or sqlite3)", cfg.Driver)
	}
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure
// naming column (table.column) or any UNIQUE failure when column is
// empty. Both drivers surface SQLite's own message text.
func IsUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	return column == "" || strings.Contains(msg, column)
}

// FormatTime renders t in the fixed-width UTC form used for TEXT
// timestamp columns, so lexical order equals time order.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// TimeLayout is microsecond precision, zero padded.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// NullTime converts an optional time for a nullable TEXT column.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ScanNullTime is the inverse of NullTime.
func ScanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
