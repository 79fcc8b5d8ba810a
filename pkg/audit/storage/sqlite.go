package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"runlok-hq/runlok/internal/sqlitedb"
	"runlok-hq/runlok/pkg/audit"
)

// SQLiteConfig contains configuration for the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	// Default: sqlite
	Driver string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool

	// BusyTimeout is how long to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/runlok.db",
		Driver:       sqlitedb.DriverPureGo,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStorage implements audit.Storage on SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens the database and creates the schema.
func NewSQLiteStorage(ctx context.Context, config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "audit.storage.sqlite")

	db, err := sqlitedb.Open(ctx, sqlitedb.Config{
		Path:         config.Path,
		Driver:       config.Driver,
		MaxOpenConns: config.MaxOpenConns,
		MaxIdleConns: config.MaxIdleConns,
		WALMode:      config.WALMode,
		BusyTimeout:  config.BusyTimeout,
	})
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}

	s := &SQLiteStorage{db: db, config: config, logger: logger}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite audit storage initialized",
		"path", config.Path,
		"driver", config.Driver,
		"wal_mode", config.WALMode,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return audit.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.ExecContext(ctx, InsertSchemaVersion, SchemaVersion); err != nil {
		return audit.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, GetSchemaVersion).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return audit.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return audit.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	s.logger.Debug("schema version verified", "version", version)
	return nil
}

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Append inserts a record. A duplicate predecessor or sequence is
// reported as audit.ErrChainConflict.
func (s *SQLiteStorage) Append(ctx context.Context, r *audit.Record) error {
	query := `INSERT INTO audit_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Sequence, sqlitedb.FormatTime(r.Timestamp), r.EventType, r.EventCategory,
		r.Actor.Type, nullString(r.Actor.ID), nullString(r.Actor.Origin), nullString(r.Target.Type), nullString(r.Target.ID),
		r.Action, r.Description, r.Outcome, string(r.RiskLevel), nullString(string(r.Context)),
		string(r.RetentionCategory), r.ComplianceRelevant, r.RecordHash, r.PreviousRecordHash,
		r.IsArchived, sqlitedb.NullTime(r.ArchivedAt), nullString(r.ArchivedBy), sqlitedb.NullTime(r.RetentionUntil),
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err, "previous_record_hash") || sqlitedb.IsUniqueViolation(err, "audit_records.sequence") {
			return audit.NewStorageError("sqlite", "append", fmt.Errorf("%w: %v", audit.ErrChainConflict, err))
		}
		return audit.NewStorageError("sqlite", "append", err)
	}
	return nil
}

// Tail returns the highest-sequence record, or nil for an empty chain.
func (s *SQLiteStorage) Tail(ctx context.Context) (*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "tail", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, audit.NewStorageError("sqlite", "tail", err)
		}
		return nil, nil
	}
	record, err := scanRecord(rows)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "scan", err)
	}
	return record, nil
}

// Query retrieves matching records in sequence order.
func (s *SQLiteStorage) Query(ctx context.Context, query *audit.Query) ([]*audit.Record, error) {
	sqlQuery, args := s.selectQuery(query)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	records := []*audit.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, audit.NewStorageError("sqlite", "scan", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "query", err)
	}
	return records, nil
}

// QueryStream streams matching records without loading them all.
func (s *SQLiteStorage) QueryStream(ctx context.Context, query *audit.Query) (<-chan *audit.Record, <-chan error, error) {
	recordsCh := make(chan *audit.Record, 100)
	errCh := make(chan error, 1)

	sqlQuery, args := s.selectQuery(query)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- audit.NewStorageError("sqlite", "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				errCh <- audit.NewStorageError("sqlite", "scan", err)
				return
			}

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- audit.NewStorageError("sqlite", "query_stream", err)
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of matching records.
func (s *SQLiteStorage) Count(ctx context.Context, query *audit.Query) (int64, error) {
	where, args := buildWhereClause(query)

	sqlQuery := "SELECT COUNT(*) FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, audit.NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// UpdateRetention replaces the retention metadata of one record. The
// hashed columns are not touched.
func (s *SQLiteStorage) UpdateRetention(ctx context.Context, id string, r audit.Retention) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audit_records SET is_archived = ?, archived_at = ?, archived_by = ?, retention_until = ? WHERE id = ?`,
		r.IsArchived, sqlitedb.NullTime(r.ArchivedAt), nullString(r.ArchivedBy), sqlitedb.NullTime(r.RetentionUntil), id)
	if err != nil {
		return audit.NewStorageError("sqlite", "update_retention", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return audit.NewStorageError("sqlite", "update_retention", err)
	}
	if n == 0 {
		return audit.NewStorageError("sqlite", "update_retention", fmt.Errorf("%w: %s", audit.ErrNotFound, id))
	}
	return nil
}

// Delete removes records by ID.
func (s *SQLiteStorage) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "delete", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return audit.NewStorageError("sqlite", "close", err)
	}
	s.logger.Info("SQLite audit storage closed")
	return nil
}

func (s *SQLiteStorage) selectQuery(query *audit.Query) (string, []any) {
	if query == nil {
		query = &audit.Query{}
	}
	where, args := buildWhereClause(query)

	sqlQuery := "SELECT " + recordColumns + " FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	if query.Descending {
		sqlQuery += " ORDER BY sequence DESC"
	} else {
		sqlQuery += " ORDER BY sequence ASC"
	}

	// SQLite requires LIMIT whenever OFFSET is present; -1 is unbounded.
	if query.Limit > 0 || query.Offset > 0 {
		limit := -1
		if query.Limit > 0 {
			limit = query.Limit
		}
		sqlQuery += fmt.Sprintf(" LIMIT %d", limit)
		if query.Offset > 0 {
			sqlQuery += fmt.Sprintf(" OFFSET %d", query.Offset)
		}
	}
	return sqlQuery, args
}

// buildWhereClause builds a WHERE clause (without the keyword) and its
// arguments.
func buildWhereClause(query *audit.Query) (string, []any) {
	if query == nil {
		return "", nil
	}

	var conditions []string
	var args []any

	if query.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, sqlitedb.FormatTime(*query.StartTime))
	}
	if query.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, sqlitedb.FormatTime(*query.EndTime))
	}
	if query.StartSequence > 0 {
		conditions = append(conditions, "sequence >= ?")
		args = append(args, query.StartSequence)
	}
	if query.EndSequence > 0 {
		conditions = append(conditions, "sequence <= ?")
		args = append(args, query.EndSequence)
	}
	if query.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, query.EventType)
	}
	if query.Archived != nil {
		conditions = append(conditions, "is_archived = ?")
		args = append(args, *query.Archived)
	}
	if query.RetentionBefore != nil {
		conditions = append(conditions, "retention_until IS NOT NULL AND retention_until < ?")
		args = append(args, sqlitedb.FormatTime(*query.RetentionBefore))
	}
	if len(query.IDs) > 0 {
		conditions = append(conditions, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(query.IDs)), ",")+")")
		for _, id := range query.IDs {
			args = append(args, id)
		}
	}

	return strings.Join(conditions, " AND "), args
}

func scanRecord(rows *sql.Rows) (*audit.Record, error) {
	var (
		r          audit.Record
		ts         string
		risk       string
		category   string
		actorID    sql.NullString
		origin     sql.NullString
		targetType sql.NullString
		targetID   sql.NullString
		contextRaw sql.NullString
		archivedBy sql.NullString
		archivedAt sql.NullString
		until      sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.Sequence, &ts, &r.EventType, &r.EventCategory,
		&r.Actor.Type, &actorID, &origin, &targetType, &targetID,
		&r.Action, &r.Description, &r.Outcome, &risk, &contextRaw,
		&category, &r.ComplianceRelevant, &r.RecordHash, &r.PreviousRecordHash,
		&r.IsArchived, &archivedAt, &archivedBy, &until,
	)
	if err != nil {
		return nil, err
	}

	if r.Timestamp, err = sqlitedb.ParseTime(ts); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	r.Actor.ID = actorID.String
	r.Actor.Origin = origin.String
	r.Target.Type = targetType.String
	r.Target.ID = targetID.String
	r.RiskLevel = audit.RiskLevel(risk)
	r.RetentionCategory = audit.RetentionCategory(category)
	r.ArchivedBy = archivedBy.String
	if contextRaw.Valid && contextRaw.String != "" {
		r.Context = json.RawMessage(contextRaw.String)
	}

	if r.ArchivedAt, err = sqlitedb.ScanNullTime(archivedAt); err != nil {
		return nil, errors.Join(errors.New("invalid archived_at"), err)
	}
	if r.RetentionUntil, err = sqlitedb.ScanNullTime(until); err != nil {
		return nil, errors.Join(errors.New("invalid retention_until"), err)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
