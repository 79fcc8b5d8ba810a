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
	"runlok-hq/runlok/pkg/enforcement"
	"runlok-hq/runlok/pkg/policy/engine"
)

// SchemaVersion is the current enforcement schema version.
const SchemaVersion = 1

// Schema creates the enforcement tables. It can share a database file
// with the audit chain; the version table is separate.
const Schema = `
CREATE TABLE IF NOT EXISTS enforcement_records (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,

    tool_name TEXT NOT NULL,
    tool_args TEXT NOT NULL,

    policy_version TEXT NOT NULL,
    decision TEXT NOT NULL,
    matched_rule TEXT,
    reason TEXT NOT NULL,

    signature TEXT NOT NULL,
    agent_id TEXT,
    user_id TEXT,
    metadata TEXT,

    requires_approval INTEGER NOT NULL DEFAULT 0,
    approved_by TEXT,
    approved_at TEXT,

    execution TEXT,

    is_archived INTEGER NOT NULL DEFAULT 0,
    archived_at TEXT,
    archived_by TEXT,
    retention_until TEXT
);

CREATE TABLE IF NOT EXISTS enforcement_schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enforcement_session ON enforcement_records(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_enforcement_tool ON enforcement_records(tool_name);
CREATE INDEX IF NOT EXISTS idx_enforcement_decision ON enforcement_records(decision);
CREATE INDEX IF NOT EXISTS idx_enforcement_retention ON enforcement_records(is_archived, retention_until);

INSERT INTO enforcement_schema_version (version, applied_at)
VALUES (1, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
ON CONFLICT(version) DO NOTHING;
`

const columns = `id, session_id, timestamp, tool_name, tool_args,
    policy_version, decision, matched_rule, reason,
    signature, agent_id, user_id, metadata,
    requires_approval, approved_by, approved_at, execution,
    is_archived, archived_at, archived_by, retention_until`

// SQLiteStorage implements enforcement.Storage on SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage opens the database and creates the schema.
func NewSQLiteStorage(ctx context.Context, cfg sqlitedb.Config) (*SQLiteStorage, error) {
	db, err := sqlitedb.Open(ctx, cfg)
	if err != nil {
		return nil, enforcement.NewStorageError("sqlite", "open", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, enforcement.NewStorageError("sqlite", "create_schema", err)
	}

	var version int
	if err := db.QueryRowContext(ctx,
		`SELECT version FROM enforcement_schema_version ORDER BY version DESC LIMIT 1`).Scan(&version); err != nil {
		db.Close()
		return nil, enforcement.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, enforcement.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	logger := slog.Default().With("component", "enforcement.storage.sqlite")
	logger.Info("SQLite enforcement storage initialized", "path", cfg.Path, "driver", cfg.Driver)

	return &SQLiteStorage{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for tests.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Save inserts a record.
func (s *SQLiteStorage) Save(ctx context.Context, r *enforcement.Record) error {
	args, err := marshalJSON(r.ToolArgs)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "save", fmt.Errorf("tool_args: %w", err))
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "save", fmt.Errorf("metadata: %w", err))
	}
	execution, err := marshalJSON(r.Execution)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "save", fmt.Errorf("execution: %w", err))
	}
	if !args.Valid {
		args = sql.NullString{String: "{}", Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO enforcement_records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, sqlitedb.FormatTime(r.Timestamp), r.ToolName, args.String,
		r.PolicyVersion, string(r.Decision), nullString(r.MatchedRule), r.Reason,
		r.Signature, nullString(r.AgentID), nullString(r.UserID), metadata,
		r.RequiresApproval, nullString(r.ApprovedBy), sqlitedb.NullTime(r.ApprovedAt), execution,
		r.IsArchived, sqlitedb.NullTime(r.ArchivedAt), nullString(r.ArchivedBy), sqlitedb.NullTime(r.RetentionUntil),
	)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "save", err)
	}
	return nil
}

// Get returns one record.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (*enforcement.Record, error) {
	records, err := s.Query(ctx, &enforcement.Query{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, enforcement.NewStorageError("sqlite", "get", fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	}
	return records[0], nil
}

// Query returns matching records in timestamp order.
func (s *SQLiteStorage) Query(ctx context.Context, query *enforcement.Query) ([]*enforcement.Record, error) {
	if query == nil {
		query = &enforcement.Query{}
	}
	where, args := whereClause(query)

	sqlQuery := "SELECT " + columns + " FROM enforcement_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	if query.Descending {
		sqlQuery += " ORDER BY timestamp DESC, id DESC"
	} else {
		sqlQuery += " ORDER BY timestamp ASC, id ASC"
	}
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

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, enforcement.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	var records []*enforcement.Record
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, enforcement.NewStorageError("sqlite", "scan", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, enforcement.NewStorageError("sqlite", "query", err)
	}
	return records, nil
}

// Count returns the number of matching records.
func (s *SQLiteStorage) Count(ctx context.Context, query *enforcement.Query) (int64, error) {
	where, args := whereClause(query)
	sqlQuery := "SELECT COUNT(*) FROM enforcement_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, enforcement.NewStorageError("sqlite", "count", err)
	}
	return count, nil
}

// UpdateExecution sets the execution outcome of one record.
func (s *SQLiteStorage) UpdateExecution(ctx context.Context, id string, exec enforcement.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "update_execution", err)
	}
	return s.exec(ctx, "update_execution", id,
		`UPDATE enforcement_records SET execution = ? WHERE id = ?`, string(data), id)
}

// Approve stamps the approver of one record still pending approval. The
// pending check is part of the UPDATE, so of two concurrent approvers
// exactly one wins.
func (s *SQLiteStorage) Approve(ctx context.Context, id, by string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE enforcement_records SET approved_by = ?, approved_at = ?
		 WHERE id = ? AND requires_approval = 1 AND (approved_by IS NULL OR approved_by = '')`,
		by, sqlitedb.FormatTime(at), id)
	if err != nil {
		return enforcement.NewStorageError("sqlite", "approve", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return enforcement.NewStorageError("sqlite", "approve", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM enforcement_records WHERE id = ?`, id).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return enforcement.NewStorageError("sqlite", "approve", fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	case err != nil:
		return enforcement.NewStorageError("sqlite", "approve", err)
	}
	return enforcement.NewStorageError("sqlite", "approve", fmt.Errorf("%w: %s", enforcement.ErrNotPendingApproval, id))
}

// UpdateRetention replaces the retention metadata of one record.
func (s *SQLiteStorage) UpdateRetention(ctx context.Context, id string, r audit.Retention) error {
	return s.exec(ctx, "update_retention", id,
		`UPDATE enforcement_records SET is_archived = ?, archived_at = ?, archived_by = ?, retention_until = ? WHERE id = ?`,
		r.IsArchived, sqlitedb.NullTime(r.ArchivedAt), nullString(r.ArchivedBy), sqlitedb.NullTime(r.RetentionUntil), id)
}

// Delete removes records by ID.
func (s *SQLiteStorage) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM enforcement_records WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, enforcement.NewStorageError("sqlite", "delete", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, enforcement.NewStorageError("sqlite", "delete", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return enforcement.NewStorageError("sqlite", "close", err)
	}
	return nil
}

func (s *SQLiteStorage) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return enforcement.NewStorageError("sqlite", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return enforcement.NewStorageError("sqlite", op, err)
	}
	if n == 0 {
		return enforcement.NewStorageError("sqlite", op, fmt.Errorf("%w: %s", enforcement.ErrNotFound, id))
	}
	return nil
}

func whereClause(q *enforcement.Query) (string, []any) {
	if q == nil {
		return "", nil
	}

	var conditions []string
	var args []any

	if q.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ToolName != "" {
		conditions = append(conditions, "tool_name = ?")
		args = append(args, q.ToolName)
	}
	if q.Decision != "" {
		conditions = append(conditions, "decision = ?")
		args = append(args, string(q.Decision))
	}
	if q.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, sqlitedb.FormatTime(*q.StartTime))
	}
	if q.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, sqlitedb.FormatTime(*q.EndTime))
	}
	if len(q.IDs) > 0 {
		conditions = append(conditions, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if q.Archived != nil {
		conditions = append(conditions, "is_archived = ?")
		args = append(args, *q.Archived)
	}
	if q.RetentionBefore != nil {
		conditions = append(conditions, "retention_until IS NOT NULL AND retention_until < ?")
		args = append(args, sqlitedb.FormatTime(*q.RetentionBefore))
	}

	return strings.Join(conditions, " AND "), args
}

func scan(rows *sql.Rows) (*enforcement.Record, error) {
	var (
		r          enforcement.Record
		ts         string
		args       string
		decision   string
		rule       sql.NullString
		agentID    sql.NullString
		userID     sql.NullString
		metadata   sql.NullString
		approvedBy sql.NullString
		approvedAt sql.NullString
		execution  sql.NullString
		archivedAt sql.NullString
		archivedBy sql.NullString
		until      sql.NullString
	)

	err := rows.Scan(
		&r.ID, &r.SessionID, &ts, &r.ToolName, &args,
		&r.PolicyVersion, &decision, &rule, &r.Reason,
		&r.Signature, &agentID, &userID, &metadata,
		&r.RequiresApproval, &approvedBy, &approvedAt, &execution,
		&r.IsArchived, &archivedAt, &archivedBy, &until,
	)
	if err != nil {
		return nil, err
	}

	if r.Timestamp, err = sqlitedb.ParseTime(ts); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	if err := json.Unmarshal([]byte(args), &r.ToolArgs); err != nil {
		return nil, fmt.Errorf("invalid tool_args: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata: %w", err)
		}
	}
	if execution.Valid {
		r.Execution = &enforcement.Execution{}
		if err := json.Unmarshal([]byte(execution.String), r.Execution); err != nil {
			return nil, fmt.Errorf("invalid execution: %w", err)
		}
	}

	r.Decision = engine.Action(decision)
	r.MatchedRule = rule.String
	r.AgentID = agentID.String
	r.UserID = userID.String
	r.ApprovedBy = approvedBy.String
	r.ArchivedBy = archivedBy.String

	if r.ApprovedAt, err = sqlitedb.ScanNullTime(approvedAt); err != nil {
		return nil, fmt.Errorf("invalid approved_at: %w", err)
	}
	if r.ArchivedAt, err = sqlitedb.ScanNullTime(archivedAt); err != nil {
		return nil, fmt.Errorf("invalid archived_at: %w", err)
	}
	if r.RetentionUntil, err = sqlitedb.ScanNullTime(until); err != nil {
		return nil, fmt.Errorf("invalid retention_until: %w", err)
	}
	return &r, nil
}

// marshalJSON encodes v for a nullable TEXT column. Nil maps and
// pointers are stored as NULL.
func marshalJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *enforcement.Execution:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
