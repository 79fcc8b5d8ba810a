package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"runlok-hq/runlok/pkg/audit"
)

// PostgresSchema creates the audit chain table. Context is TEXT rather
// than JSONB so the stored bytes are exactly the hashed bytes.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    sequence BIGINT NOT NULL UNIQUE,
    timestamp TIMESTAMPTZ NOT NULL,
    event_type TEXT NOT NULL,
    event_category TEXT NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    actor_origin TEXT NOT NULL DEFAULT '',
    target_type TEXT NOT NULL DEFAULT '',
    target_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    description TEXT NOT NULL,
    outcome TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    retention_category TEXT NOT NULL,
    compliance_relevant BOOLEAN NOT NULL,
    record_hash TEXT NOT NULL,
    previous_record_hash TEXT NOT NULL,
    is_archived BOOLEAN NOT NULL DEFAULT FALSE,
    archived_at TIMESTAMPTZ,
    archived_by TEXT NOT NULL DEFAULT '',
    retention_until TIMESTAMPTZ,
    CONSTRAINT audit_records_previous_record_hash_key UNIQUE (previous_record_hash)
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_retention ON audit_records(is_archived, retention_until);
`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// PostgresStorage implements audit.Storage on a pgx connection pool.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStorage connects, pings and creates the schema.
func NewPostgresStorage(ctx context.Context, cfg PostgresConfig) (*PostgresStorage, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, audit.NewStorageError("postgres", "open", errors.New("database url is required"))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, audit.NewStorageError("postgres", "parse_config", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, audit.NewStorageError("postgres", "open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, audit.NewStorageError("postgres", "ping", err)
	}

	return NewPostgresStorageFromPool(ctx, pool)
}

// NewPostgresStorageFromPool uses an existing pool and creates the schema.
func NewPostgresStorageFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStorage, error) {
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		return nil, audit.NewStorageError("postgres", "create_schema", err)
	}
	s := &PostgresStorage{
		pool:   pool,
		logger: slog.Default().With("component", "audit.storage.postgres"),
	}
	s.logger.Info("Postgres audit storage initialized", "max_conns", pool.Config().MaxConns)
	return s, nil
}

// Append inserts a record; a unique violation maps to ErrChainConflict.
func (s *PostgresStorage) Append(ctx context.Context, r *audit.Record) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		r.ID, r.Sequence, r.Timestamp.UTC(), r.EventType, r.EventCategory,
		r.Actor.Type, r.Actor.ID, r.Actor.Origin, r.Target.Type, r.Target.ID,
		r.Action, r.Description, r.Outcome, string(r.RiskLevel), string(r.Context),
		string(r.RetentionCategory), r.ComplianceRelevant, r.RecordHash, r.PreviousRecordHash,
		r.IsArchived, r.ArchivedAt, r.ArchivedBy, r.RetentionUntil,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return audit.NewStorageError("postgres", "append",
				fmt.Errorf("%w: %s", audit.ErrChainConflict, pgErr.ConstraintName))
		}
		return audit.NewStorageError("postgres", "append", err)
	}
	return nil
}

// Tail returns the highest-sequence record, or nil.
func (s *PostgresStorage) Tail(ctx context.Context) (*audit.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, audit.NewStorageError("postgres", "tail", err)
	}
	return r, nil
}

// Query returns matching records in sequence order.
func (s *PostgresStorage) Query(ctx context.Context, query *audit.Query) ([]*audit.Record, error) {
	sqlQuery, args := pgSelectQuery(query)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, audit.NewStorageError("postgres", "query", err)
	}
	defer rows.Close()

	records := []*audit.Record{}
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, audit.NewStorageError("postgres", "scan", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("postgres", "query", err)
	}
	return records, nil
}

// QueryStream streams matching records.
func (s *PostgresStorage) QueryStream(ctx context.Context, query *audit.Query) (<-chan *audit.Record, <-chan error, error) {
	recordsCh := make(chan *audit.Record, 100)
	errCh := make(chan error, 1)
	sqlQuery, args := pgSelectQuery(query)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		rows, err := s.pool.Query(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- audit.NewStorageError("postgres", "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanPgRecord(rows)
			if err != nil {
				errCh <- audit.NewStorageError("postgres", "scan", err)
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- r:
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- audit.NewStorageError("postgres", "query_stream", err)
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of matching records.
func (s *PostgresStorage) Count(ctx context.Context, query *audit.Query) (int64, error) {
	where, args := pgWhereClause(query)
	sqlQuery := "SELECT COUNT(*) FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}

	var count int64
	if err := s.pool.QueryRow(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, audit.NewStorageError("postgres", "count", err)
	}
	return count, nil
}

// UpdateRetention replaces the retention metadata of one record.
func (s *PostgresStorage) UpdateRetention(ctx context.Context, id string, r audit.Retention) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_records SET is_archived = $1, archived_at = $2, archived_by = $3, retention_until = $4 WHERE id = $5`,
		r.IsArchived, r.ArchivedAt, r.ArchivedBy, r.RetentionUntil, id)
	if err != nil {
		return audit.NewStorageError("postgres", "update_retention", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.NewStorageError("postgres", "update_retention", fmt.Errorf("%w: %s", audit.ErrNotFound, id))
	}
	return nil
}

// Delete removes records by ID.
func (s *PostgresStorage) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, audit.NewStorageError("postgres", "delete", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	s.logger.Info("Postgres audit storage closed")
	return nil
}

// Pool exposes the pool for maintenance tooling and tests.
func (s *PostgresStorage) Pool() *pgxpool.Pool {
	return s.pool
}

func pgSelectQuery(query *audit.Query) (string, []any) {
	if query == nil {
		query = &audit.Query{}
	}
	where, args := pgWhereClause(query)

	sqlQuery := "SELECT " + recordColumns + " FROM audit_records"
	if where != "" {
		sqlQuery += " WHERE " + where
	}
	if query.Descending {
		sqlQuery += " ORDER BY sequence DESC"
	} else {
		sqlQuery += " ORDER BY sequence ASC"
	}
	if query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", query.Limit)
	}
	if query.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET %d", query.Offset)
	}
	return sqlQuery, args
}

func pgWhereClause(query *audit.Query) (string, []any) {
	if query == nil {
		return "", nil
	}

	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if query.StartTime != nil {
		add("timestamp >= $%d", query.StartTime.UTC())
	}
	if query.EndTime != nil {
		add("timestamp <= $%d", query.EndTime.UTC())
	}
	if query.StartSequence > 0 {
		add("sequence >= $%d", query.StartSequence)
	}
	if query.EndSequence > 0 {
		add("sequence <= $%d", query.EndSequence)
	}
	if query.EventType != "" {
		add("event_type = $%d", query.EventType)
	}
	if query.Archived != nil {
		add("is_archived = $%d", *query.Archived)
	}
	if query.RetentionBefore != nil {
		add("retention_until IS NOT NULL AND retention_until < $%d", query.RetentionBefore.UTC())
	}
	if len(query.IDs) > 0 {
		add("id = ANY($%d)", query.IDs)
	}
	return strings.Join(conditions, " AND "), args
}

func scanPgRecord(row pgx.Row) (*audit.Record, error) {
	var (
		r          audit.Record
		risk       string
		category   string
		contextRaw string
	)
	err := row.Scan(
		&r.ID, &r.Sequence, &r.Timestamp, &r.EventType, &r.EventCategory,
		&r.Actor.Type, &r.Actor.ID, &r.Actor.Origin, &r.Target.Type, &r.Target.ID,
		&r.Action, &r.Description, &r.Outcome, &risk, &contextRaw,
		&category, &r.ComplianceRelevant, &r.RecordHash, &r.PreviousRecordHash,
		&r.IsArchived, &r.ArchivedAt, &r.ArchivedBy, &r.RetentionUntil,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.ArchivedAt != nil {
		t := r.ArchivedAt.UTC()
		r.ArchivedAt = &t
	}
	if r.RetentionUntil != nil {
		t := r.RetentionUntil.UTC()
		r.RetentionUntil = &t
	}
	r.RiskLevel = audit.RiskLevel(risk)
	r.RetentionCategory = audit.RetentionCategory(category)
	if contextRaw != "" {
		r.Context = json.RawMessage(contextRaw)
	}
	return &r, nil
}
