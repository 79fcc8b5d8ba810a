package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema creates the audit chain tables. Timestamps are fixed-width UTC
// text so lexical comparison matches time order.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL UNIQUE,
    timestamp TEXT NOT NULL,

    event_type TEXT NOT NULL,
    event_category TEXT NOT NULL,

    actor_type TEXT NOT NULL,
    actor_id TEXT,
    actor_origin TEXT,
    target_type TEXT,
    target_id TEXT,

    action TEXT NOT NULL,
    description TEXT NOT NULL,
    outcome TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    context TEXT,

    retention_category TEXT NOT NULL,
    compliance_relevant INTEGER NOT NULL,

    record_hash TEXT NOT NULL,
    previous_record_hash TEXT NOT NULL UNIQUE,

    -- Retention metadata, excluded from record_hash
    is_archived INTEGER NOT NULL DEFAULT 0,
    archived_at TEXT,
    archived_by TEXT,
    retention_until TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_records(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_retention ON audit_records(is_archived, retention_until);
`

// InsertSchemaVersion records the schema version.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const recordColumns = `id, sequence, timestamp, event_type, event_category,
    actor_type, actor_id, actor_origin, target_type, target_id,
    action, description, outcome, risk_level, context,
    retention_category, compliance_relevant, record_hash, previous_record_hash,
    is_archived, archived_at, archived_by, retention_until`
