package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/enforcement"
)

// DefaultHorizon is how far ahead a deadline counts as upcoming.
const DefaultHorizon = 30 * 24 * time.Hour

// Auditor appends governance events. *chain.Chain implements it.
type Auditor interface {
	Append(ctx context.Context, d *audit.Draft) (*audit.Record, error)
}

// Observer receives cleanup outcomes. The metrics collector implements it.
type Observer interface {
	ObserveCleanup(result *CleanupResult, err error)
}

// Config contains retention manager settings.
type Config struct {
	// Horizon is how far ahead a deadline counts as upcoming.
	// Default: 30 days
	Horizon time.Duration

	// ArchiveBeforeDelete writes records to ArchivePath before a
	// destructive cleanup deletes them.
	ArchiveBeforeDelete bool

	// ArchivePath is the directory for cleanup archives.
	ArchivePath string
}

// Manager classifies, archives and deletes records by retention deadline.
// Either store may be nil.
type Manager struct {
	audit       audit.Storage
	enforcement enforcement.Storage
	auditor     Auditor
	observer    Observer
	config      Config
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditor records archive_action and data_cleanup events.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithObserver attaches a cleanup observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now for archive stamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a retention manager.
func NewManager(auditStore audit.Storage, enforcementStore enforcement.Storage, cfg Config, opts ...Option) *Manager {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "data/archives"
	}

	m := &Manager{
		audit:       auditStore,
		enforcement: enforcementStore,
		config:      cfg,
		clock:       time.Now,
		logger:      slog.Default().With("component", "retention"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify partitions every record as of now. Archived records are only
// ever in Archived; records without a deadline are compliant.
func (m *Manager) Classify(ctx context.Context, now time.Time) (*Status, error) {
	status := &Status{
		GeneratedAt: now.UTC(),
		Horizon:     m.config.Horizon,
		Upcoming:    []Item{},
		Overdue:     []Item{},
		Archived:    []Item{},
	}

	err := m.each(ctx, func(item Item) {
		item = classify(item, now, m.config.Horizon)
		status.Total++
		switch item.State {
		case StateArchived:
			status.Archived = append(status.Archived, item)
		case StateOverdue:
			status.Overdue = append(status.Overdue, item)
		case StateUpcoming:
			status.Upcoming = append(status.Upcoming, item)
		default:
			status.CompliantCount++
		}
	})
	if err != nil {
		return nil, NewRetentionError("classify", status.Total, err)
	}
	return status, nil
}

// Archive marks records as archived by by and extends their deadline to
// archived_at + days. A later existing deadline is kept. IDs are looked
// up in both stores; unknown IDs are reported, not treated as errors.
func (m *Manager) Archive(ctx context.Context, ids []string, days int, by string) (*ArchiveResult, error) {
	if len(ids) == 0 {
		return nil, NewRetentionError("archive", 0, errors.New("no record ids given"))
	}
	if days < 0 {
		return nil, NewRetentionError("archive", len(ids), fmt.Errorf("days must not be negative, got %d", days))
	}
	if by == "" {
		return nil, NewRetentionError("archive", len(ids), errors.New("archived_by is required"))
	}

	at := m.clock().UTC().Truncate(time.Microsecond)
	until := at.AddDate(0, 0, days)
	result := &ArchiveResult{Archived: []Item{}}

	found := make(map[string]bool, len(ids))

	if m.enforcement != nil {
		records, err := m.enforcement.Query(ctx, &enforcement.Query{IDs: ids})
		if err != nil {
			return nil, NewRetentionError("archive", len(ids), err)
		}
		for _, r := range records {
			ret := archived(r.Retention, at, until, by)
			if err := m.enforcement.UpdateRetention(ctx, r.ID, ret); err != nil {
				return nil, NewRetentionError("archive", len(result.Archived), err)
			}
			item := enforcementItem(r)
			item.Retention = ret
			item.State = StateArchived
			result.Archived = append(result.Archived, item)
			found[r.ID] = true
		}
	}

	if m.audit != nil {
		records, err := m.audit.Query(ctx, &audit.Query{IDs: ids})
		if err != nil {
			return nil, NewRetentionError("archive", len(ids), err)
		}
		for _, r := range records {
			ret := archived(r.Retention, at, until, by)
			if err := m.audit.UpdateRetention(ctx, r.ID, ret); err != nil {
				return nil, NewRetentionError("archive", len(result.Archived), err)
			}
			item := auditItem(r)
			item.Retention = ret
			item.State = StateArchived
			result.Archived = append(result.Archived, item)
			found[r.ID] = true
		}
	}

	for _, id := range ids {
		if !found[id] {
			result.NotFound = append(result.NotFound, id)
		}
	}

	m.logger.Info("records archived",
		"archived", len(result.Archived),
		"not_found", len(result.NotFound),
		"days", days,
		"by", by,
	)

	if m.auditor != nil && len(result.Archived) > 0 {
		archivedIDs := make([]string, 0, len(result.Archived))
		for _, item := range result.Archived {
			archivedIDs = append(archivedIDs, item.ID)
		}
		_, err := m.auditor.Append(ctx, &audit.Draft{
			EventType:   audit.EventArchiveAction,
			Actor:       audit.Actor{Type: "user", ID: by},
			Target:      audit.Target{Type: "records"},
			Action:      "archive",
			Description: fmt.Sprintf("Archived %d records for %d days", len(result.Archived), days),
			Outcome:     audit.OutcomeSuccess,
			RiskLevel:   audit.RiskLow,
			Context: map[string]any{
				"record_ids":     archivedIDs,
				"not_found":      result.NotFound,
				"retention_days": days,
			},
		})
		if err != nil {
			return result, NewRetentionError("archive", len(result.Archived), err)
		}
	}
	return result, nil
}

// PlanCleanup lists overdue records and, unless dryRun is set, deletes
// them. Enforcement records are independent. Audit records are only
// deleted from the head of the chain, so verification of what remains
// still succeeds; an overdue audit record behind a retained one is held,
// and the newest record is always kept as the anchor for the next
// append.
//
// The data_cleanup event of a destructive run attests the new head of the
// chain (audit.ContextPrunedThrough, audit.ContextNewHeadPrev). Verify
// accepts a non-genesis head only with that attestation, so deleting
// audit records without an auditor leaves a chain that reports a link
// violation.
func (m *Manager) PlanCleanup(ctx context.Context, now time.Time, dryRun bool) (*CleanupResult, error) {
	result, err := m.planCleanup(ctx, now, dryRun)
	if m.observer != nil {
		m.observer.ObserveCleanup(result, err)
	}
	return result, err
}

func (m *Manager) planCleanup(ctx context.Context, now time.Time, dryRun bool) (*CleanupResult, error) {
	result := &CleanupResult{
		DryRun:     dryRun,
		PlannedAt:  now.UTC(),
		Candidates: []Item{},
	}

	var enfIDs, auditIDs []string
	var boundary *audit.Record

	if m.enforcement != nil {
		notArchived := false
		records, err := m.enforcement.Query(ctx, &enforcement.Query{Archived: &notArchived, RetentionBefore: &now})
		if err != nil {
			return nil, NewRetentionError("cleanup", 0, err)
		}
		for _, r := range records {
			result.Candidates = append(result.Candidates, classify(enforcementItem(r), now, m.config.Horizon))
			enfIDs = append(enfIDs, r.ID)
		}
	}

	if m.audit != nil {
		candidates, held, last, err := m.auditPrefix(ctx, now)
		if err != nil {
			return nil, NewRetentionError("cleanup", len(result.Candidates), err)
		}
		for _, item := range candidates {
			result.Candidates = append(result.Candidates, item)
			auditIDs = append(auditIDs, item.ID)
		}
		result.Held = held
		boundary = last
	}

	if dryRun || len(result.Candidates) == 0 {
		m.logger.Info("retention cleanup planned",
			"dry_run", dryRun,
			"candidates", len(result.Candidates),
			"held", len(result.Held),
		)
		return result, nil
	}

	if m.config.ArchiveBeforeDelete {
		files, err := m.writeArchive(ctx, now, enfIDs, auditIDs)
		if err != nil {
			return result, NewRetentionError("export", len(result.Candidates), err)
		}
		result.ArchiveFiles = files
	}

	if len(enfIDs) > 0 {
		n, err := m.enforcement.Delete(ctx, enfIDs)
		result.DeletedCount += n
		if err != nil {
			return result, NewRetentionError("cleanup", len(enfIDs), err)
		}
	}
	if len(auditIDs) > 0 {
		n, err := m.audit.Delete(ctx, auditIDs)
		result.DeletedCount += n
		if err != nil {
			return result, NewRetentionError("cleanup", len(auditIDs), err)
		}
	}

	m.logger.Info("retention cleanup completed",
		"deleted_count", result.DeletedCount,
		"enforcement", len(enfIDs),
		"audit", len(auditIDs),
		"held", len(result.Held),
		"archive_files", result.ArchiveFiles,
	)

	if m.auditor != nil {
		details := map[string]any{
			"deleted_count":       result.DeletedCount,
			"enforcement_deleted": len(enfIDs),
			"audit_deleted":       len(auditIDs),
			"held":                len(result.Held),
			"archive_files":       result.ArchiveFiles,
		}
		if len(auditIDs) > 0 && boundary != nil {
			details[audit.ContextPrunedThrough] = boundary.Sequence
			details[audit.ContextNewHeadPrev] = boundary.RecordHash
		}
		_, err := m.auditor.Append(ctx, &audit.Draft{
			EventType:   audit.EventDataCleanup,
			Actor:       audit.Actor{Type: "system", ID: "retention"},
			Target:      audit.Target{Type: "records"},
			Action:      "delete",
			Description: fmt.Sprintf("Deleted %d expired records per retention policy", result.DeletedCount),
			Outcome:     audit.OutcomeSuccess,
			RiskLevel:   audit.RiskMedium,
			Context:     details,
		})
		if err != nil {
			return result, NewRetentionError("cleanup", int(result.DeletedCount), err)
		}
	}
	return result, nil
}

// auditPrefix walks the chain from its head and returns the leading run
// of overdue, unarchived records, excluding the tail, and the last record
// of that run. Overdue records after the run are held.
func (m *Manager) auditPrefix(ctx context.Context, now time.Time) (candidates, held []Item, last *audit.Record, err error) {
	recordsCh, errCh, err := m.audit.QueryStream(ctx, &audit.Query{})
	if err != nil {
		return nil, nil, nil, err
	}

	var pending *Item
	var pendingRecord *audit.Record
	prefix := true
	for r := range recordsCh {
		// The previous record is not the tail, so it can be released.
		if pending != nil {
			candidates = append(candidates, *pending)
			last = pendingRecord
			pending, pendingRecord = nil, nil
		}

		item := classify(auditItem(r), now, m.config.Horizon)
		if item.State != StateOverdue {
			prefix = false
			continue
		}
		if prefix {
			pending, pendingRecord = &item, r
		} else {
			held = append(held, item)
		}
	}
	if err := <-errCh; err != nil {
		return nil, nil, nil, err
	}
	if pending != nil {
		held = append(held, *pending)
	}
	return candidates, held, last, nil
}

// each visits every record of both stores.
func (m *Manager) each(ctx context.Context, fn func(Item)) error {
	if m.enforcement != nil {
		records, err := m.enforcement.Query(ctx, &enforcement.Query{})
		if err != nil {
			return err
		}
		for _, r := range records {
			fn(enforcementItem(r))
		}
	}
	if m.audit != nil {
		recordsCh, errCh, err := m.audit.QueryStream(ctx, &audit.Query{})
		if err != nil {
			return err
		}
		for r := range recordsCh {
			fn(auditItem(r))
		}
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// archived returns ret with the archive stamps set, keeping the later of
// the existing deadline and until.
func archived(ret audit.Retention, at, until time.Time, by string) audit.Retention {
	out := audit.Retention{
		IsArchived:     true,
		ArchivedAt:     &at,
		ArchivedBy:     by,
		RetentionUntil: &until,
	}
	if ret.RetentionUntil != nil && ret.RetentionUntil.After(until) {
		existing := *ret.RetentionUntil
		out.RetentionUntil = &existing
	}
	return out
}

func classify(item Item, now time.Time, horizon time.Duration) Item {
	item.DaysRemaining = 0
	item.DaysOverdue = 0

	switch {
	case item.IsArchived:
		item.State = StateArchived
	case item.RetentionUntil == nil:
		item.State = StateCompliant
	case item.RetentionUntil.Before(now):
		item.State = StateOverdue
		item.DaysOverdue = wholeDays(now.Sub(*item.RetentionUntil))
	case item.RetentionUntil.Before(now.Add(horizon)):
		item.State = StateUpcoming
		item.DaysRemaining = wholeDays(item.RetentionUntil.Sub(now))
	default:
		item.State = StateCompliant
	}
	return item
}

func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

func enforcementItem(r *enforcement.Record) Item {
	return Item{
		Source:    SourceEnforcement,
		ID:        r.ID,
		Label:     r.ToolName,
		Timestamp: r.Timestamp,
		Retention: r.Retention,
	}
}

func auditItem(r *audit.Record) Item {
	return Item{
		Source:    SourceAudit,
		ID:        r.ID,
		Label:     r.EventType,
		Timestamp: r.Timestamp,
		Sequence:  r.Sequence,
		Retention: r.Retention,
	}
}
