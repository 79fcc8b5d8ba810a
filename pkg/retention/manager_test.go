package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/audit/export"
	auditstorage "runlok-hq/runlok/pkg/audit/storage"
	"runlok-hq/runlok/pkg/enforcement"
	enfstorage "runlok-hq/runlok/pkg/enforcement/storage"
	"runlok-hq/runlok/pkg/policy/engine"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	audit       *auditstorage.MemoryStorage
	enforcement *enfstorage.MemoryStorage
	chain       *chain.Chain
	now         time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		audit:       auditstorage.NewMemoryStorage(),
		enforcement: enfstorage.NewMemoryStorage(),
		now:         t0,
	}
	e.chain = chain.New(e.audit,
		chain.WithClock(func() time.Time { return e.now }),
		chain.WithRetentionPeriods(audit.RetentionPeriods{StandardDays: 10, ExtendedDays: 20}),
	)
	return e
}

func (e *env) manager(cfg Config) *Manager {
	return NewManager(e.audit, e.enforcement, cfg,
		WithAuditor(e.chain),
		WithClock(func() time.Time { return e.now }),
	)
}

func (e *env) appendAudit(t *testing.T, risks ...audit.RiskLevel) []*audit.Record {
	t.Helper()
	var out []*audit.Record
	for _, risk := range risks {
		r, err := e.chain.Append(context.Background(), &audit.Draft{
			EventType: audit.EventToolEnforcement,
			Action:    "allow",
			RiskLevel: risk,
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func (e *env) saveEnforcement(t *testing.T, id string, until *time.Time, archived bool) {
	t.Helper()
	r := &enforcement.Record{
		ID:            id,
		SessionID:     "s",
		Timestamp:     t0,
		ToolName:      "tool-" + id,
		ToolArgs:      map[string]any{},
		PolicyVersion: "v1",
		Decision:      engine.ActionAllow,
		Signature:     "v1:00",
		Retention:     audit.Retention{IsArchived: archived, RetentionUntil: until},
	}
	if err := e.enforcement.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

const day = 24 * time.Hour

func TestClassify_Partition(t *testing.T) {
	e := newEnv(t)
	e.saveEnforcement(t, "overdue", at(-2*day), false)
	e.saveEnforcement(t, "upcoming", at(5*day), false)
	e.saveEnforcement(t, "edge", at(0), false)
	e.saveEnforcement(t, "far", at(400*day), false)
	e.saveEnforcement(t, "archived", at(-5*day), true)
	e.saveEnforcement(t, "forever", nil, false)

	status, err := e.manager(Config{}).Classify(context.Background(), t0)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	ids := func(items []Item) map[string]bool {
		m := map[string]bool{}
		for _, it := range items {
			m[it.ID] = true
		}
		return m
	}
	if got := ids(status.Overdue); len(got) != 1 || !got["overdue"] {
		t.Errorf("Overdue = %v", got)
	}
	if got := ids(status.Upcoming); len(got) != 2 || !got["upcoming"] || !got["edge"] {
		t.Errorf("Upcoming = %v", got)
	}
	if got := ids(status.Archived); len(got) != 1 || !got["archived"] {
		t.Errorf("Archived = %v", got)
	}
	if status.CompliantCount != 2 || status.Total != 6 {
		t.Errorf("CompliantCount = %d, Total = %d", status.CompliantCount, status.Total)
	}
	if status.PolicyCompliant() {
		t.Error("PolicyCompliant() with an overdue record")
	}
	if status.Overdue[0].DaysOverdue != 2 || status.Overdue[0].Label != "tool-overdue" {
		t.Errorf("overdue item = %+v", status.Overdue[0])
	}
}

func TestClassify_IncludesAudit(t *testing.T) {
	e := newEnv(t)
	e.appendAudit(t, audit.RiskLow, audit.RiskHigh)

	status, err := e.manager(Config{}).Classify(context.Background(), t0.Add(15*day))
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Overdue) != 1 || status.Overdue[0].Source != SourceAudit || status.Overdue[0].Sequence != 1 {
		t.Errorf("Overdue = %+v", status.Overdue)
	}
	if len(status.Upcoming) != 1 || status.Upcoming[0].DaysRemaining != 5 {
		t.Errorf("Upcoming = %+v", status.Upcoming)
	}
}

func TestArchive(t *testing.T) {
	e := newEnv(t)
	e.saveEnforcement(t, "near", at(2*day), false)
	e.saveEnforcement(t, "later", at(1000*day), false)
	recs := e.appendAudit(t, audit.RiskLow)
	m := e.manager(Config{})
	ctx := context.Background()

	e.now = t0.Add(time.Hour)
	res, err := m.Archive(ctx, []string{"near", "later", recs[0].ID, "ghost"}, 365, "dpo")
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if len(res.Archived) != 3 || len(res.NotFound) != 1 || res.NotFound[0] != "ghost" {
		t.Fatalf("Archive() = %+v", res)
	}

	near, _ := e.enforcement.Get(ctx, "near")
	wantUntil := e.now.AddDate(0, 0, 365)
	if !near.IsArchived || near.ArchivedBy != "dpo" || !near.RetentionUntil.Equal(wantUntil) || !near.ArchivedAt.Equal(e.now) {
		t.Errorf("near = %+v", near.Retention)
	}

	later, _ := e.enforcement.Get(ctx, "later")
	if !later.RetentionUntil.Equal(*at(1000 * day)) {
		t.Errorf("Archive() shortened a deadline to %v", later.RetentionUntil)
	}

	events, _ := e.audit.Query(ctx, &audit.Query{EventType: audit.EventArchiveAction})
	if len(events) != 1 || events[0].Actor.ID != "dpo" {
		t.Errorf("archive_action events = %d", len(events))
	}

	verify, _ := e.chain.Verify(ctx, chain.Range{})
	if !verify.Intact {
		t.Error("archiving an audit record broke the chain")
	}
}

func TestArchive_InvalidInput(t *testing.T) {
	m := newEnv(t).manager(Config{})
	tests := []struct {
		name string
		ids  []string
		days int
		by   string
	}{
		{"no ids", nil, 1, "x"},
		{"negative days", []string{"a"}, -1, "x"},
		{"no actor", []string{"a"}, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Archive(context.Background(), tt.ids, tt.days, tt.by)
			var rerr *RetentionError
			if !errors.As(err, &rerr) || rerr.Operation != "archive" {
				t.Errorf("Archive() error = %v", err)
			}
		})
	}
}

func TestPlanCleanup_DryRunDeletesNothing(t *testing.T) {
	e := newEnv(t)
	e.saveEnforcement(t, "old", at(-day), false)
	e.appendAudit(t, audit.RiskLow, audit.RiskLow, audit.RiskLow)
	ctx := context.Background()

	res, err := e.manager(Config{}).PlanCleanup(ctx, t0.Add(30*day), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || res.DeletedCount != 0 || len(res.Candidates) != 3 {
		t.Errorf("PlanCleanup(dry) = %+v", res)
	}
	if n, _ := e.enforcement.Count(ctx, nil); n != 1 {
		t.Errorf("enforcement count = %d", n)
	}
	if e.audit.Size() != 3 {
		t.Errorf("audit size = %d, want 3 (no data_cleanup event on dry run)", e.audit.Size())
	}
}

func TestPlanCleanup_AuditPrefixOnly(t *testing.T) {
	e := newEnv(t)
	recs := e.appendAudit(t, audit.RiskLow, audit.RiskLow, audit.RiskHigh, audit.RiskLow, audit.RiskLow)
	e.saveEnforcement(t, "old", at(-day), false)
	e.saveEnforcement(t, "kept", at(100*day), false)
	ctx := context.Background()

	e.now = t0.Add(15 * day)
	res, err := e.manager(Config{}).PlanCleanup(ctx, e.now, false)
	if err != nil {
		t.Fatalf("PlanCleanup() error = %v", err)
	}

	var auditCandidates []int64
	for _, c := range res.Candidates {
		if c.Source == SourceAudit {
			auditCandidates = append(auditCandidates, c.Sequence)
		}
	}
	if len(auditCandidates) != 2 || auditCandidates[0] != 1 || auditCandidates[1] != 2 {
		t.Errorf("audit candidates = %v, want [1 2]", auditCandidates)
	}
	if len(res.Held) != 2 || res.Held[0].ID != recs[3].ID || res.Held[1].ID != recs[4].ID {
		t.Errorf("Held = %+v", res.Held)
	}
	if res.DeletedCount != 3 {
		t.Errorf("DeletedCount = %d, want 3", res.DeletedCount)
	}

	if _, err := e.enforcement.Get(ctx, "old"); !errors.Is(err, enforcement.ErrNotFound) {
		t.Errorf("overdue enforcement record survived: %v", err)
	}
	if _, err := e.enforcement.Get(ctx, "kept"); err != nil {
		t.Errorf("retained enforcement record deleted: %v", err)
	}

	cleanup, _ := e.audit.Query(ctx, &audit.Query{EventType: audit.EventDataCleanup})
	if len(cleanup) != 1 || cleanup[0].PreviousRecordHash != recs[4].RecordHash {
		t.Fatalf("data_cleanup events = %+v", cleanup)
	}
	attested, _ := cleanup[0].ContextMap()
	if attested[audit.ContextPrunedThrough] != float64(2) || attested[audit.ContextNewHeadPrev] != recs[1].RecordHash {
		t.Errorf("data_cleanup boundary = %v", attested)
	}

	verify, err := e.chain.Verify(ctx, chain.Range{})
	if err != nil || !verify.Intact || verify.FirstSequence != 3 || verify.Checked != 4 {
		t.Errorf("Verify() after cleanup = %+v, %v", verify, err)
	}
}

func TestPlanCleanup_UnattestedDeleteBreaksChain(t *testing.T) {
	e := newEnv(t)
	e.appendAudit(t, audit.RiskLow, audit.RiskLow, audit.RiskLow)
	ctx := context.Background()

	m := NewManager(e.audit, nil, Config{})
	res, err := m.PlanCleanup(ctx, t0.Add(15*day), false)
	if err != nil || res.DeletedCount != 2 {
		t.Fatalf("PlanCleanup() = %+v, %v", res, err)
	}

	verify, err := e.chain.Verify(ctx, chain.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if verify.Intact || verify.LinkViolations != 1 {
		t.Errorf("Verify() = %+v, want the unattested head reported", verify)
	}
}

func TestPlanCleanup_KeepsTail(t *testing.T) {
	e := newEnv(t)
	e.appendAudit(t, audit.RiskLow, audit.RiskLow)

	res, err := e.manager(Config{}).PlanCleanup(context.Background(), t0.Add(15*day), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Sequence != 1 || len(res.Held) != 1 {
		t.Errorf("PlanCleanup() = candidates %+v held %+v", res.Candidates, res.Held)
	}
}

func TestPlanCleanup_ArchiveBeforeDelete(t *testing.T) {
	e := newEnv(t)
	e.appendAudit(t, audit.RiskLow, audit.RiskLow, audit.RiskLow)
	e.saveEnforcement(t, "old", at(-day), false)
	dir := filepath.Join(t.TempDir(), "archives")
	ctx := context.Background()

	res, err := e.manager(Config{ArchiveBeforeDelete: true, ArchivePath: dir}).PlanCleanup(ctx, t0.Add(15*day), false)
	if err != nil {
		t.Fatalf("PlanCleanup() error = %v", err)
	}
	if len(res.ArchiveFiles) != 2 {
		t.Fatalf("ArchiveFiles = %v", res.ArchiveFiles)
	}

	f, err := os.Open(filepath.Join(dir, "audit-20250116T000000Z.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	archived, err := export.ReadJSON(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 2 || archived[0].Sequence != 1 {
		t.Errorf("archived audit records = %d", len(archived))
	}
	for _, r := range archived {
		if h, _ := chain.HashRecord(r); h != r.RecordHash {
			t.Errorf("archived record %d no longer hashes to its record_hash", r.Sequence)
		}
	}
}

func TestPlanCleanup_ArchiveFailureBlocksDelete(t *testing.T) {
	e := newEnv(t)
	e.saveEnforcement(t, "old", at(-day), false)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := e.manager(Config{ArchiveBeforeDelete: true, ArchivePath: filepath.Join(blocker, "sub")}).
		PlanCleanup(context.Background(), t0, false)
	var rerr *RetentionError
	if !errors.As(err, &rerr) || rerr.Operation != "export" {
		t.Fatalf("PlanCleanup() error = %v, want export RetentionError", err)
	}
	if n, _ := e.enforcement.Count(context.Background(), nil); n != 1 {
		t.Error("records deleted although the archive failed")
	}
}
