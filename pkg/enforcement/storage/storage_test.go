package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"runlok-hq/runlok/internal/sqlitedb"
	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/enforcement"
	"runlok-hq/runlok/pkg/policy/engine"
)

var base = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]enforcement.Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(context.Background(), sqlitedb.Config{
		Path:    filepath.Join(t.TempDir(), "enf.db"),
		Driver:  sqlitedb.DriverPureGo,
		WALMode: true,
	})
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]enforcement.Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func sample(i int) *enforcement.Record {
	until := base.AddDate(0, 0, i)
	decisions := []engine.Action{engine.ActionAllow, engine.ActionDeny, engine.ActionApprove}
	return &enforcement.Record{
		ID:               fmt.Sprintf("e%02d", i),
		SessionID:        fmt.Sprintf("s%d", i%2),
		Timestamp:        base.Add(time.Duration(i) * time.Second),
		ToolName:         "search",
		ToolArgs:         map[string]any{"q": "x"},
		PolicyVersion:    "v1",
		Decision:         decisions[i%3],
		Reason:           "r",
		Signature:        "v1:abc",
		Metadata:         map[string]any{"env": "dev"},
		RequiresApproval: decisions[i%3] == engine.ActionApprove,
		Retention:        audit.Retention{RetentionUntil: &until},
	}
}

func TestStorage_SaveGetQuery(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 6; i++ {
				if err := s.Save(ctx, sample(i)); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
			}
			if err := s.Save(ctx, sample(1)); err == nil {
				t.Error("Save() accepted a duplicate id")
			}

			got, err := s.Get(ctx, "e03")
			if err != nil {
				t.Fatal(err)
			}
			if got.Decision != engine.ActionAllow || got.Metadata["env"] != "dev" || !got.Timestamp.Equal(base.Add(3*time.Second)) {
				t.Errorf("Get() = %+v", got)
			}
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, enforcement.ErrNotFound) {
				t.Errorf("Get(missing) error = %v", err)
			}

			session, _ := s.Query(ctx, &enforcement.Query{SessionID: "s1"})
			if len(session) != 3 || session[0].ID != "e01" {
				t.Errorf("Query(session) = %d records", len(session))
			}
			denied, _ := s.Query(ctx, &enforcement.Query{Decision: engine.ActionDeny})
			if len(denied) != 2 {
				t.Errorf("Query(deny) = %d records", len(denied))
			}
			latest, _ := s.Query(ctx, &enforcement.Query{Descending: true, Limit: 1})
			if len(latest) != 1 || latest[0].ID != "e06" {
				t.Errorf("Query(latest) = %v", latest)
			}
			cutoff := base.AddDate(0, 0, 3)
			if n, _ := s.Count(ctx, &enforcement.Query{RetentionBefore: &cutoff}); n != 2 {
				t.Errorf("Count(retention before) = %d", n)
			}
		})
	}
}

func TestStorage_Updates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Save(ctx, sample(2)); err != nil {
				t.Fatal(err)
			}

			if err := s.UpdateExecution(ctx, "e02", enforcement.Execution{Status: "error", Error: "timeout"}); err != nil {
				t.Fatal(err)
			}
			at := base.Add(time.Hour)
			if err := s.Approve(ctx, "e02", "carol", at); err != nil {
				t.Fatal(err)
			}
			until := base.AddDate(1, 0, 0)
			if err := s.UpdateRetention(ctx, "e02", audit.Retention{IsArchived: true, ArchivedAt: &at, ArchivedBy: "carol", RetentionUntil: &until}); err != nil {
				t.Fatal(err)
			}

			got, _ := s.Get(ctx, "e02")
			if got.Execution == nil || got.Execution.Error != "timeout" {
				t.Errorf("Execution = %+v", got.Execution)
			}
			if got.ApprovedBy != "carol" || !got.ApprovedAt.Equal(at) {
				t.Errorf("approval = %s %v", got.ApprovedBy, got.ApprovedAt)
			}
			if !got.IsArchived || !got.RetentionUntil.Equal(until) {
				t.Errorf("retention = %+v", got.Retention)
			}

			archived := true
			if n, _ := s.Count(ctx, &enforcement.Query{Archived: &archived}); n != 1 {
				t.Errorf("Count(archived) = %d", n)
			}
			if err := s.Approve(ctx, "missing", "x", at); !errors.Is(err, enforcement.ErrNotFound) {
				t.Errorf("Approve(missing) error = %v", err)
			}
			if err := s.Approve(ctx, "e02", "dave", at.Add(time.Minute)); !errors.Is(err, enforcement.ErrNotPendingApproval) {
				t.Errorf("second Approve() error = %v", err)
			}
			if got, _ := s.Get(ctx, "e02"); got.ApprovedBy != "carol" {
				t.Errorf("approved_by overwritten with %q", got.ApprovedBy)
			}
			if err := s.Save(ctx, sample(4)); err != nil {
				t.Fatal(err)
			}
			if err := s.Approve(ctx, "e04", "carol", at); !errors.Is(err, enforcement.ErrNotPendingApproval) {
				t.Errorf("Approve(no approval required) error = %v", err)
			}

			n, err := s.Delete(ctx, []string{"e02", "missing"})
			if err != nil || n != 1 {
				t.Errorf("Delete() = %d, %v", n, err)
			}
		})
	}
}
