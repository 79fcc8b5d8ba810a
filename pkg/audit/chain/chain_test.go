package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"runlok-hq/runlok/internal/testutil"
	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepClock returns a fixed start time advanced by one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestChain(store audit.Storage, opts ...Option) *Chain {
	opts = append([]Option{WithClock(stepClock(epoch)), WithLogger(quietLogger())}, opts...)
	return New(store, opts...)
}

func draft(i int) *audit.Draft {
	return &audit.Draft{
		EventType:   audit.EventToolEnforcement,
		Actor:       audit.Actor{Type: "agent", ID: fmt.Sprintf("agent-%d", i)},
		Target:      audit.Target{Type: "tool", ID: "search_web"},
		Action:      "allow",
		Description: fmt.Sprintf("call %d", i),
		Context:     map[string]any{"n": i},
	}
}

func appendN(t *testing.T, c *Chain, n int) []*audit.Record {
	t.Helper()
	records := make([]*audit.Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := c.Append(context.Background(), draft(i))
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		records = append(records, r)
	}
	return records
}

func TestChain_LinkageOverAppends(t *testing.T) {
	c := newTestChain(storage.NewMemoryStorage())
	records := appendN(t, c, 25)

	if records[0].PreviousRecordHash != audit.GenesisHash {
		t.Errorf("first PreviousRecordHash = %q, want genesis", records[0].PreviousRecordHash)
	}
	for i := 1; i < len(records); i++ {
		if records[i].PreviousRecordHash != records[i-1].RecordHash {
			t.Fatalf("record %d does not link to record %d", i, i-1)
		}
		if records[i].Sequence != records[i-1].Sequence+1 {
			t.Fatalf("sequence %d follows %d", records[i].Sequence, records[i-1].Sequence)
		}
	}

	result, err := c.Verify(context.Background(), Range{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Intact || result.Checked != 25 || result.Violations != 0 {
		t.Errorf("Verify() = %+v, want 25 checked and intact", result)
	}
	if result.FirstSequence != 1 || result.LastSequence != 25 {
		t.Errorf("sequence span = %d..%d", result.FirstSequence, result.LastSequence)
	}
}

func TestChain_AppendDefaults(t *testing.T) {
	c := newTestChain(storage.NewMemoryStorage())
	r, err := c.Append(context.Background(), &audit.Draft{EventType: audit.EventPolicyChange, Action: "reload"})
	if err != nil {
		t.Fatal(err)
	}

	if r.Outcome != audit.OutcomeSuccess || r.RiskLevel != audit.RiskLow || r.Actor.Type != "system" {
		t.Errorf("defaults = outcome %q risk %q actor %q", r.Outcome, r.RiskLevel, r.Actor.Type)
	}
	if !r.ComplianceRelevant {
		t.Error("ComplianceRelevant = false, want true by default")
	}
	if r.EventCategory != audit.CategoryPolicy || r.RetentionCategory != audit.RetentionExtended {
		t.Errorf("category = %q / %q", r.EventCategory, r.RetentionCategory)
	}
	want := r.Timestamp.AddDate(0, 0, 3650)
	if r.RetentionUntil == nil || !r.RetentionUntil.Equal(want) {
		t.Errorf("RetentionUntil = %v, want %v", r.RetentionUntil, want)
	}
	if r.Timestamp.Nanosecond()%1000 != 0 || r.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want UTC microseconds", r.Timestamp)
	}
}

func TestChain_AppendRejectsInvalidDrafts(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := newTestChain(store)
	ctx := context.Background()

	bad := []*audit.Draft{
		nil,
		{Action: "x"},
		{EventType: "e"},
		{EventType: "e", Action: "x", RiskLevel: "extreme"},
		{EventType: "e", Action: "x", Context: map[string]any{"f": make(chan int)}},
	}
	for i, d := range bad {
		_, err := c.Append(ctx, d)
		var appendErr *audit.AppendError
		if !errors.As(err, &appendErr) {
			t.Errorf("draft %d: error = %v, want *AppendError", i, err)
		}
	}
	if store.Size() != 0 {
		t.Errorf("store has %d records after rejected drafts", store.Size())
	}
}

func TestChain_PermanentRetention(t *testing.T) {
	c := newTestChain(storage.NewMemoryStorage())
	r, err := c.Append(context.Background(), &audit.Draft{
		EventType:         audit.EventSystemConfig,
		Action:            "update",
		RetentionCategory: audit.RetentionPermanent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.RetentionUntil != nil {
		t.Errorf("RetentionUntil = %v, want nil for permanent", r.RetentionUntil)
	}
}

func TestChain_AnonymizesBeforeHashing(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := newTestChain(store, WithAnonymizeOrigin(true))

	r, err := c.Append(context.Background(), &audit.Draft{
		EventType: audit.EventSessionAccess,
		Action:    "read",
		Actor:     audit.Actor{Type: "user", ID: "u1", Origin: "10.0.0.1"},
		Context: map[string]any{
			"api_key":  "sk-live-123",
			"password": 1234,
			"query":    "weather",
			"nested":   map[string]any{"userEmail": "a@b.c", "page": 2},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	raw := string(r.Context)
	for _, secret := range []string{"sk-live-123", "a@b.c", "10.0.0.1"} {
		if strings.Contains(raw, secret) || strings.Contains(r.Actor.Origin, secret) {
			t.Errorf("record contains raw value %q", secret)
		}
	}

	ctxMap, err := r.ContextMap()
	if err != nil {
		t.Fatal(err)
	}
	if ctxMap["api_key"] != MaskString("sk-live-123") {
		t.Errorf("api_key = %v", ctxMap["api_key"])
	}
	if ctxMap["password"] != RedactedMarker {
		t.Errorf("password = %v", ctxMap["password"])
	}
	if ctxMap["query"] != "weather" {
		t.Errorf("query = %v", ctxMap["query"])
	}
	if r.Actor.Origin != MaskString("10.0.0.1") {
		t.Errorf("Origin = %q", r.Actor.Origin)
	}

	result, err := c.Verify(context.Background(), Range{})
	if err != nil || !result.Intact {
		t.Errorf("Verify() = %+v, %v; anonymized record must verify", result, err)
	}
}

func TestChain_DetectsContentTamper(t *testing.T) {
	store := testutil.NewTamperStore(storage.NewMemoryStorage())
	c := newTestChain(store)
	records := appendN(t, c, 3)

	store.Tamper(records[1].ID, func(r *audit.Record) { r.Outcome = audit.OutcomeFailure })

	result, err := c.Verify(context.Background(), Range{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Intact || result.ContentViolations != 1 || result.LinkViolations != 0 {
		t.Errorf("Verify() = %+v, want exactly one content violation", result)
	}
	if len(result.Details) != 1 || result.Details[0].Sequence != records[1].Sequence {
		t.Errorf("Details = %+v", result.Details)
	}
}

func TestChain_DetectsRelinkAndFork(t *testing.T) {
	store := testutil.NewTamperStore(storage.NewMemoryStorage())
	c := newTestChain(store)
	records := appendN(t, c, 4)

	// Record 3 claims record 1's predecessor, as a forked writer would.
	// Its content hash no longer matches either.
	store.Tamper(records[2].ID, func(r *audit.Record) { r.PreviousRecordHash = records[1].PreviousRecordHash })

	result, err := c.Verify(context.Background(), Range{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Intact || result.LinkViolations != 1 || result.ContentViolations != 1 {
		t.Errorf("Verify() = %+v, want one link and one content violation", result)
	}
}

func TestChain_DetectsBadGenesis(t *testing.T) {
	store := testutil.NewTamperStore(storage.NewMemoryStorage())
	c := newTestChain(store)
	records := appendN(t, c, 2)
	store.Tamper(records[0].ID, func(r *audit.Record) { r.PreviousRecordHash = "forged" })

	result, _ := c.Verify(context.Background(), Range{})
	if result.LinkViolations != 1 {
		t.Errorf("LinkViolations = %d, want 1", result.LinkViolations)
	}
}

func TestChain_DetectsDeletedHead(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := newTestChain(store)
	records := appendN(t, c, 3)

	// Nothing has expired and no cleanup ran: the head simply vanished.
	if n, err := store.Delete(context.Background(), []string{records[0].ID}); err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}

	result, err := c.Verify(context.Background(), Range{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Intact || result.LinkViolations != 1 || result.ContentViolations != 0 {
		t.Errorf("Verify() = %+v, want one link violation", result)
	}
	if len(result.Details) != 1 || result.Details[0].Sequence != records[1].Sequence {
		t.Errorf("Details = %+v", result.Details)
	}
}

func TestChain_CleanupAttestedHead(t *testing.T) {
	tests := []struct {
		name       string
		deleted    int
		through    int64
		prevOf     int
		wantIntact bool
	}{
		{name: "attested boundary", deleted: 2, through: 2, prevOf: 1, wantIntact: true},
		{name: "more deleted than attested", deleted: 3, through: 2, prevOf: 1, wantIntact: false},
		{name: "attested hash differs", deleted: 2, through: 2, prevOf: 0, wantIntact: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			c := newTestChain(store)
			ctx := context.Background()
			records := appendN(t, c, 5)

			var ids []string
			for _, r := range records[:tt.deleted] {
				ids = append(ids, r.ID)
			}
			if _, err := store.Delete(ctx, ids); err != nil {
				t.Fatal(err)
			}
			_, err := c.Append(ctx, &audit.Draft{
				EventType: audit.EventDataCleanup,
				Actor:     audit.Actor{Type: "system", ID: "retention"},
				Action:    "delete",
				Context: map[string]any{
					audit.ContextPrunedThrough: tt.through,
					audit.ContextNewHeadPrev:   records[tt.prevOf].RecordHash,
				},
			})
			if err != nil {
				t.Fatal(err)
			}

			result, err := c.Verify(ctx, Range{})
			if err != nil {
				t.Fatal(err)
			}
			if result.Intact != tt.wantIntact {
				t.Errorf("Verify() = %+v, want intact %v", result, tt.wantIntact)
			}
			if !tt.wantIntact && (result.LinkViolations != 1 || result.ContentViolations != 0) {
				t.Errorf("Verify() = %+v, want exactly one link violation", result)
			}
		})
	}
}

func TestChain_VerifyRange(t *testing.T) {
	store := testutil.NewTamperStore(storage.NewMemoryStorage())
	c := newTestChain(store)
	records := appendN(t, c, 10)

	// Damage outside the range is not seen.
	store.Tamper(records[1].ID, func(r *audit.Record) { r.Description = "edited" })

	result, err := c.Verify(context.Background(), Range{StartSequence: 4, EndSequence: 8})
	if err != nil {
		t.Fatal(err)
	}
	if result.Checked != 5 || !result.Intact {
		t.Errorf("Verify(4..8) = %+v, want 5 checked and intact", result)
	}

	start := records[0].Timestamp
	end := records[2].Timestamp
	result, _ = c.Verify(context.Background(), Range{Start: &start, End: &end})
	if result.Checked != 3 || result.Intact {
		t.Errorf("Verify(time range) = %+v, want 3 checked with a violation", result)
	}
}

func TestChain_RetentionMetadataIsNotHashed(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := newTestChain(store)
	records := appendN(t, c, 3)

	archivedAt := epoch.Add(time.Hour)
	until := epoch.AddDate(20, 0, 0)
	err := store.UpdateRetention(context.Background(), records[1].ID, audit.Retention{
		IsArchived: true, ArchivedAt: &archivedAt, ArchivedBy: "auditor", RetentionUntil: &until,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, _ := c.Verify(context.Background(), Range{})
	if !result.Intact {
		t.Errorf("Verify() after archive = %+v, want intact", result)
	}
}

func TestChain_ConcurrentAppendsStayLinear(t *testing.T) {
	c := New(storage.NewMemoryStorage(), WithLogger(quietLogger()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Append(ctx, draft(i)); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	result, err := c.Verify(ctx, Range{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Checked != 50 || !result.Intact {
		t.Errorf("Verify() = %+v", result)
	}
}

// racingStorage moves the tail under the chain once, as a second
// process would.
type racingStorage struct {
	*storage.MemoryStorage
	raced bool
	other *Chain
}

func (s *racingStorage) Append(ctx context.Context, r *audit.Record) error {
	if !s.raced {
		s.raced = true
		if _, err := s.other.Append(ctx, draft(99)); err != nil {
			return err
		}
	}
	return s.MemoryStorage.Append(ctx, r)
}

func TestChain_RetriesOnConflict(t *testing.T) {
	mem := storage.NewMemoryStorage()
	rs := &racingStorage{MemoryStorage: mem, other: newTestChain(mem)}
	c := newTestChain(rs)

	r, err := c.Append(context.Background(), draft(1))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if r.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2 after losing the race", r.Sequence)
	}

	result, _ := c.Verify(context.Background(), Range{})
	if !result.Intact || result.Checked != 2 {
		t.Errorf("Verify() = %+v", result)
	}
}

type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Append(context.Context, *audit.Record) error {
	return audit.NewStorageError("memory", "append", errors.New("disk full"))
}

func TestChain_PersistenceFailureIsReturned(t *testing.T) {
	c := newTestChain(failingStorage{storage.NewMemoryStorage()})
	_, err := c.Append(context.Background(), draft(1))

	var storageErr *audit.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("Append() error = %v, want wrapped *StorageError", err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	appends int
	errors  int
	verify  *VerifyResult
}

func (o *recordingObserver) ObserveAppend(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appends++
	if err != nil {
		o.errors++
	}
}

func (o *recordingObserver) ObserveVerify(r *VerifyResult, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verify = r
}

func TestChain_Observer(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestChain(storage.NewMemoryStorage(), WithObserver(obs))
	appendN(t, c, 2)
	c.Append(context.Background(), &audit.Draft{EventType: "x"})
	c.Verify(context.Background(), Range{})

	if obs.appends != 3 || obs.errors != 1 {
		t.Errorf("appends = %d errors = %d", obs.appends, obs.errors)
	}
	if obs.verify == nil || obs.verify.Checked != 2 {
		t.Errorf("verify = %+v", obs.verify)
	}
}

// The tamper scenario against a real database: three records, the middle
// one's outcome changed with SQL, hash left alone.
func TestChain_SQLiteTamperScenario(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(ctx, &storage.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		Driver:      "sqlite",
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	defer store.Close()

	c := newTestChain(store)
	records := appendN(t, c, 3)

	result, err := c.Verify(ctx, Range{})
	if err != nil || !result.Intact || result.Checked != 3 {
		t.Fatalf("Verify() before tamper = %+v, %v", result, err)
	}

	if _, err := store.DB().ExecContext(ctx,
		`UPDATE audit_records SET outcome = 'failure' WHERE id = ?`, records[1].ID); err != nil {
		t.Fatal(err)
	}

	result, err = c.Verify(ctx, Range{})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Intact || result.Violations < 1 {
		t.Errorf("Verify() after tamper = %+v, want violations", result)
	}
	if result.Checked != 3 {
		t.Errorf("Checked = %d, want 3", result.Checked)
	}
}

func TestChain_SQLiteRoundTripHashes(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(ctx, &storage.SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "audit.db"),
		Driver: "sqlite",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := newTestChain(store, WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.FixedZone("X", 7200))
	}))
	in, err := c.Append(ctx, &audit.Draft{
		EventType: audit.EventToolEnforcement,
		Action:    "deny",
		Actor:     audit.Actor{Type: "agent"},
		Context:   map[string]any{"ratio": 0.25, "label": "Cafe\u0301", "list": []any{1, "two", nil}},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := store.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp round trip %v != %v", out.Timestamp, in.Timestamp)
	}
	got, err := HashRecord(out)
	if err != nil || got != in.RecordHash {
		t.Errorf("HashRecord(stored) = %s, %v; want %s", got, err, in.RecordHash)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Context, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["label"] != "Caf\u00e9" {
		t.Errorf("label = %q, want NFC form", decoded["label"])
	}
}
