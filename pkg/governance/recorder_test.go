package governance

import (
	"context"
	"testing"

	"runlok-hq/runlok/internal/testutil"
	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	auditstorage "runlok-hq/runlok/pkg/audit/storage"
	"runlok-hq/runlok/pkg/policy/manager"
)

const doc = `
version: "1.0"
rules:
  - name: allow_search
    action: allow
    tools: ["search_*"]
`

func setup(t *testing.T) (*testutil.TamperStore, *chain.Chain, *Recorder) {
	t.Helper()
	store := testutil.NewTamperStore(auditstorage.NewMemoryStorage())
	c := chain.New(store)
	return store, c, NewRecorder(c)
}

func policyEvents(t *testing.T, store audit.Storage) []*audit.Record {
	t.Helper()
	records, err := store.Query(context.Background(), &audit.Query{EventType: audit.EventPolicyChange})
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestRecorder_OnReload(t *testing.T) {
	store, _, rec := setup(t)
	policies := manager.NewStore(&manager.BytesSource{Data: []byte(doc), Origin: "inline"})
	policies.AddListener(rec)
	ctx := context.Background()

	if res := policies.Reload(ctx); !res.Succeeded() {
		t.Fatal(res.Err)
	}
	events := policyEvents(t, store)
	if len(events) != 1 {
		t.Fatalf("policy_change events = %d, want 1", len(events))
	}
	got := events[0]
	if got.Outcome != audit.OutcomeSuccess || got.Actor != SystemActor || got.Target.ID != "1.0" {
		t.Errorf("event = %+v", got)
	}
	m, _ := got.ContextMap()
	if m["new_version"] != "1.0" || m["rules_count"] != float64(1) || m["content_hash"] != policies.Active().ContentHash {
		t.Errorf("context = %v", m)
	}

	policies.Reload(ctx)
	if n := len(policyEvents(t, store)); n != 1 {
		t.Errorf("unchanged reload recorded: %d events", n)
	}

	userCtx := WithActor(ctx, audit.Actor{Type: "user", ID: "alice"})
	res := policies.ReloadFrom(userCtx, &manager.BytesSource{Data: []byte("rules: [unclosed"), Origin: "bad.yaml"})
	if res.Succeeded() {
		t.Fatal("bad document loaded")
	}
	events = policyEvents(t, store)
	if len(events) != 2 {
		t.Fatalf("policy_change events = %d, want 2", len(events))
	}
	failed := events[1]
	if failed.Outcome != audit.OutcomeFailure || failed.RiskLevel != audit.RiskHigh || failed.Actor.ID != "alice" {
		t.Errorf("failure event = %+v", failed)
	}
	if m, _ := failed.ContextMap(); m["error"] == nil || m["origin"] != "bad.yaml" {
		t.Errorf("failure context = %v", m)
	}
}

func TestRecorder_VerifyAndRecord(t *testing.T) {
	tests := []struct {
		name        string
		tamper      bool
		wantIntact  bool
		wantOutcome string
		wantRisk    audit.RiskLevel
	}{
		{"intact chain", false, true, audit.OutcomeSuccess, audit.RiskLow},
		{"tampered chain", true, false, audit.OutcomeFailure, audit.RiskCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, c, rec := setup(t)
			ctx := context.Background()
			var ids []string
			for i := 0; i < 3; i++ {
				r, err := c.Append(ctx, &audit.Draft{EventType: audit.EventToolEnforcement, Action: "allow"})
				if err != nil {
					t.Fatal(err)
				}
				ids = append(ids, r.ID)
			}
			if tt.tamper {
				store.Tamper(ids[1], func(r *audit.Record) { r.Outcome = audit.OutcomeFailure })
			}

			result, err := rec.VerifyAndRecord(ctx, chain.Range{})
			if err != nil {
				t.Fatalf("VerifyAndRecord() error = %v", err)
			}
			if result.Intact != tt.wantIntact || result.Checked != 3 {
				t.Errorf("result = %+v", result)
			}

			tail, _ := store.Tail(ctx)
			if tail.EventType != audit.EventIntegrityCheck || tail.Outcome != tt.wantOutcome || tail.RiskLevel != tt.wantRisk {
				t.Errorf("integrity_check = %s/%s/%s", tail.EventType, tail.Outcome, tail.RiskLevel)
			}
			m, _ := tail.ContextMap()
			if m["checked_count"] != float64(3) {
				t.Errorf("context = %v", m)
			}
		})
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background()); got != SystemActor {
		t.Errorf("ActorFrom(empty) = %+v", got)
	}
	if got := ActorFrom(WithActor(context.Background(), audit.Actor{})); got != SystemActor {
		t.Errorf("ActorFrom(blank actor) = %+v", got)
	}
}
