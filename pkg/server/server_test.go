package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	auditstorage "runlok-hq/runlok/pkg/audit/storage"
	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/governance"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/security/auth"
	"runlok-hq/runlok/pkg/telemetry/health"
	"runlok-hq/runlok/pkg/telemetry/metrics"
)

const policyDoc = `
version: "v7"
rules:
  - name: block_shell
    action: deny
    tools: ["shell_*"]
`

type testEnv struct {
	handler http.Handler
	store   *auditstorage.MemoryStorage
	source  *manager.BytesSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := auditstorage.NewMemoryStorage()
	c := chain.New(store)
	recorder := governance.NewRecorder(c)

	source := &manager.BytesSource{Data: []byte(policyDoc)}
	policies := manager.NewStore(source, manager.WithListener(recorder))

	checker := health.New(time.Second)
	checker.RegisterCheck("policy", health.PolicyCheck(policies))
	checker.RegisterCheck("audit_storage", health.AuditStorageCheck(store))

	collector := metrics.NewCollector(config.MetricsConfig{Enabled: true}, nil)
	policies.AddListener(collector)

	srv := New(config.ServerConfig{ListenAddress: "127.0.0.1:0"}, Deps{
		Policies: policies,
		Verifier: recorder,
		Health:   checker,
		Metrics:  collector.Handler(),
		Version:  health.NewVersionInfo("1.0.0", "abc", "now"),
	})
	return &testEnv{handler: srv.Handler(), store: store, source: source}
}

func (e *testEnv) do(t *testing.T, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) events(t *testing.T, eventType string) []*audit.Record {
	t.Helper()
	records, err := e.store.Query(context.Background(), &audit.Query{EventType: eventType})
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func TestRoutes(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodPost, "/v1/policy/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name     string
		method   string
		target   string
		wantCode int
		contains string
	}{
		{"liveness", http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`},
		{"readiness", http.MethodGet, "/readyz", http.StatusOK, `"status":"ready"`},
		{"version", http.MethodGet, "/version", http.StatusOK, `"version":"1.0.0"`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "runlok_policy_rules"},
		{"policy info", http.MethodGet, "/v1/policy/info", http.StatusOK, `"version":"v7"`},
		{"wrong method", http.MethodPost, "/v1/policy/info", http.StatusMethodNotAllowed, ""},
		{"unknown", http.MethodGet, "/v1/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.target, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body does not contain %q: %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestPolicyReload_RecordsActor(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/policy/reload", map[string]string{ActorHeader: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["new_version"] != "v7" || body["changed"] != true {
		t.Errorf("body = %v", body)
	}

	changes := e.events(t, audit.EventPolicyChange)
	if len(changes) != 1 || changes[0].Actor.Type != "user" || changes[0].Actor.ID != "alice" {
		t.Fatalf("policy_change events = %+v", changes)
	}

	e.source.Data = []byte("rules: [")
	rec = e.do(t, http.MethodPost, "/v1/policy/reload", nil)
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("failed reload = %d %s", rec.Code, rec.Body.String())
	}
	changes = e.events(t, audit.EventPolicyChange)
	if len(changes) != 2 || changes[1].Outcome != audit.OutcomeFailure || changes[1].Actor != governance.SystemActor {
		t.Errorf("failure event = %+v", changes[len(changes)-1])
	}
}

func TestOperatorAuth(t *testing.T) {
	store := auditstorage.NewMemoryStorage()
	recorder := governance.NewRecorder(chain.New(store))
	policies := manager.NewStore(&manager.BytesSource{Data: []byte(policyDoc)}, manager.WithListener(recorder))

	validator, err := auth.NewTokenValidator(
		[]*auth.Operator{{ID: "ops-bot", Enabled: true}},
		map[string][]byte{"ops-bot": []byte("s3cr3t-token")},
	)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(config.ServerConfig{}, Deps{
		Policies: policies,
		Verifier: recorder,
		Auth:     auth.NewMiddleware(validator, nil),
	})
	e := &testEnv{handler: srv.Handler(), store: store}

	tests := []struct {
		name     string
		method   string
		target   string
		header   map[string]string
		wantCode int
	}{
		{"health check needs no token", http.MethodGet, "/healthz", nil, http.StatusOK},
		{"info without token", http.MethodGet, "/v1/policy/info", nil, http.StatusUnauthorized},
		{"reload with bad token", http.MethodPost, "/v1/policy/reload", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"info with token", http.MethodGet, "/v1/policy/info", map[string]string{"Authorization": "Bearer s3cr3t-token"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, tt.method, tt.target, tt.header); rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}

	rec := e.do(t, http.MethodPost, "/v1/policy/reload", map[string]string{
		"Authorization": "Bearer s3cr3t-token",
		ActorHeader:     "somebody-else",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", rec.Code, rec.Body.String())
	}
	changes := e.events(t, audit.EventPolicyChange)
	if len(changes) != 1 || changes[0].Actor.ID != "ops-bot" {
		t.Errorf("policy_change events = %+v", changes)
	}
}

func TestAuditVerify(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/policy/reload", nil)

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{"whole chain", "", http.StatusOK},
		{"sequence range", "?start_seq=1&end_seq=1", http.StatusOK},
		{"time range", "?start=2000-01-01T00:00:00Z&end=2999-01-01T00:00:00Z", http.StatusOK},
		{"bad time", "?start=yesterday", http.StatusBadRequest},
		{"bad sequence", "?start_seq=0", http.StatusBadRequest},
		{"inverted", "?start=2025-02-01T00:00:00Z&end=2025-01-01T00:00:00Z", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodGet, "/v1/audit/verify"+tt.query, map[string]string{ActorHeader: "auditor"})
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var result chain.VerifyResult
			if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
				t.Fatal(err)
			}
			if !result.Intact || result.Checked < 1 {
				t.Errorf("result = %+v", result)
			}
		})
	}

	checks := e.events(t, audit.EventIntegrityCheck)
	if len(checks) != 3 {
		t.Fatalf("integrity_check events = %d, want 3", len(checks))
	}
	if checks[0].Actor.ID != "auditor" || checks[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("integrity_check = %+v", checks[0])
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("request id generated", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.do(t, http.MethodGet, "/healthz", nil)
		if rec.Header().Get(RequestIDHeader) == "" {
			t.Error("no request id in response")
		}
	})

	t.Run("request id propagated", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.do(t, http.MethodGet, "/healthz", map[string]string{RequestIDHeader: "req-1"})
		if got := rec.Header().Get(RequestIDHeader); got != "req-1" {
			t.Errorf("request id = %q", got)
		}
	})

	t.Run("panic recovered", func(t *testing.T) {
		h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "boom") {
			t.Errorf("recovered response = %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestStart_StopsWithContext(t *testing.T) {
	srv := New(config.ServerConfig{
		ListenAddress:   "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !srv.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
}
