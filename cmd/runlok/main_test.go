package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/export"
	"runlok-hq/runlok/pkg/compliance"
	"runlok-hq/runlok/pkg/enforcement"
	"runlok-hq/runlok/pkg/retention"
)

const testPolicy = `version: "2025.04"
rules:
  - name: block_shell
    action: deny
    tools: ["shell_*"]
  - name: prod_writes_need_review
    action: approve
    tools: ["db_write"]
    conditions:
      session_context: {env: prod}
  - name: read_only
    action: allow
    tools: ["read_*", "search"]
`

// setup writes a policy and a config using a temporary SQLite database
// and returns the config path.
func setup(t *testing.T) (configPath, policyPath string) {
	t.Helper()
	dir := t.TempDir()

	policyPath = filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := fmt.Sprintf(`policy:
  source: file
  file_path: %s
audit:
  backend: sqlite
  sqlite:
    path: %s
    driver: sqlite
enforcement:
  backend: sqlite
signing:
  secret_ref: "literal:0123456789abcdef0123456789abcdef"
retention:
  archive_path: %s
telemetry:
  metrics:
    enabled: false
server:
  listen_address: ""
`, policyPath, filepath.Join(dir, "runlok.db"), filepath.Join(dir, "archives"))

	configPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return configPath, policyPath
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	code, out, errOut := run(t, args...)
	if code != 0 {
		t.Fatalf("runlok %s exited %d\nstdout: %s\nstderr: %s", strings.Join(args, " "), code, out, errOut)
	}
	return out
}

func decode[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, data)
	}
	return v
}

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.Contains(out, "runlok "+Version) {
		t.Errorf("version output = %q", out)
	}

	info := decode[map[string]any](t, mustRun(t, "version", "-o", "json"))
	if info["version"] != Version {
		t.Errorf("version = %v, want %s", info["version"], Version)
	}
}

func TestKeysGenerate(t *testing.T) {
	code, out, errOut := run(t, "keys", "generate", "--bytes", "16")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if got := strings.TrimSpace(out); len(got) != 32 {
		t.Errorf("secret = %q, want 32 hex chars", got)
	}
	if !strings.Contains(errOut, "secret_ref") {
		t.Errorf("stderr hint missing: %q", errOut)
	}

	if code, _, _ := run(t, "keys", "generate", "--bytes", "4"); code == 0 {
		t.Error("short secret was accepted")
	}
}

func TestPolicyValidate(t *testing.T) {
	_, policyPath := setup(t)
	invalid := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(invalid, []byte("version: x\nrules:\n  - name: r\n    action: maybe\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		file     string
		wantCode int
		wantOut  string
	}{
		{"valid", policyPath, 0, "is valid"},
		{"invalid", invalid, 1, "problem(s)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, _ := run(t, "policy", "validate", tt.file)
			if code != tt.wantCode || !strings.Contains(out, tt.wantOut) {
				t.Errorf("exit = %d, out = %q; want %d containing %q", code, out, tt.wantCode, tt.wantOut)
			}
		})
	}
}

func TestPolicyTest(t *testing.T) {
	_, policyPath := setup(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{
			name:    "deny shell",
			args:    []string{"--tool", "shell_exec", "--arg", "cmd=ls", "--expect", "deny"},
			wantOut: "Decision: deny",
		},
		{
			name:    "approve with context",
			args:    []string{"--tool", "db_write", "--ctx", "env=prod", "--expect", "approve"},
			wantOut: "Decision: approve",
		},
		{
			name:     "unexpected decision",
			args:     []string{"--tool", "search", "--expect", "deny"},
			wantCode: 1,
			wantOut:  "Decision: allow",
		},
		{
			name:     "bad pair",
			args:     []string{"--tool", "search", "--arg", "novalue"},
			wantCode: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"policy", "test", "--file", policyPath}, tt.args...)
			code, out, errOut := run(t, args...)
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d\nstderr: %s", code, tt.wantCode, errOut)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output = %q, want %q", out, tt.wantOut)
			}
		})
	}
}

func TestPolicyInfo(t *testing.T) {
	configPath, _ := setup(t)
	out := mustRun(t, "-c", configPath, "policy", "info")
	for _, want := range []string{"Version: 2025.04", "Rules (3)", "block_shell -> deny"} {
		if !strings.Contains(out, want) {
			t.Errorf("policy info missing %q:\n%s", want, out)
		}
	}
}

func TestWorkflow(t *testing.T) {
	configPath, _ := setup(t)
	c := func(args ...string) []string { return append([]string{"-c", configPath}, args...) }

	denied := decode[enforcement.Result](t, mustRun(t, c("enforce", "--tool", "shell_exec", "--session", "s-1", "--arg", "cmd=rm -rf /", "-o", "json")...))
	if denied.Record.Decision != "deny" || denied.Record.MatchedRule != "block_shell" || denied.Record.Signature == "" {
		t.Errorf("denied record = %+v", denied.Record)
	}
	pending := decode[enforcement.Result](t, mustRun(t, c("enforce", "--tool", "db_write", "--meta", "env=prod", "--agent", "planner", "-o", "json")...))
	if !pending.Record.RequiresApproval {
		t.Fatalf("db_write in prod did not require approval: %+v", pending.Record)
	}

	out := mustRun(t, c("enforce", "approve", pending.Record.ID, "--by", "alice")...)
	if !strings.Contains(out, "approved by alice") {
		t.Errorf("approve output = %q", out)
	}
	if code, _, errOut := run(t, c("enforce", "approve", pending.Record.ID, "--by", "bob")...); code != 1 || !strings.Contains(errOut, "not pending approval") {
		t.Errorf("second approve: exit = %d, stderr = %q", code, errOut)
	}

	out = mustRun(t, c("enforce", "result", pending.Record.ID, "--session", pending.Record.SessionID,
		"--status", "error", "--error", "timeout", "--duration-ms", "120")...)
	if !strings.Contains(out, "Result recorded for "+pending.Record.ID+": error") {
		t.Errorf("result output = %q", out)
	}
	if code, _, errOut := run(t, c("enforce", "result", pending.Record.ID, "--session", "other")...); code != 1 || !strings.Contains(errOut, "session") {
		t.Errorf("result with wrong session: exit = %d, stderr = %q", code, errOut)
	}
	if code, _, _ := run(t, c("enforce", "result", pending.Record.ID, "--session", pending.Record.SessionID, "--status", "done")...); code != 1 {
		t.Errorf("result with bad status: exit = %d", code)
	}

	out = mustRun(t, c("audit", "append", "--type", audit.EventUserLogin, "--actor", "alice", "--action", "login")...)
	if !strings.Contains(out, "Appended #4 user_login") {
		t.Errorf("append output = %q", out)
	}
	if code, _, errOut := run(t, c("audit", "append", "--type", "x", "--risk", "extreme")...); code != 1 || !strings.Contains(errOut, "extreme") {
		t.Errorf("bad risk: exit = %d, stderr = %q", code, errOut)
	}

	records := decode[[]*audit.Record](t, mustRun(t, c("audit", "list", "-o", "json")...))
	if len(records) != 4 || records[0].EventType != audit.EventUserLogin {
		t.Fatalf("audit list = %d records", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].PreviousRecordHash != records[i].RecordHash {
			t.Errorf("record %d is not linked to %d", records[i-1].Sequence, records[i].Sequence)
		}
	}
	out = mustRun(t, c("audit", "list", "--type", audit.EventToolEnforcement)...)
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 3 || !strings.HasPrefix(lines[0], "SEQ") {
		t.Errorf("audit list table =\n%s", out)
	}

	out = mustRun(t, c("audit", "verify", "--actor", "auditor")...)
	if !strings.Contains(out, "Chain intact: 4 records verified") {
		t.Errorf("verify output = %q", out)
	}

	status := decode[retention.Status](t, mustRun(t, c("retention", "status", "-o", "json")...))
	if status.Total != 7 || !status.PolicyCompliant() {
		t.Errorf("retention status = total %d, overdue %d", status.Total, len(status.Overdue))
	}
	out = mustRun(t, c("retention", "cleanup")...)
	if !strings.Contains(out, "Dry run: 0 records would be deleted") {
		t.Errorf("cleanup output = %q", out)
	}

	archived := decode[retention.ArchiveResult](t, mustRun(t, c("retention", "archive", "--id", denied.Record.ID, "--id", "missing", "--days", "400", "--by", "alice", "-o", "json")...))
	if len(archived.Archived) != 1 || len(archived.NotFound) != 1 {
		t.Errorf("archive = %+v", archived)
	}

	report := decode[compliance.Report](t, mustRun(t, c("compliance", "report", "-o", "json")...))
	if report.Usage.TotalToolCalls != 2 || report.Usage.DeniedCalls != 1 || report.Usage.ApprovalRequired != 1 {
		t.Errorf("usage = %+v", report.Usage)
	}
	if !report.Governance.DataIntegrity.ChainIntact || report.Governance.ArchivedSessions != 1 {
		t.Errorf("governance = %+v", report.Governance)
	}

	exportPath := filepath.Join(t.TempDir(), "audit.json")
	code, _, errOut := run(t, c("audit", "export", "--out", exportPath)...)
	if code != 0 || !strings.Contains(errOut, "Exported 7 records") {
		t.Fatalf("export: exit = %d, stderr = %q", code, errOut)
	}
	f, err := os.Open(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	exported, err := export.ReadJSON(f)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}

	want := []string{
		audit.EventToolEnforcement,
		audit.EventToolEnforcement,
		audit.EventToolApproval,
		audit.EventUserLogin,
		audit.EventIntegrityCheck,
		audit.EventArchiveAction,
		audit.EventComplianceReport,
	}
	if len(exported) != len(want) {
		t.Fatalf("exported %d records, want %d", len(exported), len(want))
	}
	for i, r := range exported {
		if r.Sequence != int64(i+1) || r.EventType != want[i] {
			t.Errorf("record %d = #%d %s, want %s", i, r.Sequence, r.EventType, want[i])
		}
	}
	if exported[4].Actor.ID != "auditor" {
		t.Errorf("integrity_check actor = %+v", exported[4].Actor)
	}

	csvOut := mustRun(t, c("audit", "export", "--format", "csv", "--start", "2000-01-01")...)
	if lines := strings.Split(strings.TrimSpace(csvOut), "\n"); len(lines) != 8 {
		t.Errorf("csv export has %d lines, want header + 7", len(lines))
	}
}
