package manager

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"runlok-hq/runlok/pkg/policy/engine"
)

const scenarioDoc = `
version: "v1"
rules:
  - name: allow_search
    action: allow
    tools: ["search_*"]
  - name: deny_delete
    action: deny
    tools: ["delete_*"]
    description: never delete
`

func TestParse_Valid(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := Parse([]byte(scenarioDoc), "scenario.yaml", now)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	rs := res.RuleSet
	if rs.Version != "v1" {
		t.Errorf("Version = %q, want v1", rs.Version)
	}
	if len(rs.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rs.Rules))
	}
	if rs.Rules[0].Name != "allow_search" || rs.Rules[1].Name != "deny_delete" {
		t.Errorf("rule order = %s, %s", rs.Rules[0].Name, rs.Rules[1].Name)
	}
	if rs.Rules[1].Description != "never delete" {
		t.Errorf("Description = %q", rs.Rules[1].Description)
	}
	if rs.ContentHash != ContentHash([]byte(scenarioDoc)) {
		t.Errorf("ContentHash = %q", rs.ContentHash)
	}
	if !rs.LoadedAt.Equal(now) {
		t.Errorf("LoadedAt = %v, want %v", rs.LoadedAt, now)
	}
	if rs.Origin != "scenario.yaml" || rs.Fallback {
		t.Errorf("Origin = %q, Fallback = %v", rs.Origin, rs.Fallback)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestParse_ToolsDefaultToWildcard(t *testing.T) {
	doc := "version: v\nrules:\n  - name: everything\n    action: approve\n"
	res, err := Parse([]byte(doc), "t", time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r := res.RuleSet.Rules[0]
	if got := r.Tools(); len(got) != 1 || got[0] != "*" {
		t.Errorf("Tools() = %v, want [*]", got)
	}
	if len(r.Conditions) != 0 {
		t.Errorf("Conditions = %v, want none", r.Conditions)
	}
}

func TestParse_Conditions(t *testing.T) {
	doc := `
version: v
rules:
  - name: guarded
    action: approve
    tools: ["deploy_*"]
    conditions:
      arg_contains: {env: prod}
      arg_not_contains: {force: true}
      session_context: {team: "*"}
      time_window: {after: "09:00"}
`
	res, err := Parse([]byte(doc), "t", time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	conds := res.RuleSet.Rules[0].Conditions
	if len(conds) != 4 {
		t.Fatalf("conditions = %d, want 4", len(conds))
	}
	wantKinds := []engine.ConditionKind{engine.KindArgContains, engine.KindArgNotContains, engine.KindSessionContext, "time_window"}
	for i, k := range wantKinds {
		if conds[i].Kind() != k {
			t.Errorf("conditions[%d].Kind() = %q, want %q", i, conds[i].Kind(), k)
		}
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "time_window") {
		t.Errorf("Warnings = %v, want one about time_window", res.Warnings)
	}
}

func TestParse_EmptyRulesWarns(t *testing.T) {
	res, err := Parse([]byte("version: v\nrules: []\n"), "t", time.Now())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(res.RuleSet.Rules) != 0 || len(res.Warnings) != 1 {
		t.Errorf("rules = %d, warnings = %v", len(res.RuleSet.Rules), res.Warnings)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: v\nrules: [\n  - name: x\n"), "bad.yaml", time.Now())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T %v, want *ParseError", err, err)
	}
	if pe.Source != "bad.yaml" {
		t.Errorf("Source = %q", pe.Source)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	doc := `
rules:
  - action: allow
  - name: a
    action: block
  - name: b
    action: allow
    tools: "search_*"
  - name: c
    action: deny
  - name: c
    action: deny
    conditions: [arg_contains]
`
	errs := Validate([]byte(doc))

	want := []string{
		"at version",
		"at rules[0].name",
		`rule "a" at rules[1].action`,
		`rule "b" at rules[2].tools`,
		`rule "c" at rules[4].conditions`,
	}
	if len(errs) != len(want) {
		for _, e := range errs {
			t.Logf("  %v", e)
		}
		t.Fatalf("Validate() returned %d errors, want %d", len(errs), len(want))
	}
	for i, w := range want {
		if !strings.Contains(errs[i].Error(), w) {
			t.Errorf("errs[%d] = %q, want to contain %q", i, errs[i], w)
		}
	}

	var ve *ValidationError
	if !errors.As(errs[1], &ve) {
		t.Fatalf("errs[1] = %T, want *ValidationError", errs[1])
	}
	if ve.RuleIndex != 0 || ve.Line != 3 {
		t.Errorf("RuleIndex = %d, Line = %d, want 0 and 3", ve.RuleIndex, ve.Line)
	}
}

func TestValidate_DuplicateNames(t *testing.T) {
	doc := "version: v\nrules:\n  - {name: a, action: allow}\n  - {name: a, action: deny}\n"
	errs := Validate([]byte(doc))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "duplicate rule name") {
		t.Errorf("Validate() = %v, want one duplicate error", errs)
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	if errs := Validate([]byte(scenarioDoc)); len(errs) != 0 {
		t.Errorf("Validate() = %v, want none", errs)
	}
}

func TestValidate_NotAMapping(t *testing.T) {
	for _, doc := range []string{"", "- a\n- b\n", "just a string"} {
		if errs := Validate([]byte(doc)); len(errs) == 0 {
			t.Errorf("Validate(%q) returned no errors", doc)
		}
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(scenarioDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	data, origin, err := NewFileSource(path).Read(t.Context())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if origin != path || string(data) != scenarioDoc {
		t.Errorf("Read() = %q from %q", data, origin)
	}

	_, _, err = NewFileSource(filepath.Join(dir, "missing.yaml")).Read(t.Context())
	var le *LoadError
	if !errors.As(err, &le) || le.Message != "file not found" {
		t.Errorf("missing file error = %v, want LoadError file not found", err)
	}

	_, _, err = NewFileSource(dir).Read(t.Context())
	if !errors.As(err, &le) || le.Message != "not a regular file" {
		t.Errorf("directory error = %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte{0xff, 0xfe, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewFileSource(bad).Read(t.Context()); !errors.As(err, &le) {
		t.Errorf("invalid utf-8 error = %v", err)
	}
}

func TestFallbackRuleSet(t *testing.T) {
	rs := FallbackRuleSet(time.Now())
	if rs.Version != FallbackVersion || !rs.Fallback {
		t.Errorf("Version = %q, Fallback = %v", rs.Version, rs.Fallback)
	}
	if len(rs.Rules) != 1 || rs.Rules[0].Action != engine.ActionAllow || rs.Rules[0].Tools()[0] != "*" {
		t.Errorf("fallback rules = %+v", rs.Rules)
	}
}

func TestErrorList(t *testing.T) {
	var list ErrorList
	if list.ToError() != nil {
		t.Error("empty ToError() != nil")
	}
	list.Add(nil)
	list.Add(errors.New("one"))
	if list.ToError().Error() != "one" {
		t.Errorf("single ToError() = %v", list.ToError())
	}
	list.Add(errors.New("two"))
	if !strings.HasPrefix(list.Error(), "2 errors occurred") {
		t.Errorf("Error() = %q", list.Error())
	}
}
