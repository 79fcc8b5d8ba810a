package git

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/policy/manager"
)

const policyV1 = `version: v1
rules:
  - name: allow_search
    action: allow
    tools: ["search_*"]
`

const policyV2 = `version: v2
rules:
  - name: deny_all
    action: deny
`

// upstream is a local repository standing in for the remote.
type upstream struct {
	t    *testing.T
	dir  string
	repo *gogit.Repository
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init repo: %v", err)
	}
	u := &upstream{t: t, dir: dir, repo: repo}
	u.commit("policy.yaml", policyV1, "initial policy")
	return u
}

func (u *upstream) commit(name, content, msg string) string {
	u.t.Helper()
	if err := os.WriteFile(filepath.Join(u.dir, name), []byte(content), 0o644); err != nil {
		u.t.Fatal(err)
	}
	wt, err := u.repo.Worktree()
	if err != nil {
		u.t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		u.t.Fatalf("failed to add file: %v", err)
	}
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Policy Author", Email: "author@example.com", When: time.Now()},
	})
	if err != nil {
		u.t.Fatalf("failed to commit: %v", err)
	}
	return hash.String()
}

func (u *upstream) config(t *testing.T) config.PolicyGitConfig {
	return config.PolicyGitConfig{
		Repository: u.dir,
		Branch:     "master",
		Path:       "policy.yaml",
		Auth:       config.GitAuthConfig{Type: "none"},
		Timeout:    10 * time.Second,
		LocalPath:  filepath.Join(t.TempDir(), "checkout"),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloned(t *testing.T, u *upstream) *Repository {
	t.Helper()
	repo, err := NewRepository(u.config(t))
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	if err := repo.Clone(context.Background()); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	return repo
}

func TestNewRepository_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PolicyGitConfig
	}{
		{"empty repository", config.PolicyGitConfig{Branch: "main", Path: "p.yaml"}},
		{"empty branch", config.PolicyGitConfig{Repository: "x", Path: "p.yaml"}},
		{"empty path", config.PolicyGitConfig{Repository: "x", Branch: "main"}},
		{"bad auth", config.PolicyGitConfig{Repository: "x", Branch: "main", Path: "p.yaml", Auth: config.GitAuthConfig{Type: "kerberos"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRepository(tt.cfg); err == nil {
				t.Error("NewRepository() error = nil")
			}
		})
	}
}

func TestRepository_CloneAndRead(t *testing.T) {
	u := newUpstream(t)
	repo := cloned(t, u)

	data, origin, err := repo.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != policyV1 {
		t.Errorf("Read() = %q", data)
	}

	commit, err := repo.CurrentCommit()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(origin, commit.ShortSHA()) || !strings.HasSuffix(origin, ":policy.yaml") {
		t.Errorf("origin = %q, want commit %s and path", origin, commit.ShortSHA())
	}
	if commit.Author != "Policy Author" {
		t.Errorf("Author = %q", commit.Author)
	}

	// A second Clone opens the existing checkout.
	again, err := NewRepository(repo.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Clone(context.Background()); err != nil {
		t.Fatalf("Clone() of existing checkout error = %v", err)
	}
}

func TestRepository_ReadBeforeClone(t *testing.T) {
	repo, err := NewRepository(config.PolicyGitConfig{Repository: "x", Branch: "main", Path: "p.yaml", LocalPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = repo.Read(context.Background())
	if _, ok := err.(*manager.LoadError); !ok {
		t.Errorf("Read() error = %T %v, want *manager.LoadError", err, err)
	}
}

func TestRepository_Pull(t *testing.T) {
	u := newUpstream(t)
	repo := cloned(t, u)

	result, err := repo.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.HadChanges {
		t.Error("Pull() with no new commits reported changes")
	}

	u.commit("README.md", "docs", "add readme")
	toSHA := u.commit("policy.yaml", policyV2, "tighten policy")

	result, err = repo.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if !result.HadChanges || result.ToSHA != toSHA {
		t.Errorf("result = %+v, want changes to %s", result, toSHA)
	}
	if !result.Touches("policy.yaml") || !result.Touches("README.md") || result.Touches("other.yaml") {
		t.Errorf("ChangedFiles = %v", result.ChangedFiles)
	}
}

func TestPoller_ReloadsChangedDocument(t *testing.T) {
	u := newUpstream(t)
	repo := cloned(t, u)
	store := manager.NewStore(repo, manager.WithStoreLogger(quietLogger()))
	store.Reload(context.Background())
	poller := NewPoller(repo, store, time.Hour, quietLogger())

	if rs := store.Active(); rs.Version != "v1" {
		t.Fatalf("initial version = %q", rs.Version)
	}

	u.commit("README.md", "docs", "unrelated")
	reload, err := poller.Check(context.Background())
	if err != nil || reload != nil {
		t.Fatalf("Check() after unrelated commit = %v, %v", reload, err)
	}

	sha := u.commit("policy.yaml", policyV2, "v2")
	reload, err = poller.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reload == nil || reload.NewVersion != "v2" {
		t.Fatalf("reload = %+v, want v2", reload)
	}
	if poller.LastSHA() != sha {
		t.Errorf("LastSHA() = %s, want %s", poller.LastSHA(), sha)
	}
	if !strings.Contains(store.Active().Origin, shortSHA(sha)) {
		t.Errorf("Origin = %q, want commit %s", store.Active().Origin, shortSHA(sha))
	}
}

func TestPoller_RollsBackBadDocument(t *testing.T) {
	u := newUpstream(t)
	repo := cloned(t, u)
	store := manager.NewStore(repo, manager.WithStoreLogger(quietLogger()))
	store.Reload(context.Background())

	poller := NewPoller(repo, store, time.Hour, quietLogger())
	good, _ := repo.CurrentCommit()
	poller.setLastSHA(good.SHA)

	u.commit("policy.yaml", "version: broken\nrules: {}\n", "break it")
	reload, err := poller.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if reload == nil || reload.Err == nil {
		t.Fatalf("reload = %+v, want failed reload", reload)
	}

	if v := store.Active().Version; v != "v1" {
		t.Errorf("Active().Version = %q after rollback, want v1", v)
	}
	if head, _ := repo.CurrentCommit(); head.SHA != good.SHA {
		t.Errorf("HEAD = %s, want %s", head.ShortSHA(), good.ShortSHA())
	}

	// The rejected commit is not retried.
	if reload, err := poller.Check(context.Background()); err != nil || reload != nil {
		t.Errorf("second Check() = %v, %v", reload, err)
	}
	if v := store.Active().Version; v != "v1" {
		t.Errorf("Active().Version = %q, want v1", v)
	}
}

func TestNewAuthProvider(t *testing.T) {
	tests := []struct {
		cfg      config.GitAuthConfig
		wantType string
		wantErr  bool
	}{
		{config.GitAuthConfig{}, "none", false},
		{config.GitAuthConfig{Type: "none"}, "none", false},
		{config.GitAuthConfig{Type: "token", Token: "ghp_x"}, "token", false},
		{config.GitAuthConfig{Type: "token"}, "", true},
		{config.GitAuthConfig{Type: "ssh", SSHKeyPath: "/k"}, "ssh", false},
		{config.GitAuthConfig{Type: "ssh"}, "", true},
		{config.GitAuthConfig{Type: "ldap"}, "", true},
	}
	for _, tt := range tests {
		p, err := NewAuthProvider(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewAuthProvider(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			continue
		}
		if err == nil && p.Type() != tt.wantType {
			t.Errorf("Type() = %q, want %q", p.Type(), tt.wantType)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	auth, err := NewTokenAuth("secret").GetAuth()
	if err != nil || auth == nil {
		t.Fatalf("GetAuth() = %v, %v", auth, err)
	}
	if _, err := NewTokenAuth("").GetAuth(); err == nil {
		t.Error("empty token accepted")
	}
}

func TestSSHAuth_RejectsOpenPermissions(t *testing.T) {
	key := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(key, []byte("not a key"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewSSHAuth(key, "").GetAuth()
	if err == nil || !strings.Contains(err.Error(), "too open") {
		t.Errorf("GetAuth() error = %v, want permissions error", err)
	}

	if _, err := NewSSHAuth(filepath.Join(t.TempDir(), "missing"), "").GetAuth(); err == nil {
		t.Error("missing key accepted")
	}
}
