package git

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"runlok-hq/runlok/pkg/policy/manager"
)

// Poller pulls the repository on an interval and reloads the store when
// a new commit changes the policy document.
//
// If the new document fails to load, the working tree is rolled back to
// the last commit that loaded and the store is reloaded from it, so the
// store ends up on the last good document rather than the fallback.
type Poller struct {
	repo     *Repository
	store    *manager.Store
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	lastSHA string
	badSHA  string
}

// NewPoller creates a poller. The repository must already be cloned.
func NewPoller(repo *Repository, store *manager.Store, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		repo:     repo,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "policy.git"),
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and the
// next tick tries again.
func (p *Poller) Run(ctx context.Context) error {
	commit, err := p.repo.CurrentCommit()
	if err != nil {
		return fmt.Errorf("failed to get initial commit: %w", err)
	}
	p.setLastSHA(commit.SHA)

	p.logger.Info("git poller started",
		"poll_interval", p.interval,
		"initial_commit", commit.ShortSHA(),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("git poller stopped")
			return nil
		case <-ticker.C:
			if _, err := p.Check(ctx); err != nil {
				p.logger.Error("policy poll failed", "error", err)
			}
		}
	}
}

// Check pulls once and reloads if the policy document changed. It
// returns the reload result, or nil when nothing was reloaded. Check is
// not safe for concurrent use; Run calls it from a single goroutine.
func (p *Poller) Check(ctx context.Context) (*manager.ReloadResult, error) {
	result, err := p.repo.Pull(ctx)
	if err != nil {
		return nil, err
	}
	if !result.HadChanges {
		return nil, nil
	}

	if !result.Touches(p.repo.cfg.Path) {
		p.logger.Debug("commit does not touch policy document, skipping reload",
			"to_sha", shortSHA(result.ToSHA),
			"changed_files", result.ChangedFiles,
		)
		p.setLastSHA(result.ToSHA)
		return nil, nil
	}

	if result.ToSHA == p.badSHA {
		// Already rejected; the pull moved the tree forward again.
		if err := p.repo.Rollback(p.LastSHA()); err != nil {
			return nil, fmt.Errorf("rollback to %s failed: %w", shortSHA(p.LastSHA()), err)
		}
		return nil, nil
	}

	p.logger.Info("policy document changed",
		"from_sha", shortSHA(result.FromSHA),
		"to_sha", shortSHA(result.ToSHA),
	)

	reload := p.store.Reload(ctx)
	if reload.Err == nil {
		p.setLastSHA(result.ToSHA)
		return reload, nil
	}

	last := p.LastSHA()
	p.badSHA = result.ToSHA
	p.logger.Error("policy document at new commit failed to load, rolling back",
		"error", reload.Err,
		"bad_sha", shortSHA(result.ToSHA),
		"rollback_to", shortSHA(last),
	)
	if err := p.repo.Rollback(last); err != nil {
		return reload, fmt.Errorf("rollback to %s failed: %w", shortSHA(last), err)
	}
	if restored := p.store.Reload(ctx); restored.Err != nil {
		return restored, fmt.Errorf("reload after rollback failed: %w", restored.Err)
	}
	return reload, nil
}

// LastSHA is the commit whose document was last loaded successfully.
func (p *Poller) LastSHA() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSHA
}

func (p *Poller) setLastSHA(sha string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSHA = sha
}
