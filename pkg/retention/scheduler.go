package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs PlanCleanup on a cron schedule. Unless AutoCleanup is
// set the scheduled run is a dry run that only reports.
type Scheduler struct {
	manager     *Manager
	schedule    string
	autoCleanup bool
	clock       func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool

	// lastMu guards last. Jobs must not take mu: Stop holds it while
	// jobs drain.
	lastMu sync.Mutex
	last   *CleanupResult
}

// NewScheduler creates a scheduler for manager.
func NewScheduler(manager *Manager, schedule string, autoCleanup bool) *Scheduler {
	return &Scheduler{
		manager:     manager,
		schedule:    schedule,
		autoCleanup: autoCleanup,
		clock:       time.Now,
		cron:        cron.New(),
		logger:      slog.Default().With("component", "retention.scheduler"),
	}
}

// Start registers the cleanup job and starts the cron runner. An empty
// schedule disables the scheduler. The scheduler stops when ctx is done.
//
// Common expressions:
//   - "0 3 * * *"    daily at 3 AM
//   - "0 */6 * * *"  every 6 hours
//   - "0 0 * * 0"    weekly on Sunday at midnight
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("retention schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		"schedule", s.schedule,
		"auto_cleanup", s.autoCleanup,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs one scheduled cleanup cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (*CleanupResult, error) {
	dryRun := !s.autoCleanup
	s.logger.Info("starting scheduled retention cleanup", "dry_run", dryRun)

	result, err := s.manager.PlanCleanup(ctx, s.clock(), dryRun)
	if err != nil {
		s.logger.Error("scheduled retention cleanup failed", "error", err)
		return result, err
	}

	s.lastMu.Lock()
	s.last = result
	s.lastMu.Unlock()

	if dryRun && len(result.Candidates) > 0 {
		s.logger.Warn("overdue records awaiting cleanup; auto_cleanup is disabled",
			"candidates", len(result.Candidates),
			"held", len(result.Held),
		)
	} else if result.DeletedCount > 0 {
		s.logger.Info("scheduled retention cleanup completed", "deleted_count", result.DeletedCount)
	} else {
		s.logger.Debug("scheduled retention cleanup completed, nothing to delete")
	}
	return result, nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		done := s.cron.Stop()
		<-done.Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// IsRunning reports whether the cron runner is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// LastResult returns the result of the most recent successful run.
func (s *Scheduler) LastResult() *CleanupResult {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}
