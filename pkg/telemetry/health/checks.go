package health

import (
	"context"
	"errors"
	"fmt"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/enforcement"
	"runlok-hq/runlok/pkg/policy/engine"
)

// PolicyStore is the part of the policy store the policy check reads.
type PolicyStore interface {
	Active() *engine.RuleSet
	LastError() error
}

// PolicyCheck fails while the fallback rule set is active because of a
// load error.
func PolicyCheck(store PolicyStore) CheckFunc {
	return func(ctx context.Context) error {
		rs := store.Active()
		if rs == nil {
			return errors.New("no active rule set")
		}
		if rs.Fallback {
			if err := store.LastError(); err != nil {
				return fmt.Errorf("fallback policy active: %w", err)
			}
		}
		return nil
	}
}

// AuditStorageCheck reads the chain tail.
func AuditStorageCheck(s audit.Storage) CheckFunc {
	return func(ctx context.Context) error {
		_, err := s.Tail(ctx)
		return err
	}
}

// EnforcementStorageCheck runs a bounded count query.
func EnforcementStorageCheck(s enforcement.Storage) CheckFunc {
	return func(ctx context.Context) error {
		_, err := s.Count(ctx, &enforcement.Query{Limit: 1})
		return err
	}
}

// Runner is a background component such as the retention scheduler.
type Runner interface {
	IsRunning() bool
}

// RunnerCheck fails when r has stopped.
func RunnerCheck(name string, r Runner) CheckFunc {
	return func(ctx context.Context) error {
		if !r.IsRunning() {
			return fmt.Errorf("%s is not running", name)
		}
		return nil
	}
}
