package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"runlok-hq/runlok/pkg/policy/engine"
)

// FailureMode decides what becomes active when a reload fails.
type FailureMode string

const (
	// FailureFallback activates the built-in allow-all rule set.
	FailureFallback FailureMode = "fallback"

	// FailureKeepLast keeps the last successfully loaded rule set and
	// only uses the fallback when nothing has loaded yet.
	FailureKeepLast FailureMode = "keep_last"
)

// ReloadResult describes one load attempt.
type ReloadResult struct {
	OldVersion string `json:"old_version"`
	NewVersion string `json:"new_version"`
	OldHash    string `json:"old_hash"`
	NewHash    string `json:"new_hash"`
	RulesCount int    `json:"rules_count"`
	Origin     string `json:"origin"`

	// Fallback is true when the built-in rule set is active afterwards.
	Fallback bool `json:"fallback"`

	// Changed is false when the new document hashes the same as the old.
	Changed bool `json:"changed"`

	Warnings []string      `json:"warnings,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the document loaded.
func (r *ReloadResult) Succeeded() bool {
	return r.Err == nil
}

// ReloadListener is notified after every load attempt, successful or not.
type ReloadListener interface {
	OnReload(ctx context.Context, result *ReloadResult)
}

// RuleSummary is the public view of one rule.
type RuleSummary struct {
	Name        string   `json:"name"`
	Action      string   `json:"action"`
	Tools       []string `json:"tools"`
	Conditions  []string `json:"conditions,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Info describes the active rule set.
type Info struct {
	Version     string        `json:"version"`
	ContentHash string        `json:"content_hash"`
	ShortHash   string        `json:"short_hash"`
	RulesCount  int           `json:"rules_count"`
	Rules       []RuleSummary `json:"rules"`
	LoadedAt    time.Time     `json:"loaded_at"`
	Origin      string        `json:"origin"`
	Fallback    bool          `json:"fallback"`
	LastError   string        `json:"last_error,omitempty"`
}

// Store holds the active RuleSet behind an atomic pointer. Readers never
// lock; reloads are serialized so only one is in flight at a time.
type Store struct {
	source      Source
	failureMode FailureMode
	listeners   []ReloadListener
	clock       func() time.Time
	logger      *slog.Logger

	active   atomic.Pointer[engine.RuleSet]
	reloadMu sync.Mutex

	stateMu   sync.RWMutex
	lastError error
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFailureMode sets the reload failure behaviour.
func WithFailureMode(mode FailureMode) StoreOption {
	return func(s *Store) {
		if mode != "" {
			s.failureMode = mode
		}
	}
}

// WithListener registers a reload listener.
func WithListener(l ReloadListener) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithStoreLogger overrides the store logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a store for source. The fallback rule set is active
// until the first successful load.
func NewStore(source Source, opts ...StoreOption) *Store {
	s := &Store{
		source:      source,
		failureMode: FailureFallback,
		clock:       time.Now,
		logger:      slog.Default().With("component", "policy.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active.Store(FallbackRuleSet(s.clock()))
	return s
}

// AddListener registers a reload listener after construction.
func (s *Store) AddListener(l ReloadListener) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Active returns the current RuleSet. It never returns nil.
func (s *Store) Active() *engine.RuleSet {
	return s.active.Load()
}

// Reload re-reads the configured source.
func (s *Store) Reload(ctx context.Context) *ReloadResult {
	return s.ReloadFrom(ctx, s.source)
}

// ReloadFrom reads src and activates its document. Failures never leave
// the store without an active rule set.
func (s *Store) ReloadFrom(ctx context.Context, src Source) *ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := s.clock()
	if src == nil {
		result := s.applyFailure(&LoadError{Source: "", Message: "no policy source configured"}, "")
		return s.finish(ctx, result, start)
	}

	data, origin, err := src.Read(ctx)
	if err != nil {
		return s.finish(ctx, s.applyFailure(err, origin), start)
	}
	return s.finish(ctx, s.apply(data, origin), start)
}

// Load parses and activates document. On failure the error is returned
// and the failure mode decides what stays active.
func (s *Store) Load(ctx context.Context, document []byte, origin string) (*engine.RuleSet, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := s.clock()
	result := s.finish(ctx, s.apply(document, origin), start)
	if result.Err != nil {
		return nil, result.Err
	}
	return s.Active(), nil
}

// Validate checks a candidate document without activating it.
func (s *Store) Validate(document []byte) []error {
	return Validate(document)
}

// LastError returns the error of the most recent failed load, or nil if
// the most recent load succeeded.
func (s *Store) LastError() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastError
}

// Info describes the active rule set.
func (s *Store) Info() Info {
	rs := s.Active()
	info := Info{
		Version:     rs.Version,
		ContentHash: rs.ContentHash,
		ShortHash:   ShortHash(rs.ContentHash),
		RulesCount:  len(rs.Rules),
		Rules:       Summaries(rs),
		LoadedAt:    rs.LoadedAt,
		Origin:      rs.Origin,
		Fallback:    rs.Fallback,
	}
	if err := s.LastError(); err != nil {
		info.LastError = err.Error()
	}
	return info
}

// Summaries lists the rules of rs for display.
func Summaries(rs *engine.RuleSet) []RuleSummary {
	out := make([]RuleSummary, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		sum := RuleSummary{
			Name:        r.Name,
			Action:      string(r.Action),
			Tools:       r.Tools(),
			Description: r.Description,
		}
		for _, c := range r.Conditions {
			sum.Conditions = append(sum.Conditions, string(c.Kind()))
		}
		out = append(out, sum)
	}
	return out
}

func (s *Store) apply(data []byte, origin string) *ReloadResult {
	parsed, err := Parse(data, origin, s.clock())
	if err != nil {
		return s.applyFailure(err, origin)
	}

	old := s.active.Swap(parsed.RuleSet)
	s.setLastError(nil)

	return &ReloadResult{
		OldVersion: old.Version,
		NewVersion: parsed.RuleSet.Version,
		OldHash:    old.ContentHash,
		NewHash:    parsed.RuleSet.ContentHash,
		RulesCount: len(parsed.RuleSet.Rules),
		Origin:     origin,
		Changed:    old.ContentHash != parsed.RuleSet.ContentHash,
		Warnings:   parsed.Warnings,
	}
}

func (s *Store) applyFailure(err error, origin string) *ReloadResult {
	old := s.Active()
	next := old
	if s.failureMode == FailureFallback || old.Fallback {
		next = FallbackRuleSet(s.clock())
		s.active.Store(next)
	}
	s.setLastError(err)

	return &ReloadResult{
		OldVersion: old.Version,
		NewVersion: next.Version,
		OldHash:    old.ContentHash,
		NewHash:    next.ContentHash,
		RulesCount: len(next.Rules),
		Origin:     origin,
		Fallback:   next.Fallback,
		Changed:    old.ContentHash != next.ContentHash,
		Err:        err,
	}
}

func (s *Store) finish(ctx context.Context, result *ReloadResult, start time.Time) *ReloadResult {
	result.Duration = s.clock().Sub(start)

	if result.Err != nil {
		s.logger.Error("policy load failed",
			"origin", result.Origin,
			"error", result.Err,
			"active_version", result.NewVersion,
			"fallback", result.Fallback,
		)
	} else {
		for _, w := range result.Warnings {
			s.logger.Warn("policy load warning", "origin", result.Origin, "warning", w)
		}
		s.logger.Info("policy loaded",
			"origin", result.Origin,
			"old_version", result.OldVersion,
			"new_version", result.NewVersion,
			"rules", result.RulesCount,
			"hash", ShortHash(result.NewHash),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}

	for _, l := range s.listeners {
		l.OnReload(ctx, result)
	}
	return result
}

func (s *Store) setLastError(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastError = err
}

// String implements fmt.Stringer for log output.
func (r *ReloadResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("reload failed (%v); active %s", r.Err, r.NewVersion)
	}
	return fmt.Sprintf("%s -> %s (%d rules)", r.OldVersion, r.NewVersion, r.RulesCount)
}
