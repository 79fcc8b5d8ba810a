package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"runlok-hq/runlok/pkg/audit"
)

// HashVersion tags the canonical form hashed into record_hash. Changing
// the hashed fields or their encoding requires a new version.
const HashVersion = "audit.v1"

// TimestampLayout is the textual form of the timestamp inside the hash.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// maxAppendAttempts bounds retries when another writer wins the race for
// the tail.
const maxAppendAttempts = 3

// Observer receives chain activity. The metrics collector implements it.
type Observer interface {
	ObserveAppend(eventType string, duration time.Duration, err error)
	ObserveVerify(result *VerifyResult, duration time.Duration)
}

// Chain appends records to and verifies a hash-linked audit log.
// Append is serialized within the process; the storage uniqueness
// constraint on previous_record_hash catches writers in other processes.
type Chain struct {
	store           audit.Storage
	anonymizer      *Anonymizer
	anonymizeOrigin bool
	periods         audit.RetentionPeriods
	observer        Observer
	clock           func() time.Time
	newID           func() string
	tracer          trace.Tracer
	logger          *slog.Logger

	mu sync.Mutex
}

// Option configures a Chain.
type Option func(*Chain)

// WithAnonymizer replaces the default anonymizer.
func WithAnonymizer(a *Anonymizer) Option {
	return func(c *Chain) {
		if a != nil {
			c.anonymizer = a
		}
	}
}

// WithAnonymizeOrigin masks Actor.Origin (usually a client address).
func WithAnonymizeOrigin(enabled bool) Option {
	return func(c *Chain) { c.anonymizeOrigin = enabled }
}

// WithRetentionPeriods sets the days used to compute retention_until.
func WithRetentionPeriods(p audit.RetentionPeriods) Option {
	return func(c *Chain) { c.periods = p }
}

// WithObserver attaches an append/verify observer.
func WithObserver(o Observer) Option {
	return func(c *Chain) { c.observer = o }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the chain logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a chain over store.
func New(store audit.Storage, opts ...Option) *Chain {
	c := &Chain{
		store:      store,
		anonymizer: NewAnonymizer(),
		periods:    audit.DefaultRetentionPeriods(),
		clock:      time.Now,
		newID:      uuid.NewString,
		tracer:     otel.Tracer("runlok/audit/chain"),
		logger:     slog.Default().With("component", "audit.chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Storage returns the backing store.
func (c *Chain) Storage() audit.Storage {
	return c.store
}

// Append stamps, anonymizes, links, hashes and persists a new record.
// Any failure to persist is returned; nothing is recorded on error.
func (c *Chain) Append(ctx context.Context, d *audit.Draft) (*audit.Record, error) {
	if d == nil || d.EventType == "" {
		return nil, audit.NewAppendError("", errors.New("event_type is required"))
	}

	ctx, span := c.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(attribute.String("audit.event_type", d.EventType)))
	defer span.End()

	start := time.Now()
	record, err := c.append(ctx, d)
	elapsed := time.Since(start)

	if c.observer != nil {
		c.observer.ObserveAppend(d.EventType, elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		c.logger.Error("audit append failed", "event_type", d.EventType, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("audit.sequence", record.Sequence))
	c.logger.Debug("audit record appended",
		"id", record.ID,
		"sequence", record.Sequence,
		"event_type", record.EventType,
		"record_hash", record.RecordHash,
	)
	return record, nil
}

func (c *Chain) append(ctx context.Context, d *audit.Draft) (*audit.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		tail, err := c.store.Tail(ctx)
		if err != nil {
			return nil, audit.NewAppendError(d.EventType, err)
		}

		record, err := c.build(d, tail)
		if err != nil {
			return nil, audit.NewAppendError(d.EventType, err)
		}

		err = c.store.Append(ctx, record)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, audit.ErrChainConflict) {
			return nil, audit.NewAppendError(d.EventType, err)
		}

		lastErr = err
		c.logger.Warn("audit chain tail moved during append, retrying",
			"attempt", attempt,
			"previous_record_hash", record.PreviousRecordHash,
		)
	}
	return nil, audit.NewAppendError(d.EventType, lastErr)
}

// build turns a draft into a complete record linked to tail.
func (c *Chain) build(d *audit.Draft, tail *audit.Record) (*audit.Record, error) {
	if d.Action == "" {
		return nil, errors.New("action is required")
	}

	risk := d.RiskLevel
	if risk == "" {
		risk = audit.RiskLow
	}
	if !risk.Valid() {
		return nil, fmt.Errorf("unknown risk level %q", risk)
	}

	outcome := d.Outcome
	if outcome == "" {
		outcome = audit.OutcomeSuccess
	}

	actor := d.Actor
	if actor.Type == "" {
		actor.Type = "system"
	}
	if c.anonymizeOrigin && actor.Origin != "" {
		actor.Origin = MaskString(actor.Origin)
	}

	category := d.RetentionCategory
	if category == "" {
		category = audit.RetentionCategoryFor(risk, d.EventType)
	}

	relevant := true
	if d.ComplianceRelevant != nil {
		relevant = *d.ComplianceRelevant
	}

	var contextJSON []byte
	if d.Context != nil {
		var err error
		contextJSON, err = Canonicalize(c.anonymizer.Map(d.Context))
		if err != nil {
			return nil, fmt.Errorf("invalid context: %w", err)
		}
	}

	ts := c.clock().UTC().Truncate(time.Microsecond)

	r := &audit.Record{
		ID:                 c.newID(),
		Sequence:           1,
		Timestamp:          ts,
		EventType:          d.EventType,
		EventCategory:      audit.EventCategory(d.EventType),
		Actor:              actor,
		Target:             d.Target,
		Action:             d.Action,
		Description:        d.Description,
		Outcome:            outcome,
		RiskLevel:          risk,
		Context:            contextJSON,
		RetentionCategory:  category,
		ComplianceRelevant: relevant,
		PreviousRecordHash: audit.GenesisHash,
	}
	r.RetentionUntil = c.periods.Until(category, ts)

	if tail != nil {
		r.Sequence = tail.Sequence + 1
		r.PreviousRecordHash = tail.RecordHash
	}

	hash, err := HashRecord(r)
	if err != nil {
		return nil, err
	}
	r.RecordHash = hash
	return r, nil
}

// HashRecord computes record_hash for r from its content fields and
// PreviousRecordHash. RecordHash and the retention metadata are not
// inputs.
func HashRecord(r *audit.Record) (string, error) {
	content := map[string]any{
		"v":              HashVersion,
		"id":             r.ID,
		"sequence":       r.Sequence,
		"timestamp":      r.Timestamp.UTC().Format(TimestampLayout),
		"event_type":     r.EventType,
		"event_category": r.EventCategory,
		"actor": map[string]any{
			"type":   r.Actor.Type,
			"id":     r.Actor.ID,
			"origin": r.Actor.Origin,
		},
		"target": map[string]any{
			"type": r.Target.Type,
			"id":   r.Target.ID,
		},
		"action":               r.Action,
		"description":          r.Description,
		"outcome":              r.Outcome,
		"risk_level":           string(r.RiskLevel),
		"context":              r.Context,
		"retention_category":   string(r.RetentionCategory),
		"compliance_relevant":  r.ComplianceRelevant,
		"previous_record_hash": r.PreviousRecordHash,
	}

	canonical, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
