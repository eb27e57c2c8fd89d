package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// CollectorDeps contains dependencies for Collector.
type CollectorDeps struct {
	Counters    ports.CounterStore
	Idempotency ports.IdempotencyStore
	Journal     *Journal
	Plans       *PlanResolver
	Sequence    ports.SequenceGenerator
	Clock       ports.Clock
	Logger      zerolog.Logger
	Metrics     ports.Metrics
}

// CollectorConfig contains configuration for Collector.
type CollectorConfig struct {
	MaxEventAge time.Duration // events older than this are rejected (default: 7 days)
}

// Collector accepts usage events. It never enforces quotas.
type Collector struct {
	counters ports.CounterStore
	idem     ports.IdempotencyStore
	journal  *Journal
	plans    *PlanResolver
	seq      ports.SequenceGenerator
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  ports.Metrics
	maxAge   time.Duration
}

// NewCollector creates a new collector.
func NewCollector(deps CollectorDeps, cfg CollectorConfig) *Collector {
	if cfg.MaxEventAge <= 0 {
		cfg.MaxEventAge = 7 * 24 * time.Hour
	}
	return &Collector{
		counters: deps.Counters,
		idem:     deps.Idempotency,
		journal:  deps.Journal,
		plans:    deps.Plans,
		seq:      deps.Sequence,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  orNop(deps.Metrics),
		maxAge:   cfg.MaxEventAge,
	}
}

// Receipt acknowledges an accepted event.
type Receipt struct {
	Seq        int64     `json:"seq,omitempty"`
	Duplicate  bool      `json:"duplicate"`
	Late       bool      `json:"late"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// RecordUsage validates and accepts one event. The event is journaled and
// applied to its counter under the counter's mutex before RecordUsage
// returns; the journal's append to the event log happens asynchronously.
func (c *Collector) RecordUsage(ctx context.Context, e usage.Event) (Receipt, error) {
	now := c.clock.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
		e.ServerStamped = true
	}
	e.Timestamp = e.Timestamp.UTC()
	e.ReceivedAt = now

	if v := usage.Validate(e, now, c.maxAge); !v.Valid {
		c.metrics.EventRejected(v.Reason)
		return Receipt{}, invalid(v.Field, v.Reason)
	}

	fp := e.Fingerprint()
	switch c.idem.Claim(e.OrganizationID, e.IdempotencyKey, fp, now) {
	case ports.Duplicate:
		c.metrics.EventRejected("duplicate")
		return Receipt{Duplicate: true, AcceptedAt: now}, nil
	case ports.Mismatch:
		c.metrics.EventRejected("idempotency_mismatch")
		return Receipt{}, fmt.Errorf("%w: key %q", ErrDuplicateEvent, e.IdempotencyKey)
	}

	cycle := c.plans.Cycle(e.OrganizationID)
	rollAt := now
	if e.Timestamp.After(now) {
		rollAt = e.Timestamp
	}

	var receipt Receipt
	key := meter.Key{OrganizationID: e.OrganizationID, Metric: e.Metric}
	err := c.counters.With(key, cycle, rollAt, func(ctr *meter.Counter) error {
		e.Seq = c.seq.Next()
		if !c.journal.TryEnqueue(e) {
			return ErrBackpressure
		}
		receipt = Receipt{Seq: e.Seq, AcceptedAt: now}

		if e.Timestamp.Before(ctr.PeriodStart) {
			start, end := usage.PeriodBounds(ctr.Cycle, e.Timestamp)
			c.counters.ParkLate(meter.Slice{
				Key:         key,
				PeriodStart: start,
				PeriodEnd:   end,
				Recorded:    e.Quantity,
				Live:        e.Quantity,
				LastSeq:     e.Seq,
			})
			receipt.Late = true
			return nil
		}
		ctr.Record(e.Seq, e.Quantity, e.IdempotencyKey, e.Timestamp, now)
		return nil
	})
	if err != nil {
		c.idem.Release(e.OrganizationID, e.IdempotencyKey, fp)
		c.metrics.EventRejected("backpressure")
		c.logger.Warn().Err(err).
			Str("org_id", e.OrganizationID).
			Str("metric", string(e.Metric)).
			Int("journal_depth", c.journal.Depth()).
			Msg("event rejected")
		return Receipt{}, err
	}

	if receipt.Late {
		c.logger.Info().
			Str("org_id", e.OrganizationID).
			Str("metric", string(e.Metric)).
			Time("timestamp", e.Timestamp).
			Int64("seq", receipt.Seq).
			Msg("late event queued as correction")
	}
	c.metrics.EventAccepted(string(e.Metric), e.Quantity)
	return receipt, nil
}
