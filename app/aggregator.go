package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// AggregatorDeps contains dependencies for Aggregator.
type AggregatorDeps struct {
	Counters    ports.CounterStore
	Records     ports.RecordStore
	Checkpoints ports.CheckpointStore
	Plans       *PlanResolver
	Cost        CostFunc
	Archive     ports.Archive // optional
	IDs         ports.IDGenerator
	Clock       ports.Clock
	Logger      zerolog.Logger
	Metrics     ports.Metrics
}

// AggregatorConfig contains configuration for Aggregator.
type AggregatorConfig struct {
	RepriceBatch int           // unpriced records retried per rollup (default: 100)
	WarmWindow   time.Duration // replayed events this recent refill rolling windows (default: 24h)
}

// Aggregator turns closed counter periods into usage records.
type Aggregator struct {
	counters    ports.CounterStore
	records     ports.RecordStore
	checkpoints ports.CheckpointStore
	plans       *PlanResolver
	cost        CostFunc
	archive     ports.Archive
	ids         ports.IDGenerator
	clock       ports.Clock
	logger      zerolog.Logger
	metrics     ports.Metrics
	cfg         AggregatorConfig
}

// NewAggregator creates a new aggregator.
func NewAggregator(deps AggregatorDeps, cfg AggregatorConfig) *Aggregator {
	if cfg.RepriceBatch <= 0 {
		cfg.RepriceBatch = 100
	}
	if cfg.WarmWindow <= 0 {
		cfg.WarmWindow = 24 * time.Hour
	}
	return &Aggregator{
		counters:    deps.Counters,
		records:     deps.Records,
		checkpoints: deps.Checkpoints,
		plans:       deps.Plans,
		cost:        deps.Cost,
		archive:     deps.Archive,
		ids:         deps.IDs,
		clock:       deps.Clock,
		logger:      deps.Logger,
		metrics:     orNop(deps.Metrics),
		cfg:         cfg,
	}
}

// RollupResult summarizes one rollup run.
type RollupResult struct {
	Closed   int // counters rolled over by this run
	Written  int // records or revisions written for closed periods
	Repriced int // revisions written to fill in an unavailable cost
}

type pendingPeriod struct {
	key    usage.PeriodKey
	counts usage.Counts
	last   int64
	closed []meter.Slice
	late   []meter.Slice
}

// Rollup closes due counters and writes one record per closed
// (org, period), folding late corrections into a new revision. Slices of
// a period whose write fails are parked again for the next run.
func (a *Aggregator) Rollup(ctx context.Context) (RollupResult, error) {
	now := a.clock.Now()
	res := RollupResult{Closed: a.counters.CloseDue(now)}

	closed, late := a.counters.Drain()
	pending := groupSlices(closed, late)

	var errs []error
	for i, pp := range pending {
		if err := ctx.Err(); err != nil {
			for _, rest := range pending[i:] {
				a.counters.Requeue(rest.closed, rest.late)
			}
			errs = append(errs, err)
			break
		}
		written, err := a.writePeriod(ctx, pp, now)
		if err != nil {
			a.counters.Requeue(pp.closed, pp.late)
			a.logger.Error().Err(err).
				Str("org_id", pp.key.OrganizationID).
				Time("period_start", pp.key.PeriodStart).
				Msg("rollup failed, period requeued")
			errs = append(errs, err)
			continue
		}
		if written {
			res.Written++
		}
	}

	if ctx.Err() == nil {
		n, err := a.reprice(ctx, now)
		res.Repriced = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	a.metrics.RecordsWritten(res.Written + res.Repriced)
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrRollup, errors.Join(errs...))
	}
	return res, nil
}

func groupSlices(closed, late []meter.Slice) []*pendingPeriod {
	byKey := make(map[usage.PeriodKey]*pendingPeriod)
	get := func(s meter.Slice) *pendingPeriod {
		k := s.PeriodKey()
		pp := byKey[k]
		if pp == nil {
			pp = &pendingPeriod{key: k, counts: make(usage.Counts)}
			byKey[k] = pp
		}
		if s.Recorded > 0 {
			pp.counts[s.Metric] += s.Recorded
		}
		pp.last = max(pp.last, s.LastSeq)
		return pp
	}
	for _, s := range closed {
		pp := get(s)
		pp.closed = append(pp.closed, s)
	}
	for _, s := range late {
		pp := get(s)
		pp.late = append(pp.late, s)
	}

	out := make([]*pendingPeriod, 0, len(byKey))
	for _, pp := range byKey {
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].key.PeriodStart.Equal(out[j].key.PeriodStart) {
			return out[i].key.PeriodStart.Before(out[j].key.PeriodStart)
		}
		return out[i].key.OrganizationID < out[j].key.OrganizationID
	})
	return out
}

func (a *Aggregator) writePeriod(ctx context.Context, pp *pendingPeriod, now time.Time) (bool, error) {
	if pp.counts.Total() == 0 {
		a.dropCheckpoints(ctx, pp.key)
		return false, nil
	}

	var rec usage.Record
	existing, err := a.records.Current(ctx, pp.key)
	switch {
	case err == nil:
		rec = existing.Revise(a.ids.New(), existing.Counts.Add(pp.counts), now)
		rec.LastSeq = max(existing.LastSeq, pp.last)
	case errors.Is(err, ports.ErrNotFound):
		rec = usage.Record{
			ID:             a.ids.New(),
			OrganizationID: pp.key.OrganizationID,
			PeriodStart:    pp.key.PeriodStart,
			PeriodEnd:      pp.key.PeriodEnd,
			Counts:         pp.counts,
			Revision:       1,
			LastSeq:        pp.last,
			CreatedAt:      now,
		}
	default:
		return false, fmt.Errorf("load record %s: %w", pp.key, err)
	}

	p, planErr := a.recordPlan(rec)
	if planErr == nil {
		rec.PlanID = p.ID
	}
	rec.EstimatedCost = a.estimate(ctx, rec, p, planErr)

	if err := a.records.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("save record %s revision %d: %w", pp.key, rec.Revision, err)
	}
	a.logger.Info().
		Str("org_id", rec.OrganizationID).
		Str("record_id", rec.ID).
		Int("revision", rec.Revision).
		Time("period_start", rec.PeriodStart).
		Int("late_slices", len(pp.late)).
		Str("cost_status", string(rec.EstimatedCost.Status)).
		Msg("usage record written")

	a.dropCheckpoints(ctx, pp.key)
	a.archiveRecord(ctx, rec, p, planErr)
	return true, nil
}

// recordPlan returns the plan a record is priced under: the plan it was
// first closed with, or the organization's current plan.
func (a *Aggregator) recordPlan(rec usage.Record) (plan.Plan, error) {
	if rec.PlanID != "" {
		if p, ok := a.plans.Catalog().Get(rec.PlanID); ok {
			return p, nil
		}
	}
	return a.plans.Resolve(rec.OrganizationID)
}

func (a *Aggregator) estimate(ctx context.Context, rec usage.Record, p plan.Plan, planErr error) usage.Cost {
	if planErr != nil || a.cost == nil {
		return usage.Cost{Status: usage.CostUnavailable}
	}
	cents, err := a.cost(ctx, rec, p)
	if err != nil {
		a.logger.Warn().Err(err).Str("org_id", rec.OrganizationID).Msg("cost estimate unavailable")
		return usage.Cost{Status: usage.CostUnavailable}
	}
	return usage.Cost{Status: usage.CostComputed, Cents: cents}
}

func (a *Aggregator) reprice(ctx context.Context, now time.Time) (int, error) {
	unpriced, err := a.records.ListUnpriced(ctx, a.cfg.RepriceBatch)
	if err != nil {
		return 0, fmt.Errorf("list unpriced records: %w", err)
	}
	n := 0
	for _, rec := range unpriced {
		p, planErr := a.recordPlan(rec)
		cost := a.estimate(ctx, rec, p, planErr)
		if cost.Status != usage.CostComputed {
			continue
		}
		next := rec.Revise(a.ids.New(), rec.Counts, now)
		next.PlanID = p.ID
		next.EstimatedCost = cost
		if err := a.records.Save(ctx, next); err != nil {
			if errors.Is(err, ports.ErrConflict) {
				continue
			}
			return n, fmt.Errorf("save repriced record %s: %w", rec.Key(), err)
		}
		n++
		a.archiveRecord(ctx, next, p, nil)
	}
	return n, nil
}

func (a *Aggregator) dropCheckpoints(ctx context.Context, key usage.PeriodKey) {
	if err := a.checkpoints.DeletePeriod(ctx, key); err != nil {
		a.logger.Warn().Err(err).Str("period", key.String()).Msg("failed to delete checkpoints")
	}
}

func (a *Aggregator) archiveRecord(ctx context.Context, rec usage.Record, p plan.Plan, planErr error) {
	if a.archive == nil {
		return
	}
	var rc billing.ResourceCost
	if planErr == nil {
		rc = billing.ComputeCost(rec, p, billing.Adjustments{})
	}
	if err := a.archive.Put(ctx, rec, rc); err != nil {
		a.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("archive upload failed")
	}
}

// Checkpoint persists the open-period totals of every counter that holds
// recorded usage.
func (a *Aggregator) Checkpoint(ctx context.Context) (int, error) {
	snaps := a.counters.Snapshots()
	cps := snaps[:0]
	for _, s := range snaps {
		if s.Recorded > 0 || s.LastSeq > 0 {
			cps = append(cps, s)
		}
	}
	a.metrics.LiveCounters(len(snaps))
	if len(cps) == 0 {
		return 0, nil
	}
	if err := a.checkpoints.Save(ctx, cps); err != nil {
		return 0, fmt.Errorf("save checkpoints: %w", err)
	}
	return len(cps), nil
}

// Evict drops idle empty counters.
func (a *Aggregator) Evict(ctx context.Context) int {
	n := a.counters.Evict(a.clock.Now())
	if n > 0 {
		a.logger.Debug().Int("evicted", n).Msg("idle counters evicted")
	}
	return n
}

// SequenceObserver is told about every replayed sequence so new events
// are numbered after them.
type SequenceObserver interface {
	Observe(seq int64)
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Checkpoints int
	Events      int
	Closed      int // closed periods found without a record
}

type restoreKey struct {
	meter.Key
	start time.Time
}

// Restore rebuilds counters after a restart: checkpoints first, then every
// journaled event newer than its counter's checkpoint. Events of closed
// periods that never reached a record are parked for the next rollup.
// Idempotency keys are reclaimed so retries stay duplicates.
func (a *Aggregator) Restore(ctx context.Context, log ports.EventLog, idem ports.IdempotencyStore, seq SequenceObserver) (RestoreResult, error) {
	now := a.clock.Now()
	var res RestoreResult

	cps, err := a.checkpoints.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("load checkpoints: %w", err)
	}
	res.Checkpoints = len(cps)

	recordSeq := a.recordWatermarks()
	cpSeq := make(map[restoreKey]int64, len(cps))
	closed := make(map[restoreKey]*meter.Slice)

	for _, cp := range cps {
		rk := restoreKey{Key: cp.Key, start: cp.PeriodStart.UTC()}
		cpSeq[rk] = cp.LastSeq
		if seq != nil {
			seq.Observe(cp.LastSeq)
		}
		if cp.PeriodEnd.After(now) {
			restored := false
			_ = a.counters.With(cp.Key, a.plans.Cycle(cp.OrganizationID), now, func(c *meter.Counter) error {
				restored = c.Restore(cp)
				return nil
			})
			if !restored {
				a.logger.Warn().Str("org_id", cp.OrganizationID).Str("metric", string(cp.Metric)).
					Msg("checkpoint does not match the open period, replaying events instead")
				delete(cpSeq, rk)
			}
			continue
		}
		if cp.LastSeq <= recordSeq(ctx, cp.PeriodKey()) {
			continue
		}
		s := cp
		closed[rk] = &s
	}

	monthStart, _ := usage.PeriodBounds(usage.CycleMonthly, now)
	since := monthStart.AddDate(0, -1, 0)

	err = log.Replay(ctx, since, func(e usage.Event) error {
		res.Events++
		if seq != nil {
			seq.Observe(e.Seq)
		}
		if idem != nil && e.IdempotencyKey != "" {
			idem.Claim(e.OrganizationID, e.IdempotencyKey, e.Fingerprint(), e.ReceivedAt)
		}

		cycle := a.plans.Cycle(e.OrganizationID)
		key := meter.Key{OrganizationID: e.OrganizationID, Metric: e.Metric}
		start, end := usage.PeriodBounds(cycle, e.Timestamp)
		rk := restoreKey{Key: key, start: start}

		if !end.After(now) {
			if e.Seq <= cpSeq[rk] || e.Seq <= recordSeq(ctx, usage.PeriodKey{OrganizationID: e.OrganizationID, PeriodStart: start, PeriodEnd: end}) {
				return nil
			}
			s := closed[rk]
			if s == nil {
				s = &meter.Slice{Key: key, PeriodStart: start, PeriodEnd: end}
				closed[rk] = s
			}
			s.Recorded += e.Quantity
			s.Live += e.Quantity
			s.LastSeq = max(s.LastSeq, e.Seq)
			return nil
		}

		return a.counters.With(key, cycle, now, func(c *meter.Counter) error {
			switch {
			case e.Seq > c.LastSeq:
				c.Record(e.Seq, e.Quantity, "", e.Timestamp, now)
			case now.Sub(e.Timestamp) < a.cfg.WarmWindow:
				c.Warm(e.Quantity, e.Timestamp, now)
			}
			return nil
		})
	})
	if err != nil {
		return res, fmt.Errorf("replay event log: %w", err)
	}

	slices := make([]meter.Slice, 0, len(closed))
	for _, s := range closed {
		if s.Recorded > 0 {
			slices = append(slices, *s)
		}
	}
	a.counters.Requeue(slices, nil)
	res.Closed = len(slices)

	a.logger.Info().
		Int("checkpoints", res.Checkpoints).
		Int("events", res.Events).
		Int("closed_slices", res.Closed).
		Msg("counters restored")
	return res, nil
}

// recordWatermarks returns a memoized lookup of the highest sequence
// folded into each period's current record.
func (a *Aggregator) recordWatermarks() func(context.Context, usage.PeriodKey) int64 {
	seen := make(map[usage.PeriodKey]int64)
	return func(ctx context.Context, k usage.PeriodKey) int64 {
		if v, ok := seen[k]; ok {
			return v
		}
		var v int64
		rec, err := a.records.Current(ctx, k)
		switch {
		case err == nil && rec.LastSeq > 0:
			v = rec.LastSeq
		case err == nil:
			v = math.MaxInt64
		case !errors.Is(err, ports.ErrNotFound):
			a.logger.Warn().Err(err).Str("period", k.String()).Msg("record lookup failed during restore")
		}
		seen[k] = v
		return v
	}
}
