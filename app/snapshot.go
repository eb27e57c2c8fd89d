package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// predictionLookback is how many closed periods feed a snapshot's
// exhaustion predictions.
const predictionLookback = 6

// SnapshotDeps contains dependencies for SnapshotService.
type SnapshotDeps struct {
	Counters   ports.CounterStore
	Records    ports.RecordStore
	Forecaster *Forecaster
	Plans      *PlanResolver
	Cache      ports.Cache[string, usage.Snapshot] // optional
	Clock      ports.Clock
	Logger     zerolog.Logger
}

// SnapshotService builds dashboard snapshots of the open period.
type SnapshotService struct {
	counters   ports.CounterStore
	records    ports.RecordStore
	forecaster *Forecaster
	plans      *PlanResolver
	cache      ports.Cache[string, usage.Snapshot]
	clock      ports.Clock
	logger     zerolog.Logger
	ttl        time.Duration
}

// NewSnapshotService creates a snapshot service. ttl defaults to 10s.
func NewSnapshotService(deps SnapshotDeps, ttl time.Duration) *SnapshotService {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	s := &SnapshotService{
		counters:   deps.Counters,
		records:    deps.Records,
		forecaster: deps.Forecaster,
		plans:      deps.Plans,
		cache:      deps.Cache,
		clock:      deps.Clock,
		logger:     deps.Logger,
		ttl:        ttl,
	}
	deps.Plans.OnInvalidate(s.Invalidate)
	return s
}

// Snapshot returns the organization's current usage against its plan.
// Exhaustion predictions extrapolate the growth rate of the organization's
// closed periods over the remaining allowance; they are nil when that
// growth is flat or falling, or when there is no history.
func (s *SnapshotService) Snapshot(ctx context.Context, orgID string) (usage.Snapshot, error) {
	if orgID == "" {
		return usage.Snapshot{}, invalid("org", usage.ReasonMissingOrganization)
	}
	if s.cache != nil {
		if snap, ok := s.cache.Get(orgID); ok {
			return snap, nil
		}
	}
	p, err := s.plans.Resolve(orgID)
	if err != nil {
		return usage.Snapshot{}, err
	}

	now := s.clock.Now()
	rec := liveRecord(s.counters, orgID, p, now)
	snap := usage.Snapshot{
		OrganizationID: orgID,
		PlanID:         p.ID,
		PeriodStart:    rec.PeriodStart,
		PeriodEnd:      rec.PeriodEnd,
		Current:        make(usage.Counts, len(usage.Metrics)),
		Limits:         make(usage.Counts, len(usage.Metrics)),
		Percentages:    make(map[usage.Metric]float64, len(usage.Metrics)),
		Predictions:    make(map[usage.Metric]*usage.Prediction, len(usage.Metrics)),
		TeamMembers:    p.TeamMembers,
		Projects:       p.Projects,
		GeneratedAt:    now,
	}

	period, span := trend.PeriodMonthly, rec.PeriodEnd.Sub(rec.PeriodStart)
	if p.BillingCycle == usage.CycleDaily {
		period = trend.PeriodDaily
	}
	trendFailed := false
	for _, m := range usage.Metrics {
		used := rec.Counts.Get(m)
		limit := plan.Included(p, m, rec.PeriodStart, rec.PeriodEnd)
		snap.Current[m] = used
		snap.Limits[m] = limit
		snap.Predictions[m] = nil
		if limit <= 0 {
			continue
		}
		snap.Percentages[m] = quota.Percent(used, limit)

		var growth float64
		if used < limit && s.forecaster != nil {
			t, err := s.forecaster.ComputeTrend(ctx, orgID, m, period, predictionLookback)
			if err != nil {
				trendFailed = true
				s.logger.Warn().Err(err).Str("org_id", orgID).Str("metric", string(m)).Msg("trend unavailable, no prediction")
				continue
			}
			growth = t.GrowthRate
		}
		snap.Predictions[m] = trend.Exhaustion(used, limit, growth, span, now, rec.PeriodEnd)
	}

	snap.Freshness = s.freshness(ctx, orgID, rec.Counts.Total() > 0)
	if trendFailed && snap.Freshness == usage.FreshnessLive {
		snap.Freshness = usage.FreshnessStale
	}
	if s.cache != nil {
		s.cache.Set(orgID, snap, s.ttl)
	}
	return snap, nil
}

func (s *SnapshotService) freshness(ctx context.Context, orgID string, hasLive bool) usage.Freshness {
	latest, err := s.records.List(ctx, orgID, 1)
	if err != nil {
		s.logger.Warn().Err(err).Str("org_id", orgID).Msg("record lookup failed, snapshot marked stale")
		return usage.FreshnessStale
	}
	switch {
	case !hasLive && len(latest) == 0:
		return usage.FreshnessNoData
	case len(latest) > 0 && latest[0].EstimatedCost.Status == usage.CostUnavailable:
		return usage.FreshnessStale
	}
	return usage.FreshnessLive
}

// Invalidate drops the cached snapshot of an organization, or all when
// orgID is empty.
func (s *SnapshotService) Invalidate(orgID string) {
	if s.cache == nil {
		return
	}
	s.cache.DeleteFunc(func(k string) bool { return orgID == "" || k == orgID })
}
