package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// maxTrendRecords caps how many records a single trend reads.
const maxTrendRecords = 400

// TrendKey identifies a cached trend.
type TrendKey struct {
	OrganizationID string
	Metric         usage.Metric
	Period         trend.Period
	Lookback       int
}

// ForecasterConfig contains configuration for Forecaster.
type ForecasterConfig struct {
	Trend    trend.Config
	CacheTTL time.Duration // default: 5m
}

// Forecaster computes usage trends from closed records.
type Forecaster struct {
	records ports.RecordStore
	cache   ports.Cache[TrendKey, trend.Trend]
	clock   ports.Clock
	logger  zerolog.Logger
	cfg     ForecasterConfig
}

// NewForecaster creates a forecaster. cache may be nil.
func NewForecaster(records ports.RecordStore, cache ports.Cache[TrendKey, trend.Trend], clock ports.Clock, logger zerolog.Logger, cfg ForecasterConfig) *Forecaster {
	if cfg.Trend == (trend.Config{}) {
		cfg.Trend = trend.DefaultConfig()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Forecaster{records: records, cache: cache, clock: clock, logger: logger, cfg: cfg}
}

// ComputeTrend returns the trend of the last lookback periods of metric.
// When the record store fails, the last cached trend is returned marked
// stale.
func (f *Forecaster) ComputeTrend(ctx context.Context, orgID string, m usage.Metric, p trend.Period, lookback int) (trend.Trend, error) {
	switch {
	case orgID == "":
		return trend.Trend{}, invalid("org", usage.ReasonMissingOrganization)
	case !m.Valid():
		return trend.Trend{}, invalid("metric", usage.ReasonUnknownMetric)
	case lookback <= 0:
		return trend.Trend{}, invalid("lookback", "must be positive")
	}
	if _, ok := trend.ParsePeriod(string(p)); !ok {
		return trend.Trend{}, invalid("period", "must be daily, weekly or monthly")
	}

	key := TrendKey{OrganizationID: orgID, Metric: m, Period: p, Lookback: lookback}
	if f.cache != nil {
		if t, ok := f.cache.Get(key); ok {
			return t, nil
		}
	}

	records, err := f.records.List(ctx, orgID, recordsFor(p, lookback))
	if err != nil {
		if f.cache != nil {
			if t, _, ok := f.cache.GetStale(key); ok {
				f.logger.Warn().Err(err).Str("org_id", orgID).Msg("serving stale trend")
				t.Freshness = usage.FreshnessStale
				return t, nil
			}
		}
		return trend.Trend{}, fmt.Errorf("list records: %w", err)
	}

	points := trend.Group(records, m, p)
	if len(points) > lookback {
		points = points[len(points)-lookback:]
	}
	t := trend.Compute(points, p, f.cfg.Trend)
	t.OrganizationID = orgID
	t.Metric = m
	t.GeneratedAt = f.clock.Now()

	if f.cache != nil {
		f.cache.Set(key, t, f.cfg.CacheTTL)
	}
	return t, nil
}

// Invalidate drops cached trends for an organization, or all when orgID is empty.
func (f *Forecaster) Invalidate(orgID string) {
	if f.cache == nil {
		return
	}
	f.cache.DeleteFunc(func(k TrendKey) bool { return orgID == "" || k.OrganizationID == orgID })
}

// recordsFor estimates how many records cover lookback periods, assuming
// daily records at worst.
func recordsFor(p trend.Period, lookback int) int {
	per := 1
	switch p {
	case trend.PeriodWeekly:
		per = 7
	case trend.PeriodMonthly:
		per = 31
	}
	return min(lookback*per, maxTrendRecords)
}
