package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

func saveMonthly(t *testing.T, store ports.RecordStore, org string, values ...int64) {
	t.Helper()
	saveHistory(t, store, org, usage.MetricAPICalls, values...)
}

// saveHistory stores one closed monthly record per value, ending with the
// month before janStart.
func saveHistory(t *testing.T, store ports.RecordStore, org string, m usage.Metric, values ...int64) {
	t.Helper()
	start := janStart.AddDate(0, -len(values), 0)
	for i, v := range values {
		s := start.AddDate(0, i, 0)
		require.NoError(t, store.Save(context.Background(), usage.Record{
			ID:             org + s.Format("2006-01"),
			OrganizationID: org,
			PlanID:         "free",
			PeriodStart:    s,
			PeriodEnd:      s.AddDate(0, 1, 0),
			Counts:         usage.Counts{m: v},
			EstimatedCost:  usage.Cost{Status: usage.CostComputed},
			Revision:       1,
		}))
	}
}

func TestForecaster_LinearGrowth(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	saveMonthly(t, e.records, "org-1", 100, 150, 200)

	tr, err := e.forecaster.ComputeTrend(ctx, "org-1", usage.MetricAPICalls, trend.PeriodMonthly, 3)
	require.NoError(t, err)
	assert.Equal(t, "org-1", tr.OrganizationID)
	assert.Len(t, tr.Points, 3)
	assert.Equal(t, 150.0, tr.Average)
	assert.Equal(t, int64(100), tr.Min)
	assert.Equal(t, int64(200), tr.Max)
	assert.Equal(t, trend.DirectionIncreasing, tr.Direction)
	assert.Equal(t, 50.0, tr.GrowthRate)
	require.NotNil(t, tr.Forecast)
	assert.Equal(t, 250.0, tr.Forecast.Value)
	assert.Equal(t, janStart, tr.Forecast.PeriodStart)
}

func TestForecaster_TooFewPoints(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	saveMonthly(t, e.records, "org-1", 100, 150)

	tr, err := e.forecaster.ComputeTrend(ctx, "org-1", usage.MetricAPICalls, trend.PeriodMonthly, 6)
	require.NoError(t, err)
	assert.Nil(t, tr.Forecast)
	assert.Equal(t, usage.FreshnessLive, tr.Freshness)

	none, err := e.forecaster.ComputeTrend(ctx, "org-2", usage.MetricAPICalls, trend.PeriodMonthly, 6)
	require.NoError(t, err)
	assert.Nil(t, none.Forecast)
	assert.Equal(t, usage.FreshnessNoData, none.Freshness)
}

func TestForecaster_LookbackLimitsPoints(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	saveMonthly(t, e.records, "org-1", 10, 20, 100, 150, 200)

	tr, err := e.forecaster.ComputeTrend(ctx, "org-1", usage.MetricAPICalls, trend.PeriodMonthly, 3)
	require.NoError(t, err)
	require.Len(t, tr.Points, 3)
	assert.Equal(t, int64(100), tr.Points[0].Value)
}

func TestForecaster_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	cases := []struct {
		name     string
		org      string
		metric   usage.Metric
		period   trend.Period
		lookback int
	}{
		{"missing org", "", usage.MetricAPICalls, trend.PeriodDaily, 3},
		{"unknown metric", "o", "tokens", trend.PeriodDaily, 3},
		{"bad period", "o", usage.MetricAPICalls, "hourly", 3},
		{"zero lookback", "o", usage.MetricAPICalls, trend.PeriodDaily, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.forecaster.ComputeTrend(ctx, tc.org, tc.metric, tc.period, tc.lookback)
			assert.ErrorIs(t, err, app.ErrInvalidInput)
		})
	}
}

type flakyRecords struct {
	ports.RecordStore
	fail bool
}

func (f *flakyRecords) List(ctx context.Context, orgID string, limit int) ([]usage.Record, error) {
	if f.fail {
		return nil, errors.New("database unavailable")
	}
	return f.RecordStore.List(ctx, orgID, limit)
}

func TestForecaster_ServesStaleOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	saveMonthly(t, e.records, "org-1", 100, 150, 200)

	store := &flakyRecords{RecordStore: e.records}
	f := app.NewForecaster(store, memory.NewTTLCache[app.TrendKey, trend.Trend](e.clock), e.clock, zerolog.Nop(), app.ForecasterConfig{CacheTTL: time.Minute})

	fresh, err := f.ComputeTrend(ctx, "org-1", usage.MetricAPICalls, trend.PeriodMonthly, 3)
	require.NoError(t, err)
	assert.Equal(t, usage.FreshnessLive, fresh.Freshness)

	store.fail = true
	e.clock.Advance(2 * time.Minute)
	stale, err := f.ComputeTrend(ctx, "org-1", usage.MetricAPICalls, trend.PeriodMonthly, 3)
	require.NoError(t, err)
	assert.Equal(t, usage.FreshnessStale, stale.Freshness)
	assert.Equal(t, fresh.Average, stale.Average)

	_, err = f.ComputeTrend(ctx, "org-2", usage.MetricAPICalls, trend.PeriodMonthly, 3)
	assert.Error(t, err, "nothing cached to fall back on")
}
