package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

func openAlerts(t *testing.T, e *engine, org string) map[alert.Key]alert.Alert {
	t.Helper()
	open, err := e.alerts.ListOpen(context.Background(), org)
	require.NoError(t, err)
	out := make(map[alert.Key]alert.Alert, len(open))
	for _, a := range open {
		out[a.Key()] = a
	}
	return out
}

func chatKey(org string, typ alert.Type) alert.Key {
	return alert.Key{OrganizationID: org, Metric: string(usage.MetricChatbotMessages), Type: typ}
}

func withChatLimit(t *testing.T, limit int64) *plan.Catalog {
	t.Helper()
	plans := testPlans()
	plans[0].Limits = map[usage.Metric]int64{usage.MetricChatbotMessages: limit}
	c, err := plan.NewCatalog(plans, "free")
	require.NoError(t, err)
	return c
}

func TestAlertService_WarningResolvesWhenUsageDrops(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.plans.UpdateCatalog(withChatLimit(t, 75))
	e.record(t, "org-1", usage.MetricChatbotMessages, 60, "chat")

	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	open := openAlerts(t, e, "org-1")
	warning, ok := open[chatKey("org-1", alert.TypeWarning)]
	require.True(t, ok, "usage at 80 percent must raise a warning")
	assert.Equal(t, alert.StatusActive, warning.Status)
	assert.InDelta(t, 80.0, warning.CurrentValue, 0.001)
	_, critical := open[chatKey("org-1", alert.TypeCritical)]
	assert.False(t, critical)

	// Same usage against a larger limit is 60%.
	e.plans.UpdateCatalog(withChatLimit(t, 100))
	res, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)

	got, err := e.alerts.Get(ctx, warning.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, got.Status)
	assert.False(t, got.ResolvedAt.IsZero())

	delivered := e.sink.delivered()
	require.Len(t, delivered, 2)
	assert.Equal(t, alert.StatusActive, delivered[0].Status)
	assert.Equal(t, alert.StatusResolved, delivered[1].Status)
}

func TestAlertService_QuotaExceededOnlyWithoutOverage(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.assign(t, "org-pro", "pro")
	e.record(t, "org-free", usage.MetricChatbotMessages, 120, "a")
	e.record(t, "org-pro", usage.MetricChatbotMessages, 120, "b")

	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)

	free := openAlerts(t, e, "org-free")
	assert.Contains(t, free, chatKey("org-free", alert.TypeWarning))
	assert.Contains(t, free, chatKey("org-free", alert.TypeCritical))
	assert.Contains(t, free, chatKey("org-free", alert.TypeQuotaExceeded))

	pro := openAlerts(t, e, "org-pro")
	assert.Contains(t, pro, chatKey("org-pro", alert.TypeCritical))
	assert.NotContains(t, pro, chatKey("org-pro", alert.TypeQuotaExceeded))
}

func TestAlertService_ConcurrentRunsDoNotDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.record(t, "org-1", usage.MetricChatbotMessages, 95, "chat")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.alertSvc.Run(ctx)
		}()
	}
	wg.Wait()

	all, err := e.alerts.List(ctx, ports.AlertFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	seen := make(map[alert.Key]int)
	for _, a := range all {
		seen[a.Key()]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "alerts for %v", k)
	}
	assert.Equal(t, 1, seen[chatKey("org-1", alert.TypeWarning)])
}

func TestAlertService_DeliveryFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.record(t, "org-1", usage.MetricChatbotMessages, 85, "chat")
	e.sink.setFail(errSinkDown)

	_, err := e.alertSvc.Run(ctx)
	require.ErrorIs(t, err, app.ErrAlertDelivery)
	assert.Equal(t, 1, e.alertSvc.Pending())
	assert.Len(t, openAlerts(t, e, "org-1"), 1, "state is kept when delivery fails")

	e.sink.setFail(nil)
	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, e.alertSvc.Pending())
	assert.Len(t, e.sink.delivered(), 1)
}

func TestAlertService_OperatorTransitions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.record(t, "org-1", usage.MetricChatbotMessages, 85, "chat")
	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	a := openAlerts(t, e, "org-1")[chatKey("org-1", alert.TypeWarning)]

	acked, err := e.alertSvc.Acknowledge(ctx, a.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, acked.Status)
	assert.Equal(t, "ops@example.com", acked.AcknowledgedBy)

	_, err = e.alertSvc.Ignore(ctx, a.ID, "ops@example.com")
	assert.ErrorIs(t, err, ports.ErrConflict, "acknowledged alerts cannot be ignored")

	_, err = e.alertSvc.Acknowledge(ctx, "missing", "ops")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	// An acknowledged alert still occupies its key.
	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
}

func TestAlertService_IgnoredAlertHoldsKey(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.plans.UpdateCatalog(withChatLimit(t, 100))
	e.record(t, "org-1", usage.MetricChatbotMessages, 85, "chat")
	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	warning := openAlerts(t, e, "org-1")[chatKey("org-1", alert.TypeWarning)]

	ignored, err := e.alertSvc.Ignore(ctx, warning.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusIgnored, ignored.Status)

	// Still breached: the ignored alert suppresses a duplicate.
	e.clock.Advance(time.Minute)
	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Resolved)

	// The signal clears and the ignored alert resolves.
	e.plans.UpdateCatalog(withChatLimit(t, 1000))
	e.clock.Advance(time.Minute)
	res, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	got, err := e.alerts.Get(ctx, warning.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, got.Status)

	// A new breach after the clear raises a new alert.
	e.plans.UpdateCatalog(withChatLimit(t, 100))
	e.clock.Advance(time.Minute)
	res, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	again := openAlerts(t, e, "org-1")[chatKey("org-1", alert.TypeWarning)]
	assert.NotEqual(t, warning.ID, again.ID)
	assert.Equal(t, alert.StatusActive, again.Status)
}

func TestAlertService_RateLimitAlert(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.assign(t, "org-1", "burst")
	for i := 0; i < 12; i++ {
		_, err := e.evaluator.Evaluate(ctx, app.EvalRequest{OrganizationID: "org-1", Metric: usage.MetricAPICalls, Quantity: 1})
		require.NoError(t, err)
	}

	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	key := alert.Key{OrganizationID: "org-1", Metric: string(usage.MetricAPICalls), Type: alert.TypeRateLimit}
	a, ok := openAlerts(t, e, "org-1")[key]
	require.True(t, ok)
	assert.Equal(t, 2.0, a.CurrentValue)

	// Quiet runs below the clear window keep the alert open.
	for i := 0; i < alert.DefaultLadder().RateLimitClear-1; i++ {
		e.clock.Advance(time.Minute)
		res, err := e.alertSvc.Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Resolved)
		assert.Zero(t, res.Created)
		assert.Contains(t, openAlerts(t, e, "org-1"), key, "quiet run %d", i+1)
	}

	e.clock.Advance(time.Minute)
	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.NotContains(t, openAlerts(t, e, "org-1"), key, "a full quiet window resolves the alert")
}

func TestAlertService_RateLimitDenialResetsClearWindow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.assign(t, "org-1", "burst")
	deny := func() {
		for i := 0; i < 11; i++ {
			_, err := e.evaluator.Evaluate(ctx, app.EvalRequest{OrganizationID: "org-1", Metric: usage.MetricAPICalls, Quantity: 1})
			require.NoError(t, err)
		}
	}
	key := alert.Key{OrganizationID: "org-1", Metric: string(usage.MetricAPICalls), Type: alert.TypeRateLimit}

	deny()
	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	first, ok := openAlerts(t, e, "org-1")[key]
	require.True(t, ok)

	e.clock.Advance(time.Minute)
	_, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)

	// Denials inside the window restart it instead of opening a second alert.
	e.clock.Advance(time.Minute)
	deny()
	res, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Zero(t, res.Resolved)
	assert.Equal(t, first.ID, openAlerts(t, e, "org-1")[key].ID)

	for i := 0; i < alert.DefaultLadder().RateLimitClear-1; i++ {
		e.clock.Advance(time.Minute)
		_, err = e.alertSvc.Run(ctx)
		require.NoError(t, err)
		assert.Contains(t, openAlerts(t, e, "org-1"), key)
	}
	e.clock.Advance(time.Minute)
	_, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.NotContains(t, openAlerts(t, e, "org-1"), key)
}

func TestAlertService_UnusualActivity(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	dec := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.records.Save(ctx, usage.Record{
		ID:             "dec",
		OrganizationID: "org-1",
		PlanID:         "free",
		PeriodStart:    dec,
		PeriodEnd:      janStart,
		Counts:         usage.Counts{usage.MetricAPICalls: 3100},
		EstimatedCost:  usage.Cost{Status: usage.CostComputed},
		Revision:       1,
	}))
	e.record(t, "org-1", usage.MetricAPICalls, 500, "spike")

	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	key := alert.Key{OrganizationID: "org-1", Metric: string(usage.MetricAPICalls), Type: alert.TypeUnusualActivity}
	a, ok := openAlerts(t, e, "org-1")[key]
	require.True(t, ok, "500 calls vs a 100/day average must be flagged")
	assert.InDelta(t, 300.0, a.Threshold, 0.001)
}

func TestAlertService_SetLadder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.record(t, "org-1", usage.MetricChatbotMessages, 60, "chat")

	_, err := e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, openAlerts(t, e, "org-1"))

	e.alertSvc.SetLadder(alert.Ladder{Warning: 50, Critical: 90, UnusualMultiplier: 3, CostSpikeRatio: 2})
	_, err = e.alertSvc.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, openAlerts(t, e, "org-1"), chatKey("org-1", alert.TypeWarning))
}
