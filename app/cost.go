package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// CostFunc estimates the cost of a record in cents.
type CostFunc func(ctx context.Context, rec usage.Record, p plan.Plan) (int64, error)

// CostService prices closed records and the open period.
type CostService struct {
	records     ports.RecordStore
	counters    ports.CounterStore
	adjustments ports.AdjustmentStore
	plans       *PlanResolver
	clock       ports.Clock
}

// NewCostService creates a new cost service.
func NewCostService(records ports.RecordStore, counters ports.CounterStore, adjustments ports.AdjustmentStore, plans *PlanResolver, clock ports.Clock) *CostService {
	return &CostService{
		records:     records,
		counters:    counters,
		adjustments: adjustments,
		plans:       plans,
		clock:       clock,
	}
}

// ComputeCost returns the cost breakdown for (org, period). A closed
// period is priced from its current record under the plan it was closed
// with. The open period is priced from live counters and marked
// provisional. Zero bounds select the open period.
func (s *CostService) ComputeCost(ctx context.Context, orgID string, start, end time.Time) (billing.ResourceCost, error) {
	if orgID == "" {
		return billing.ResourceCost{}, invalid("org", usage.ReasonMissingOrganization)
	}
	now := s.clock.Now()

	if start.IsZero() && end.IsZero() {
		p, err := s.plans.Resolve(orgID)
		if err != nil {
			return billing.ResourceCost{}, err
		}
		start, end = usage.PeriodBounds(p.BillingCycle, now)
	}
	if !end.After(start) {
		return billing.ResourceCost{}, invalid("periodEnd", "must be after periodStart")
	}
	key := usage.PeriodKey{OrganizationID: orgID, PeriodStart: start.UTC(), PeriodEnd: end.UTC()}

	rec, err := s.records.Current(ctx, key)
	switch {
	case err == nil:
		p, err := s.recordPlan(orgID, rec)
		if err != nil {
			return billing.ResourceCost{}, err
		}
		return s.price(ctx, rec, p)
	case !errors.Is(err, ports.ErrNotFound):
		return billing.ResourceCost{}, fmt.Errorf("load record %s: %w", key, err)
	}

	p, err := s.plans.Resolve(orgID)
	if err != nil {
		return billing.ResourceCost{}, err
	}
	openStart, openEnd := usage.PeriodBounds(p.BillingCycle, now)
	if !key.PeriodStart.Equal(openStart) || !key.PeriodEnd.Equal(openEnd) {
		return billing.ResourceCost{}, fmt.Errorf("cost for %s: %w", key, ports.ErrNotFound)
	}
	rc, err := s.price(ctx, liveRecord(s.counters, orgID, p, now), p)
	if err != nil {
		return billing.ResourceCost{}, err
	}
	rc.Provisional = true
	return rc, nil
}

// recordPlan returns the plan a record was closed with. Records written
// before the plan was stamped carry no plan ID and are priced under the
// organization's current plan.
func (s *CostService) recordPlan(orgID string, rec usage.Record) (plan.Plan, error) {
	if rec.PlanID == "" {
		return s.plans.Resolve(orgID)
	}
	p, ok := s.plans.Catalog().Get(rec.PlanID)
	if !ok {
		return plan.Plan{}, fmt.Errorf("%w: record %s references unknown plan %q", ErrLimitLookup, rec.ID, rec.PlanID)
	}
	return p, nil
}

// Estimate prices a record with its organization's adjustments.
// It is the aggregator's CostFunc.
func (s *CostService) Estimate(ctx context.Context, rec usage.Record, p plan.Plan) (int64, error) {
	rc, err := s.price(ctx, rec, p)
	if err != nil {
		return 0, err
	}
	return rc.Total, nil
}

// Projected extrapolates the open period's live usage to the full period
// and prices it.
func (s *CostService) Projected(ctx context.Context, orgID string, now time.Time) (int64, error) {
	p, err := s.plans.Resolve(orgID)
	if err != nil {
		return 0, err
	}
	rec := liveRecord(s.counters, orgID, p, now)
	elapsed := now.Sub(rec.PeriodStart)
	if elapsed <= 0 {
		return 0, nil
	}
	scale := float64(rec.PeriodEnd.Sub(rec.PeriodStart)) / float64(elapsed)
	projected := make(usage.Counts, len(rec.Counts))
	for m, v := range rec.Counts {
		projected[m] = int64(float64(v) * scale)
	}
	rec.Counts = projected
	return s.Estimate(ctx, rec, p)
}

func (s *CostService) price(ctx context.Context, rec usage.Record, p plan.Plan) (billing.ResourceCost, error) {
	var adj billing.Adjustments
	if s.adjustments != nil {
		var err error
		adj, err = s.adjustments.ForPeriod(ctx, rec.Key())
		if err != nil {
			return billing.ResourceCost{}, fmt.Errorf("load adjustments for %s: %w", rec.Key(), err)
		}
	}
	return billing.ComputeCost(rec, p, adj), nil
}

// liveRecord assembles an unsaved record from the open period's counters.
func liveRecord(counters ports.CounterStore, orgID string, p plan.Plan, now time.Time) usage.Record {
	start, end := usage.PeriodBounds(p.BillingCycle, now)
	rec := usage.Record{
		OrganizationID: orgID,
		PlanID:         p.ID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Counts:         make(usage.Counts),
		EstimatedCost:  usage.Cost{Status: usage.CostUnavailable},
	}
	for _, m := range usage.Metrics {
		counters.View(meter.Key{OrganizationID: orgID, Metric: m}, now, func(c *meter.Counter) {
			if c.PeriodStart.Equal(start) && c.Recorded > 0 {
				rec.Counts[m] = c.Recorded
			}
		})
	}
	return rec
}
