package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// EvaluatorDeps contains dependencies for Evaluator.
type EvaluatorDeps struct {
	Counters ports.CounterStore
	Plans    *PlanResolver
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  ports.Metrics
}

// Evaluator makes admission decisions and reports quota status.
type Evaluator struct {
	counters ports.CounterStore
	plans    *PlanResolver
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  ports.Metrics
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(deps EvaluatorDeps) *Evaluator {
	return &Evaluator{
		counters: deps.Counters,
		plans:    deps.Plans,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  orNop(deps.Metrics),
	}
}

// EvalRequest asks whether quantity units of metric may be consumed.
// IdempotencyKey should be the key the product will later record the
// event with, so the admission is not counted twice.
type EvalRequest struct {
	OrganizationID string
	Metric         usage.Metric
	Quantity       int64
	IdempotencyKey string
}

// Evaluate checks every rule for the metric and, when admitted,
// increments all windows in the same critical section. A failed tier
// lookup denies.
func (e *Evaluator) Evaluate(ctx context.Context, req EvalRequest) (ratelimit.Status, error) {
	switch {
	case req.OrganizationID == "":
		return ratelimit.Status{}, invalid("organizationId", usage.ReasonMissingOrganization)
	case !req.Metric.Valid():
		return ratelimit.Status{}, invalid("metric", usage.ReasonUnknownMetric)
	case req.Quantity < 0:
		return ratelimit.Status{}, invalid("quantity", usage.ReasonInvalidQuantity)
	}

	p, err := e.plans.Resolve(req.OrganizationID)
	if err != nil {
		e.logger.Error().Err(err).Str("org_id", req.OrganizationID).Msg("denying: plan lookup failed")
		e.metrics.Decision(string(req.Metric), false, ratelimit.ReasonLookupFailed)
		return ratelimit.LookupFailed(req.Metric), err
	}

	now := e.clock.Now()
	rules := plan.Rules(p, req.Metric)
	key := meter.Key{OrganizationID: req.OrganizationID, Metric: req.Metric}

	var st ratelimit.Status
	_ = e.counters.With(key, p.BillingCycle, now, func(c *meter.Counter) error {
		st = ratelimit.Decide(req.Metric, c.Observe(rules, now), req.Quantity, p.AllowOverage, now)
		if st.Admitted {
			c.Admit(req.Quantity, req.IdempotencyKey, now)
		} else {
			c.Deny()
		}
		return nil
	})

	e.metrics.Decision(string(req.Metric), st.Admitted, st.Reason)
	if !st.Admitted {
		e.logger.Debug().
			Str("org_id", req.OrganizationID).
			Str("metric", string(req.Metric)).
			Str("reason", st.Reason).
			Int64("remaining", st.Remaining).
			Msg("admission denied")
	}
	return st, nil
}

// QuotaStatus reports every metric's position against its primary rule
// without incrementing anything.
func (e *Evaluator) QuotaStatus(ctx context.Context, orgID string) (quota.Status, error) {
	if orgID == "" {
		return quota.Status{}, invalid("org", usage.ReasonMissingOrganization)
	}
	p, err := e.plans.Resolve(orgID)
	if err != nil {
		return quota.Status{}, err
	}

	now := e.clock.Now()
	start, end := usage.PeriodBounds(p.BillingCycle, now)
	st := quota.Status{
		OrganizationID: orgID,
		PlanID:         p.ID,
		AllowOverage:   p.AllowOverage,
		PeriodStart:    start,
		PeriodEnd:      end,
		Metrics:        make([]quota.MetricStatus, 0, len(usage.Metrics)),
		GeneratedAt:    now,
	}

	for _, m := range usage.Metrics {
		st.Metrics = append(st.Metrics, e.metricStatus(orgID, p, m, now, end))
	}
	return st, nil
}

func (e *Evaluator) metricStatus(orgID string, p plan.Plan, m usage.Metric, now, periodEnd time.Time) quota.MetricStatus {
	rule, limited := plan.PrimaryRule(p, m)
	key := meter.Key{OrganizationID: orgID, Metric: m}

	var obs ratelimit.Observation
	var live int64
	found := e.counters.View(key, now, func(c *meter.Counter) {
		live = c.Live
		if limited {
			obs = c.Observe([]ratelimit.Rule{rule}, now)[0]
		}
	})

	if !limited {
		return quota.Unlimited(m, live)
	}
	if !found {
		obs = ratelimit.Observation{Rule: rule}
		if rule.Scope == ratelimit.ScopePeriod {
			obs.ResetIn = periodEnd.Sub(now)
		}
	}
	return quota.Compute(m, obs, now)
}
