// Package plan provides subscription tier value types and pure functions
// that turn a tier into admission rules and included allowances.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
)

// GB is the number of bytes in a billed gigabyte.
const GB = 1_000_000_000

// Price is what a metric costs per UnitSize base units.
type Price struct {
	UnitSize     int64 // base units per priced unit; 0 means 1
	UnitCents    int64 // charged on all usage
	OverageCents int64 // charged on usage above the included allowance; 0 falls back to Plan.OverageRateCents
}

// Plan is a subscription tier (immutable value type).
// Limits of zero or less are unlimited.
type Plan struct {
	ID           string
	Name         string
	BillingCycle usage.Cycle
	Currency     string

	APICallsPerMinute int64
	APICallsPerDay    int64
	StorageGB         int64
	BandwidthGB       int64
	ComputeHours      int64
	Limits            map[usage.Metric]int64 // per-period limits for the remaining metrics, base units
	TeamMembers       int
	Projects          int

	AllowOverage     bool
	OverageRateCents int64 // cents per base unit over the allowance

	BaseCents      int64
	SupportCents   int64
	Prices         map[usage.Metric]Price
	ProductCents   map[string]int64 // flat fee per product, charged when the product has usage
	TaxBasisPoints int64
}

// Validate checks a plan definition.
func Validate(p Plan) error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if !p.BillingCycle.Valid() {
		return fmt.Errorf("plan %s: invalid billing cycle %q", p.ID, p.BillingCycle)
	}
	for m := range p.Limits {
		if !m.Valid() {
			return fmt.Errorf("plan %s: unknown metric %q in limits", p.ID, m)
		}
	}
	for m, pr := range p.Prices {
		if !m.Valid() {
			return fmt.Errorf("plan %s: unknown metric %q in prices", p.ID, m)
		}
		if pr.UnitSize < 0 || pr.UnitCents < 0 || pr.OverageCents < 0 {
			return fmt.Errorf("plan %s: negative price for %s", p.ID, m)
		}
	}
	if p.BaseCents < 0 || p.SupportCents < 0 || p.OverageRateCents < 0 || p.TaxBasisPoints < 0 {
		return fmt.Errorf("plan %s: negative pricing", p.ID)
	}
	return nil
}

// PeriodLimit returns the per-period limit for a metric in base units, or
// -1 when unlimited. api_calls has no period limit of its own; its
// allowance is the daily limit (see Included).
func PeriodLimit(p Plan, m usage.Metric) int64 {
	var limit int64
	switch m {
	case usage.MetricAPICalls:
		return -1
	case usage.MetricStorageBytes:
		limit = p.StorageGB * GB
	case usage.MetricBandwidthBytes:
		limit = p.BandwidthGB * GB
	case usage.MetricComputeSeconds:
		limit = p.ComputeHours * int64(time.Hour/time.Second)
	default:
		limit = p.Limits[m]
	}
	if limit <= 0 {
		return -1
	}
	return limit
}

// Rules returns the admission rules for a metric, tightest window first.
// This is a PURE function.
func Rules(p Plan, m usage.Metric) []ratelimit.Rule {
	if m == usage.MetricAPICalls {
		var rules []ratelimit.Rule
		if p.APICallsPerMinute > 0 {
			rules = append(rules, ratelimit.Rule{Scope: ratelimit.ScopeMinute, Kind: ratelimit.KindRate, Limit: p.APICallsPerMinute})
		}
		if p.APICallsPerDay > 0 {
			rules = append(rules, ratelimit.Rule{Scope: ratelimit.ScopeDay, Kind: ratelimit.KindQuota, Limit: p.APICallsPerDay})
		}
		return rules
	}
	if limit := PeriodLimit(p, m); limit > 0 {
		return []ratelimit.Rule{{Scope: ratelimit.ScopePeriod, Kind: ratelimit.KindQuota, Limit: limit}}
	}
	return nil
}

// PrimaryRule is the quota rule reported in quota status and alerts for a
// metric: the daily quota for api_calls, the period quota otherwise.
func PrimaryRule(p Plan, m usage.Metric) (ratelimit.Rule, bool) {
	for _, r := range Rules(p, m) {
		if r.Kind == ratelimit.KindQuota {
			return r, true
		}
	}
	return ratelimit.Rule{}, false
}

// Included returns the allowance for a metric over [start, end), or -1
// when unlimited. A daily rule contributes its limit once per day.
// This is a PURE function.
func Included(p Plan, m usage.Metric, start, end time.Time) int64 {
	if m == usage.MetricAPICalls {
		if p.APICallsPerDay <= 0 {
			return -1
		}
		return p.APICallsPerDay * usage.Days(start, end)
	}
	return PeriodLimit(p, m)
}

// OverageRate returns the overage price for a metric.
func OverageRate(p Plan, m usage.Metric) Price {
	pr := p.Prices[m]
	if pr.UnitSize <= 0 {
		pr.UnitSize = 1
	}
	if pr.OverageCents == 0 {
		return Price{UnitSize: 1, OverageCents: p.OverageRateCents}
	}
	return pr
}

// FindPlan finds a plan by ID in a list.
// This is a PURE function.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Catalog is an immutable set of plans with an optional default.
// A new Catalog replaces the old one wholesale on reload.
type Catalog struct {
	plans     map[string]Plan
	defaultID string
}

// NewCatalog validates plans and builds a catalog.
func NewCatalog(plans []Plan, defaultID string) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans)), defaultID: defaultID}
	for _, p := range plans {
		if err := Validate(p); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		c.plans[p.ID] = p
	}
	if defaultID != "" {
		if _, ok := c.plans[defaultID]; !ok {
			return nil, fmt.Errorf("default plan %q is not defined", defaultID)
		}
	}
	return c, nil
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Default returns the plan used for organizations without an assignment.
func (c *Catalog) Default() (Plan, bool) {
	if c.defaultID == "" {
		return Plan{}, false
	}
	return c.Get(c.defaultID)
}

// List returns all plans sorted by ID.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
