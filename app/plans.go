package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// PlanResolver maps organizations to plans without touching storage on
// the hot path. The catalog is swapped atomically on config reload and
// assignments are loaded once, then kept in step with Assign.
type PlanResolver struct {
	subs  ports.SubscriptionStore
	clock ports.Clock

	catalog atomic.Pointer[plan.Catalog]

	mu          sync.RWMutex
	assignments map[string]string

	listenersMu sync.Mutex
	listeners   []func(orgID string)
}

// NewPlanResolver creates a resolver over catalog.
func NewPlanResolver(subs ports.SubscriptionStore, catalog *plan.Catalog, clock ports.Clock) *PlanResolver {
	r := &PlanResolver{
		subs:        subs,
		clock:       clock,
		assignments: make(map[string]string),
	}
	r.catalog.Store(catalog)
	return r
}

// Load reads every assignment from the subscription store.
func (r *PlanResolver) Load(ctx context.Context) error {
	all, err := r.subs.All(ctx)
	if err != nil {
		return fmt.Errorf("load plan assignments: %w", err)
	}
	m := make(map[string]string, len(all))
	for _, a := range all {
		m[a.OrganizationID] = a.PlanID
	}
	r.mu.Lock()
	r.assignments = m
	r.mu.Unlock()
	r.invalidate("")
	return nil
}

// UpdateCatalog replaces the plan catalog.
// This is thread-safe and can be called while requests are evaluated.
func (r *PlanResolver) UpdateCatalog(c *plan.Catalog) {
	r.catalog.Store(c)
	r.invalidate("")
}

// Catalog returns the current catalog.
func (r *PlanResolver) Catalog() *plan.Catalog {
	return r.catalog.Load()
}

// Resolve returns the plan for an organization: its assignment, or the
// catalog default. Any failure is ErrLimitLookup so callers fail closed.
func (r *PlanResolver) Resolve(orgID string) (plan.Plan, error) {
	c := r.catalog.Load()
	if c == nil {
		return plan.Plan{}, fmt.Errorf("%w: no plan catalog loaded", ErrLimitLookup)
	}
	r.mu.RLock()
	id, assigned := r.assignments[orgID]
	r.mu.RUnlock()

	if assigned {
		p, ok := c.Get(id)
		if !ok {
			return plan.Plan{}, fmt.Errorf("%w: organization %s is assigned unknown plan %q", ErrLimitLookup, orgID, id)
		}
		return p, nil
	}
	p, ok := c.Default()
	if !ok {
		return plan.Plan{}, fmt.Errorf("%w: organization %s has no plan and no default is configured", ErrLimitLookup, orgID)
	}
	return p, nil
}

// Cycle returns the organization's billing cycle, monthly when unknown.
// Metering never fails on a missing plan; only admission does.
func (r *PlanResolver) Cycle(orgID string) usage.Cycle {
	if p, err := r.Resolve(orgID); err == nil {
		return p.BillingCycle
	}
	return usage.CycleMonthly
}

// Assign stores a plan assignment and invalidates cached views of the organization.
func (r *PlanResolver) Assign(ctx context.Context, orgID, planID string) (ports.PlanAssignment, error) {
	if orgID == "" {
		return ports.PlanAssignment{}, invalid("organizationId", usage.ReasonMissingOrganization)
	}
	if _, ok := r.catalog.Load().Get(planID); !ok {
		return ports.PlanAssignment{}, invalid("planId", "unknown_plan")
	}
	a := ports.PlanAssignment{OrganizationID: orgID, PlanID: planID, AssignedAt: r.clock.Now()}
	if err := r.subs.Assign(ctx, a); err != nil {
		return ports.PlanAssignment{}, fmt.Errorf("assign plan: %w", err)
	}
	r.mu.Lock()
	r.assignments[orgID] = planID
	r.mu.Unlock()
	r.invalidate(orgID)
	return a, nil
}

// OnInvalidate registers fn to run when cached per-organization views
// must be dropped. An empty orgID means every organization.
func (r *PlanResolver) OnInvalidate(fn func(orgID string)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *PlanResolver) invalidate(orgID string) {
	r.listenersMu.Lock()
	fns := append([]func(string){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		fn(orgID)
	}
}
