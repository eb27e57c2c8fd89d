package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// SubscriptionStore is an in-memory implementation of ports.SubscriptionStore.
type SubscriptionStore struct {
	mu          sync.RWMutex
	assignments map[string]ports.PlanAssignment
}

// NewSubscriptionStore creates an empty subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{assignments: make(map[string]ports.PlanAssignment)}
}

// Assign sets or replaces an organization's plan.
func (s *SubscriptionStore) Assign(ctx context.Context, a ports.PlanAssignment) error {
	s.mu.Lock()
	s.assignments[a.OrganizationID] = a
	s.mu.Unlock()
	return nil
}

// All returns every assignment ordered by organization.
func (s *SubscriptionStore) All(ctx context.Context) ([]ports.PlanAssignment, error) {
	s.mu.RLock()
	out := make([]ports.PlanAssignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

// AdjustmentStore is an in-memory implementation of ports.AdjustmentStore.
type AdjustmentStore struct {
	mu    sync.RWMutex
	adj   map[string]billing.Adjustments
	added map[string][]billing.Adjustment
}

// NewAdjustmentStore creates an empty adjustment store.
func NewAdjustmentStore() *AdjustmentStore {
	return &AdjustmentStore{
		adj:   make(map[string]billing.Adjustments),
		added: make(map[string][]billing.Adjustment),
	}
}

// Set replaces the adjustments of an organization.
func (s *AdjustmentStore) Set(orgID string, a billing.Adjustments) {
	s.mu.Lock()
	s.adj[orgID] = a
	s.mu.Unlock()
}

// Add stores a single adjustment.
func (s *AdjustmentStore) Add(ctx context.Context, a billing.Adjustment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.added[a.OrganizationID] {
		if existing.ID == a.ID {
			return ports.ErrConflict
		}
	}
	s.added[a.OrganizationID] = append(s.added[a.OrganizationID], a)
	return nil
}

// ForPeriod merges the adjustments given to Set with the added ones that
// cover the period. Set discounts filter themselves by validity when the
// cost is computed.
func (s *AdjustmentStore) ForPeriod(ctx context.Context, key usage.PeriodKey) (billing.Adjustments, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.adj[key.OrganizationID]
	out.Discounts = append([]billing.Discount(nil), out.Discounts...)
	added := billing.Collect(s.added[key.OrganizationID], key.PeriodStart)
	out.Discounts = append(out.Discounts, added.Discounts...)
	out.CreditCents += added.CreditCents
	if added.HasTaxOverride {
		out.TaxBasisPoints = added.TaxBasisPoints
		out.HasTaxOverride = true
	}
	return out, nil
}

var (
	_ ports.SubscriptionStore = (*SubscriptionStore)(nil)
	_ ports.AdjustmentStore   = (*AdjustmentStore)(nil)
	_ ports.AdjustmentWriter  = (*AdjustmentStore)(nil)
)
