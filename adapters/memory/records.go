package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// RecordStore is an in-memory implementation of ports.RecordStore.
type RecordStore struct {
	mu      sync.RWMutex
	all     map[string]usage.Record
	current map[usage.PeriodKey]string
	failFn  func() error
}

// NewRecordStore creates an empty record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		all:     make(map[string]usage.Record),
		current: make(map[usage.PeriodKey]string),
	}
}

// FailWith makes Save return fn's error while fn is set (for testing).
func (s *RecordStore) FailWith(fn func() error) {
	s.mu.Lock()
	s.failFn = fn
	s.mu.Unlock()
}

func normalize(k usage.PeriodKey) usage.PeriodKey {
	k.PeriodStart = k.PeriodStart.UTC()
	k.PeriodEnd = k.PeriodEnd.UTC()
	return k
}

// Save writes r, superseding the current revision it names.
func (s *RecordStore) Save(ctx context.Context, r usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFn != nil {
		if err := s.failFn(); err != nil {
			return err
		}
	}
	k := normalize(r.Key())
	cur, exists := s.current[k]
	switch {
	case r.Supersedes == "" && exists:
		return ports.ErrConflict
	case r.Supersedes != "" && cur != r.Supersedes:
		return ports.ErrConflict
	}
	s.all[r.ID] = r
	s.current[k] = r.ID
	return nil
}

// Current returns the current revision for (org, period).
func (s *RecordStore) Current(ctx context.Context, key usage.PeriodKey) (usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[normalize(key)]
	if !ok {
		return usage.Record{}, ports.ErrNotFound
	}
	return s.all[id], nil
}

// List returns current revisions for org, newest period first.
func (s *RecordStore) List(ctx context.Context, orgID string, limit int) ([]usage.Record, error) {
	s.mu.RLock()
	var out []usage.Record
	for k, id := range s.current {
		if k.OrganizationID == orgID {
			out = append(out, s.all[id])
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnpriced returns current revisions whose cost is unavailable.
func (s *RecordStore) ListUnpriced(ctx context.Context, limit int) ([]usage.Record, error) {
	s.mu.RLock()
	var out []usage.Record
	for _, id := range s.current {
		if r := s.all[id]; r.EstimatedCost.Status != usage.CostComputed {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Revisions returns every stored revision for (org, period), oldest first.
func (s *RecordStore) Revisions(key usage.PeriodKey) []usage.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := normalize(key)
	var out []usage.Record
	for _, r := range s.all {
		if normalize(r.Key()) == k {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out
}

var _ ports.RecordStore = (*RecordStore)(nil)
