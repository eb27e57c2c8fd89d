package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/ports"
)

// AlertStore is an in-memory implementation of ports.AlertStore.
// A single mutex makes both compare-and-swap operations atomic.
type AlertStore struct {
	mu     sync.Mutex
	alerts map[string]alert.Alert
	open   map[alert.Key]string
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts: make(map[string]alert.Alert),
		open:   make(map[alert.Key]string),
	}
}

// CreateIfAbsent inserts a unless its key already has an open alert.
func (s *AlertStore) CreateIfAbsent(ctx context.Context, a alert.Alert) (alert.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[a.Key()]; ok {
		return s.alerts[id], false, nil
	}
	s.alerts[a.ID] = a
	if alert.IsOpen(a.Status) {
		s.open[a.Key()] = a.ID
	}
	return a, true, nil
}

// Transition moves an alert from one status to another.
func (s *AlertStore) Transition(ctx context.Context, id string, from, to alert.Status, actor string, at time.Time) (alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alert.Alert{}, ports.ErrNotFound
	}
	if a.Status != from || !alert.CanTransition(from, to) {
		return a, ports.ErrConflict
	}
	a = alert.Apply(a, to, actor, at)
	s.alerts[id] = a
	if !alert.IsOpen(to) {
		delete(s.open, a.Key())
	}
	return a, nil
}

// Get retrieves an alert by ID.
func (s *AlertStore) Get(ctx context.Context, id string) (alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alert.Alert{}, ports.ErrNotFound
	}
	return a, nil
}

// ListOpen returns open alerts for an organization.
func (s *AlertStore) ListOpen(ctx context.Context, orgID string) ([]alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alert.Alert
	for k, id := range s.open {
		if k.OrganizationID == orgID {
			out = append(out, s.alerts[id])
		}
	}
	sortAlerts(out)
	return out, nil
}

// List returns alerts matching the filter, newest first.
func (s *AlertStore) List(ctx context.Context, f ports.AlertFilter) ([]alert.Alert, error) {
	s.mu.Lock()
	var out []alert.Alert
	for _, a := range s.alerts {
		if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	s.mu.Unlock()
	sortAlerts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortAlerts(out []alert.Alert) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

var _ ports.AlertStore = (*AlertStore)(nil)
