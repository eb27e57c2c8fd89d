package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// EventLog is an in-memory implementation of ports.EventLog.
type EventLog struct {
	mu     sync.RWMutex
	events []usage.Event
	seqs   map[int64]bool
	failFn func() error
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{seqs: make(map[int64]bool)}
}

// FailWith makes Append return fn's error while fn is set (for testing).
func (l *EventLog) FailWith(fn func() error) {
	l.mu.Lock()
	l.failFn = fn
	l.mu.Unlock()
}

// Append stores events, skipping sequences already present.
func (l *EventLog) Append(ctx context.Context, events []usage.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFn != nil {
		if err := l.failFn(); err != nil {
			return err
		}
	}
	for _, e := range events {
		if l.seqs[e.Seq] {
			continue
		}
		l.seqs[e.Seq] = true
		l.events = append(l.events, e)
	}
	sort.Slice(l.events, func(i, j int) bool { return l.events[i].Seq < l.events[j].Seq })
	return nil
}

// Replay calls fn for events with Timestamp >= since, in sequence order.
func (l *EventLog) Replay(ctx context.Context, since time.Time, fn func(usage.Event) error) error {
	l.mu.RLock()
	events := append([]usage.Event(nil), l.events...)
	l.mu.RUnlock()
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Timestamp.Before(since) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// CheckpointStore is an in-memory implementation of ports.CheckpointStore.
type CheckpointStore struct {
	mu  sync.Mutex
	cps map[checkpointKey]meter.Slice
}

type checkpointKey struct {
	key   meter.Key
	start int64
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[checkpointKey]meter.Slice)}
}

// Save upserts checkpoints. An older sequence never overwrites a newer one.
func (s *CheckpointStore) Save(ctx context.Context, cps []meter.Slice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range cps {
		k := checkpointKey{key: cp.Key, start: cp.PeriodStart.Unix()}
		if cur, ok := s.cps[k]; ok && cur.LastSeq > cp.LastSeq {
			continue
		}
		s.cps[k] = cp
	}
	return nil
}

// Load returns every checkpoint.
func (s *CheckpointStore) Load(ctx context.Context) ([]meter.Slice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]meter.Slice, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	return out, nil
}

// DeletePeriod removes checkpoints for (org, period).
func (s *CheckpointStore) DeletePeriod(ctx context.Context, key usage.PeriodKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cp := range s.cps {
		if cp.OrganizationID == key.OrganizationID && cp.PeriodStart.Equal(key.PeriodStart) && cp.PeriodEnd.Equal(key.PeriodEnd) {
			delete(s.cps, k)
		}
	}
	return nil
}

var (
	_ ports.EventLog        = (*EventLog)(nil)
	_ ports.CheckpointStore = (*CheckpointStore)(nil)
)
