// Package memory provides in-memory implementations of the stores, plus
// the sharded live counter store that backs the hot path.
package memory

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// lockedCounter pairs a counter with the mutex that orders every
// operation on it. evicted is set under mu when the counter is removed
// from its shard; holders must look the key up again.
type lockedCounter struct {
	mu      sync.Mutex
	c       *meter.Counter
	evicted bool
}

// counterShard is a single shard of the counter store. mu guards the map
// only; counter state is guarded by each counter's own mutex. parkMu
// guards slices waiting for the aggregator.
type counterShard struct {
	mu       sync.RWMutex
	counters map[meter.Key]*lockedCounter

	parkMu sync.Mutex
	closed []meter.Slice
	late   []meter.Slice
}

// CounterStore is the sharded in-memory store of live counters.
// There is no global lock: lookups take a shard read lock, and updates
// take only the counter's mutex.
type CounterStore struct {
	shards    []*counterShard
	numShards int
	idleTTL   time.Duration
}

// CounterStoreConfig configures the counter store.
type CounterStoreConfig struct {
	NumShards int           // Number of shards (default: 64)
	IdleTTL   time.Duration // Empty counters untouched this long are evicted (default: 48h)
}

// NewCounterStore creates a new sharded counter store.
func NewCounterStore(cfg CounterStoreConfig) *CounterStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 64
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 48 * time.Hour
	}
	s := &CounterStore{
		shards:    make([]*counterShard, cfg.NumShards),
		numShards: cfg.NumShards,
		idleTTL:   cfg.IdleTTL,
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{counters: make(map[meter.Key]*lockedCounter)}
	}
	return s
}

// getShard returns the shard for a key using consistent hashing.
func (s *CounterStore) getShard(key meter.Key) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key.OrganizationID))
	h.Write([]byte{0})
	h.Write([]byte(key.Metric))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

func (s *CounterStore) lookup(key meter.Key) (*counterShard, *lockedCounter) {
	shard := s.getShard(key)
	shard.mu.RLock()
	lc := shard.counters[key]
	shard.mu.RUnlock()
	return shard, lc
}

func (s *CounterStore) getOrCreate(key meter.Key, cycle usage.Cycle, now time.Time) (*counterShard, *lockedCounter) {
	shard, lc := s.lookup(key)
	if lc != nil {
		return shard, lc
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if lc = shard.counters[key]; lc == nil {
		lc = &lockedCounter{c: meter.New(key, cycle, now)}
		shard.counters[key] = lc
	}
	return shard, lc
}

// With runs fn on the counter for key while holding its mutex, creating
// the counter if needed. A due period rollover happens first, so fn
// always sees the period containing now. cycle takes effect at the next
// rollover when it differs from the counter's.
func (s *CounterStore) With(key meter.Key, cycle usage.Cycle, now time.Time, fn func(*meter.Counter) error) error {
	for {
		shard, lc := s.getOrCreate(key, cycle, now)
		lc.mu.Lock()
		if lc.evicted {
			lc.mu.Unlock()
			continue
		}
		if cycle.Valid() {
			lc.c.Cycle = cycle
		}
		s.rollover(shard, lc.c, now)
		err := fn(lc.c)
		lc.mu.Unlock()
		return err
	}
}

// View runs fn on an existing counter while holding its mutex. It
// reports false without calling fn when the key has no counter.
func (s *CounterStore) View(key meter.Key, now time.Time, fn func(*meter.Counter)) bool {
	shard, lc := s.lookup(key)
	if lc == nil {
		return false
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.evicted {
		return false
	}
	s.rollover(shard, lc.c, now)
	fn(lc.c)
	return true
}

func (s *CounterStore) rollover(shard *counterShard, c *meter.Counter, now time.Time) {
	closed, ok := c.Rollover(now)
	if !ok {
		return
	}
	shard.parkMu.Lock()
	shard.closed = append(shard.closed, closed)
	shard.parkMu.Unlock()
}

// ParkLate queues a correction for a period that has already closed.
func (s *CounterStore) ParkLate(slice meter.Slice) {
	shard := s.getShard(slice.Key)
	shard.parkMu.Lock()
	shard.late = append(shard.late, slice)
	shard.parkMu.Unlock()
}

// CloseDue forces rollover on every counter whose period has ended,
// including idle ones nobody has touched since the boundary.
func (s *CounterStore) CloseDue(now time.Time) int {
	closed := 0
	for _, shard := range s.shards {
		for _, lc := range shard.snapshot() {
			lc.mu.Lock()
			if !lc.evicted && !now.Before(lc.c.PeriodEnd) {
				s.rollover(shard, lc.c, now)
				closed++
			}
			lc.mu.Unlock()
		}
	}
	return closed
}

// Drain removes and returns every parked closed slice and late correction.
func (s *CounterStore) Drain() (closed, late []meter.Slice) {
	for _, shard := range s.shards {
		shard.parkMu.Lock()
		closed = append(closed, shard.closed...)
		late = append(late, shard.late...)
		shard.closed, shard.late = nil, nil
		shard.parkMu.Unlock()
	}
	return closed, late
}

// Requeue parks slices again, typically after a failed rollup.
func (s *CounterStore) Requeue(closed, late []meter.Slice) {
	for _, sl := range closed {
		shard := s.getShard(sl.Key)
		shard.parkMu.Lock()
		shard.closed = append(shard.closed, sl)
		shard.parkMu.Unlock()
	}
	for _, sl := range late {
		s.ParkLate(sl)
	}
}

// Snapshots copies the open-period totals of every counter.
func (s *CounterStore) Snapshots() []meter.Slice {
	var out []meter.Slice
	for _, shard := range s.shards {
		for _, lc := range shard.snapshot() {
			lc.mu.Lock()
			if !lc.evicted {
				out = append(out, lc.c.Snapshot())
			}
			lc.mu.Unlock()
		}
	}
	return out
}

// Organizations returns the distinct organizations with live counters, sorted.
func (s *CounterStore) Organizations() []string {
	seen := make(map[string]bool)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for k := range shard.counters {
			seen[k.OrganizationID] = true
		}
		shard.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for org := range seen {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}

// Evict removes counters that are empty and idle. Counters that are busy
// right now are skipped and retried on the next call.
func (s *CounterStore) Evict(now time.Time) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, lc := range shard.counters {
			if !lc.mu.TryLock() {
				continue
			}
			if now.Before(lc.c.PeriodEnd) && lc.c.Idle(now, s.idleTTL) {
				lc.evicted = true
				delete(shard.counters, key)
				evicted++
			}
			lc.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return evicted
}

// Len returns the number of live counters.
func (s *CounterStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.counters)
		shard.mu.RUnlock()
	}
	return n
}

func (shard *counterShard) snapshot() []*lockedCounter {
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	out := make([]*lockedCounter, 0, len(shard.counters))
	for _, lc := range shard.counters {
		out = append(out, lc)
	}
	return out
}

var _ ports.CounterStore = (*CounterStore)(nil)
