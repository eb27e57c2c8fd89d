package memory

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/meterd/ports"
)

type idemEntry struct {
	fingerprint string
	at          time.Time
}

type idemShard struct {
	mu      sync.Mutex
	entries map[string]idemEntry
}

// IdempotencyStore remembers idempotency keys and the payload fingerprint
// they were first seen with. Keys are scoped per organization.
type IdempotencyStore struct {
	shards    []*idemShard
	numShards int
	retention time.Duration
}

// IdempotencyConfig configures the idempotency store.
type IdempotencyConfig struct {
	NumShards int           // Number of shards (default: 64)
	Retention time.Duration // How long keys are remembered (default: 24h)
}

// NewIdempotencyStore creates a new sharded idempotency store.
func NewIdempotencyStore(cfg IdempotencyConfig) *IdempotencyStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 64
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	s := &IdempotencyStore{
		shards:    make([]*idemShard, cfg.NumShards),
		numShards: cfg.NumShards,
		retention: cfg.Retention,
	}
	for i := range s.shards {
		s.shards[i] = &idemShard{entries: make(map[string]idemEntry)}
	}
	return s
}

// Retention returns how long keys are remembered.
func (s *IdempotencyStore) Retention() time.Duration { return s.retention }

func scopedKey(orgID, key string) string {
	return orgID + "\x00" + key
}

func (s *IdempotencyStore) getShard(k string) *idemShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Claim records key for org unless it is already held within the
// retention window.
func (s *IdempotencyStore) Claim(orgID, key, fingerprint string, now time.Time) ports.ClaimResult {
	k := scopedKey(orgID, key)
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if e, ok := shard.entries[k]; ok && now.Sub(e.at) < s.retention {
		if e.fingerprint == fingerprint {
			return ports.Duplicate
		}
		return ports.Mismatch
	}
	shard.entries[k] = idemEntry{fingerprint: fingerprint, at: now}
	return ports.Claimed
}

// Release forgets a claim, used when the event could not be accepted.
// It only removes the entry if it still holds fingerprint.
func (s *IdempotencyStore) Release(orgID, key, fingerprint string) {
	k := scopedKey(orgID, key)
	shard := s.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[k]; ok && e.fingerprint == fingerprint {
		delete(shard.entries, k)
	}
}

// Cleanup removes keys older than the retention window.
func (s *IdempotencyStore) Cleanup(now time.Time) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, e := range shard.entries {
			if now.Sub(e.at) >= s.retention {
				delete(shard.entries, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of remembered keys.
func (s *IdempotencyStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}

var _ ports.IdempotencyStore = (*IdempotencyStore)(nil)
