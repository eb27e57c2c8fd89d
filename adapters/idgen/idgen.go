// Package idgen provides ID and sequence generation implementations.
package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/artpar/meterd/ports"
)

// UUID generates UUIDs for records and alerts.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(atomic.AddUint64(&s.counter, 1), 10)
}

// Snowflake issues time-ordered journal sequence numbers. The node ID
// keeps sequences from separate instances disjoint.
type Snowflake struct {
	mu   sync.Mutex
	node *snowflake.Node
	last int64
}

// NewSnowflake creates a sequence generator for node (0-1023).
func NewSnowflake(node int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &Snowflake{node: n}, nil
}

// Next returns a sequence strictly greater than every previous one, even
// if the wall clock steps backwards.
func (s *Snowflake) Next() int64 {
	id := s.node.Generate().Int64()
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// Observe raises the floor to seq, used after replaying the journal.
func (s *Snowflake) Observe(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.last {
		s.last = seq
	}
}

// Counter is an in-process sequence starting at 1 (for testing).
type Counter struct {
	n atomic.Int64
}

// Next returns the next sequence.
func (c *Counter) Next() int64 {
	return c.n.Add(1)
}

var (
	_ ports.IDGenerator       = UUID{}
	_ ports.IDGenerator       = (*Sequential)(nil)
	_ ports.SequenceGenerator = (*Snowflake)(nil)
	_ ports.SequenceGenerator = (*Counter)(nil)
)
