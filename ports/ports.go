// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
)

// Store errors shared by every adapter.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// SequenceGenerator issues strictly increasing journal sequence numbers.
type SequenceGenerator interface {
	Next() int64
}

// Cache is a TTL cache for computed read models.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	// GetStale returns an expired value too, reporting whether it is fresh.
	GetStale(key K) (value V, fresh, ok bool)
	Set(key K, value V, ttl time.Duration)
	DeleteFunc(match func(K) bool)
}

// -----------------------------------------------------------------------------
// Hot Path Ports
// -----------------------------------------------------------------------------

// CounterStore holds live counters. Every method on a counter runs under
// that counter's own mutex; there is no store-wide lock.
type CounterStore interface {
	// With runs fn on the counter for key, creating it when absent, after
	// rolling over a period that has ended by now.
	With(key meter.Key, cycle usage.Cycle, now time.Time, fn func(*meter.Counter) error) error

	// View runs fn on an existing counter and reports whether it exists.
	View(key meter.Key, now time.Time, fn func(*meter.Counter)) bool

	// ParkLate queues a correction for an already closed period.
	ParkLate(slice meter.Slice)

	// CloseDue rolls over every counter whose period has ended.
	CloseDue(now time.Time) int

	// Drain removes parked closed slices and late corrections.
	Drain() (closed, late []meter.Slice)

	// Requeue parks slices again after a failed rollup.
	Requeue(closed, late []meter.Slice)

	// Snapshots copies every open counter's totals.
	Snapshots() []meter.Slice

	// Organizations lists organizations with live counters.
	Organizations() []string

	// Evict drops empty idle counters.
	Evict(now time.Time) int
}

// ClaimResult is the outcome of claiming an idempotency key.
type ClaimResult int

const (
	Claimed   ClaimResult = iota // first time seen
	Duplicate                    // seen before with the same payload
	Mismatch                     // seen before with a different payload
)

// IdempotencyStore remembers idempotency keys per organization.
type IdempotencyStore interface {
	Claim(orgID, key, fingerprint string, now time.Time) ClaimResult
	Release(orgID, key, fingerprint string)
	Cleanup(now time.Time) int
}

// Metrics receives engine measurements.
type Metrics interface {
	EventAccepted(metric string, quantity int64)
	EventRejected(reason string)
	Decision(metric string, admitted bool, reason string)
	JournalDepth(n int)
	JournalFlush(events int, err error)
	JobRun(job string, d time.Duration, err error)
	RecordsWritten(n int)
	AlertsTransitioned(alertType, status string)
	LiveCounters(n int)
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// EventLog is the append-only journal of accepted usage events.
type EventLog interface {
	// Append stores a batch of events. Appending an event whose sequence
	// is already stored is a no-op.
	Append(ctx context.Context, events []usage.Event) error

	// Replay calls fn for every event with Timestamp >= since, in sequence order.
	Replay(ctx context.Context, since time.Time, fn func(usage.Event) error) error
}

// CheckpointStore persists compacted counters keyed by (org, metric, period).
type CheckpointStore interface {
	// Save upserts checkpoints.
	Save(ctx context.Context, cps []meter.Slice) error

	// Load returns every stored checkpoint.
	Load(ctx context.Context) ([]meter.Slice, error)

	// DeletePeriod removes the checkpoints of a period once its record is saved.
	DeletePeriod(ctx context.Context, key usage.PeriodKey) error
}

// RecordStore persists closed-period usage records.
type RecordStore interface {
	// Save writes a record. A record with Supersedes set atomically
	// replaces the current revision it names; ErrConflict is returned when
	// that revision is no longer current or when a first revision already
	// exists for the period.
	Save(ctx context.Context, r usage.Record) error

	// Current returns the current revision for (org, period).
	Current(ctx context.Context, key usage.PeriodKey) (usage.Record, error)

	// List returns current revisions for org, newest period first.
	List(ctx context.Context, orgID string, limit int) ([]usage.Record, error)

	// ListUnpriced returns current revisions whose cost is unavailable.
	ListUnpriced(ctx context.Context, limit int) ([]usage.Record, error)
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	OrganizationID string
	Status         alert.Status // empty matches all
	Limit          int
}

// AlertStore persists alerts. Both writes are compare-and-swap so
// concurrent evaluators cannot create duplicates or lose transitions.
type AlertStore interface {
	// CreateIfAbsent inserts a unless an open alert exists for its key.
	// It returns the open alert and false when one already exists.
	CreateIfAbsent(ctx context.Context, a alert.Alert) (alert.Alert, bool, error)

	// Transition moves alert id from status from to status to.
	// ErrConflict is returned when the alert is no longer in from.
	Transition(ctx context.Context, id string, from, to alert.Status, actor string, at time.Time) (alert.Alert, error)

	// Get retrieves an alert by ID.
	Get(ctx context.Context, id string) (alert.Alert, error)

	// ListOpen returns active and acknowledged alerts for an organization.
	ListOpen(ctx context.Context, orgID string) ([]alert.Alert, error)

	// List returns alerts matching the filter, newest first.
	List(ctx context.Context, f AlertFilter) ([]alert.Alert, error)
}

// PlanAssignment maps an organization to a plan.
type PlanAssignment struct {
	OrganizationID string
	PlanID         string
	AssignedAt     time.Time
}

// SubscriptionStore persists organization plan assignments.
type SubscriptionStore interface {
	// Assign sets or replaces the organization's plan.
	Assign(ctx context.Context, a PlanAssignment) error

	// All returns every assignment.
	All(ctx context.Context) ([]PlanAssignment, error)
}

// AdjustmentStore provides discounts, credits and tax overrides.
type AdjustmentStore interface {
	// ForPeriod returns adjustments that apply to (org, period).
	ForPeriod(ctx context.Context, key usage.PeriodKey) (billing.Adjustments, error)
}

// AdjustmentWriter stores individual adjustments.
type AdjustmentWriter interface {
	Add(ctx context.Context, a billing.Adjustment) error
}

// -----------------------------------------------------------------------------
// Outbound Ports
// -----------------------------------------------------------------------------

// NotificationSink delivers alert transitions.
type NotificationSink interface {
	Notify(ctx context.Context, alerts []alert.Alert) error
}

// Archive keeps an external copy of closed records and their costs.
type Archive interface {
	Put(ctx context.Context, r usage.Record, cost billing.ResourceCost) error
}
