// Package meter holds the live counter kept for one (organization, metric)
// pair: the period ledger, the admission view and the rolling windows.
//
// A Counter is not safe for concurrent use. The owning store serializes
// access with a per-counter mutex, which is what orders increments,
// reads and period rollover for the pair.
package meter

import (
	"time"

	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
)

// ReservationTTL bounds how long an admission waits to be settled by the
// matching recorded event.
const ReservationTTL = 15 * time.Minute

const pruneThreshold = 256

type reservation struct {
	qty int64
	at  time.Time
}

// Key identifies a counter.
type Key struct {
	OrganizationID string
	Metric         usage.Metric
}

// Counter is the live state for one key.
type Counter struct {
	Key
	Cycle       usage.Cycle
	PeriodStart time.Time
	PeriodEnd   time.Time
	Generation  uint64

	Recorded int64 // ledger: sum of recorded events in the open period
	Live     int64 // admission view: recorded plus unsettled reservations
	LastSeq  int64

	denials      int64
	lastActivity time.Time
	minute       *ratelimit.Window
	day          *ratelimit.Window
	reservations map[string]reservation
}

// New creates a counter whose open period contains now.
func New(key Key, cycle usage.Cycle, now time.Time) *Counter {
	start, end := usage.PeriodBounds(cycle, now)
	c := &Counter{
		Key:          key,
		Cycle:        cycle,
		PeriodStart:  start,
		PeriodEnd:    end,
		lastActivity: now,
		reservations: make(map[string]reservation),
	}
	if key.Metric.Windowed() {
		c.minute = ratelimit.NewMinuteWindow()
		c.day = ratelimit.NewDayWindow()
	}
	return c
}

// Slice is an immutable copy of a counter's period totals.
type Slice struct {
	Key
	PeriodStart time.Time
	PeriodEnd   time.Time
	Recorded    int64
	Live        int64
	LastSeq     int64
	Generation  uint64
}

// PeriodKey returns the (org, period) the slice belongs to.
func (s Slice) PeriodKey() usage.PeriodKey {
	return usage.PeriodKey{OrganizationID: s.OrganizationID, PeriodStart: s.PeriodStart, PeriodEnd: s.PeriodEnd}
}

// Snapshot copies the open period totals.
func (c *Counter) Snapshot() Slice {
	return Slice{
		Key:         c.Key,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		Recorded:    c.Recorded,
		Live:        c.Live,
		LastSeq:     c.LastSeq,
		Generation:  c.Generation,
	}
}

// Rollover closes the open period when now has reached its end. The closed
// totals are returned and the counter starts the period containing now.
// Rolling windows carry over; they are not tied to billing periods.
func (c *Counter) Rollover(now time.Time) (Slice, bool) {
	if now.Before(c.PeriodEnd) {
		return Slice{}, false
	}
	closed := c.Snapshot()
	c.PeriodStart, c.PeriodEnd = usage.PeriodBounds(c.Cycle, now)
	c.Recorded = 0
	c.Live = 0
	c.Generation++
	c.prune(now)
	return closed, true
}

// Admit applies an admitted request to the admission windows and keeps a
// reservation so the matching recorded event is not counted twice.
func (c *Counter) Admit(qty int64, key string, now time.Time) {
	c.addWindows(now, now, qty)
	c.Live += qty
	c.lastActivity = now
	if key == "" {
		return
	}
	if r, ok := c.reservations[key]; ok {
		qty += r.qty
	}
	c.reservations[key] = reservation{qty: qty, at: now}
	if len(c.reservations) > pruneThreshold {
		c.prune(now)
	}
}

// Record applies a recorded event. The ledger always grows by qty; the
// admission view only grows by what exceeds an earlier reservation.
func (c *Counter) Record(seq, qty int64, key string, at, now time.Time) {
	c.Recorded += qty
	if seq > c.LastSeq {
		c.LastSeq = seq
	}
	c.lastActivity = now

	extra := qty
	if r, ok := c.reservations[key]; ok && key != "" {
		delete(c.reservations, key)
		extra = qty - r.qty
	}
	if extra > 0 {
		c.addWindows(at, now, extra)
		c.Live += extra
	}
	if c.Live < c.Recorded {
		c.Live = c.Recorded
	}
}

// Warm replays an already checkpointed event into the rolling windows only.
func (c *Counter) Warm(qty int64, at, now time.Time) {
	c.addWindows(at, now, qty)
}

// Restore loads checkpointed totals when they belong to the open period.
func (c *Counter) Restore(s Slice) bool {
	if !s.PeriodStart.Equal(c.PeriodStart) || !s.PeriodEnd.Equal(c.PeriodEnd) {
		return false
	}
	c.Recorded = s.Recorded
	c.Live = max(s.Live, s.Recorded)
	c.LastSeq = s.LastSeq
	return true
}

// Observe reports what each rule's window currently holds.
func (c *Counter) Observe(rules []ratelimit.Rule, now time.Time) []ratelimit.Observation {
	obs := make([]ratelimit.Observation, 0, len(rules))
	for _, r := range rules {
		o := ratelimit.Observation{Rule: r}
		switch r.Scope {
		case ratelimit.ScopeMinute:
			if c.minute != nil {
				o.Used = c.minute.Sum(now)
				o.ResetIn = c.minute.UntilExpiry(now)
			}
		case ratelimit.ScopeDay:
			if c.day != nil {
				o.Used = c.day.Sum(now)
				o.ResetIn = c.day.UntilExpiry(now)
			}
		default:
			o.Used = c.Live
			o.ResetIn = c.PeriodEnd.Sub(now)
		}
		obs = append(obs, o)
	}
	return obs
}

// DayUsage returns the rolling 24h total, or the period ledger for
// metrics without windows.
func (c *Counter) DayUsage(now time.Time) int64 {
	if c.day == nil {
		return c.Recorded
	}
	return c.day.Sum(now)
}

// Deny counts a denied admission for rate-limit alerting.
func (c *Counter) Deny() { c.denials++ }

// TakeDenials returns and clears the denial count.
func (c *Counter) TakeDenials() int64 {
	n := c.denials
	c.denials = 0
	return n
}

// Idle reports whether the counter holds nothing and has been untouched for ttl.
func (c *Counter) Idle(now time.Time, ttl time.Duration) bool {
	return c.Recorded == 0 && c.Live == 0 && c.denials == 0 && now.Sub(c.lastActivity) >= ttl
}

func (c *Counter) addWindows(at, now time.Time, qty int64) {
	if c.minute == nil || qty <= 0 {
		return
	}
	c.minute.Add(at, now, qty)
	c.day.Add(at, now, qty)
}

func (c *Counter) prune(now time.Time) {
	for k, r := range c.reservations {
		if now.Sub(r.at) > ReservationTTL {
			delete(c.reservations, k)
		}
	}
}
