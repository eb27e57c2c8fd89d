// Package ratelimit provides rolling-window counters and pure admission
// decisions for rate limits and quotas.
package ratelimit

import "time"

// Window is a circular buffer of fixed-width buckets covering
// len(buckets)*width of history. Each bucket remembers which absolute
// bucket index it holds, so stale buckets are zeroed lazily on the next
// read or write instead of by a sweeper.
//
// Window is not safe for concurrent use; callers hold the owning counter's lock.
type Window struct {
	width  time.Duration
	counts []int64
	slots  []int64
}

// NewWindow creates a window of n buckets, each width wide.
func NewWindow(n int, width time.Duration) *Window {
	return &Window{
		width:  width,
		counts: make([]int64, n),
		slots:  make([]int64, n),
	}
}

// NewMinuteWindow returns a 60 x 1s window.
func NewMinuteWindow() *Window { return NewWindow(60, time.Second) }

// NewDayWindow returns a 1440 x 1min window.
func NewDayWindow() *Window { return NewWindow(1440, time.Minute) }

// Span is the total history the window covers.
func (w *Window) Span() time.Duration {
	return time.Duration(len(w.counts)) * w.width
}

func (w *Window) index(t time.Time) int64 {
	return t.UnixNano() / int64(w.width)
}

func (w *Window) pos(idx int64) int {
	n := int64(len(w.counts))
	return int(((idx % n) + n) % n)
}

// Add records n units at time at. Units older than the window relative to
// now, or older than the bucket currently occupying their slot, are
// dropped and Add reports false.
func (w *Window) Add(at, now time.Time, n int64) bool {
	idx := w.index(at)
	nowIdx := w.index(now)
	if idx > nowIdx {
		idx = nowIdx
	}
	if idx <= nowIdx-int64(len(w.counts)) {
		return false
	}
	p := w.pos(idx)
	switch {
	case w.slots[p] == idx:
		w.counts[p] += n
	case w.slots[p] < idx:
		w.slots[p] = idx
		w.counts[p] = n
	default:
		return false
	}
	return true
}

// Sum returns the total over the window ending at now.
func (w *Window) Sum(now time.Time) int64 {
	nowIdx := w.index(now)
	oldest := nowIdx - int64(len(w.counts))
	var total int64
	for p, slot := range w.slots {
		if slot <= oldest {
			w.counts[p] = 0
			continue
		}
		if slot <= nowIdx {
			total += w.counts[p]
		}
	}
	return total
}

// UntilExpiry returns how long until the oldest non-empty bucket leaves
// the window. It returns zero for an empty window.
func (w *Window) UntilExpiry(now time.Time) time.Duration {
	nowIdx := w.index(now)
	oldest := nowIdx - int64(len(w.counts))
	first := int64(-1)
	for p, slot := range w.slots {
		if slot <= oldest || slot > nowIdx || w.counts[p] == 0 {
			continue
		}
		if first < 0 || slot < first {
			first = slot
		}
	}
	if first < 0 {
		return 0
	}
	expires := time.Unix(0, (first+int64(len(w.counts)))*int64(w.width))
	if d := expires.Sub(now); d > 0 {
		return d
	}
	return 0
}
