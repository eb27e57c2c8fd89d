package usage

import (
	"fmt"
	"time"
)

// Cycle is a billing cycle length.
type Cycle string

const (
	CycleDaily   Cycle = "daily"
	CycleMonthly Cycle = "monthly"
)

// Valid reports whether c is a known cycle.
func (c Cycle) Valid() bool {
	return c == CycleDaily || c == CycleMonthly
}

// PeriodBounds returns the UTC [start, end) of the billing period containing t.
func PeriodBounds(c Cycle, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	switch c {
	case CycleDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// Days returns the number of whole days in [start, end), rounding up.
func Days(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// PeriodKey identifies a closed or open period for one organization.
type PeriodKey struct {
	OrganizationID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OrganizationID,
		k.PeriodStart.UTC().Format(time.RFC3339), k.PeriodEnd.UTC().Format(time.RFC3339))
}
