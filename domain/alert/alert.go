// Package alert provides usage alert types, the alert state machine and
// pure threshold evaluation.
package alert

import (
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/usage"
)

// Type is the kind of condition an alert reports.
type Type string

const (
	TypeWarning         Type = "warning"
	TypeCritical        Type = "critical"
	TypeQuotaExceeded   Type = "quota_exceeded"
	TypeUnusualActivity Type = "unusual_activity"
	TypeRateLimit       Type = "rate_limit"
	TypeCostSpike       Type = "cost_spike"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusIgnored      Status = "ignored"
)

// ParseStatus returns the status named s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusIgnored:
		return st, true
	}
	return "", false
}

// MetricTotal is the metric name used for organization-wide alerts.
const MetricTotal = "total"

// Alert is a threshold breach for one (organization, metric, type).
type Alert struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Metric         string    `json:"metric"`
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	Threshold      float64   `json:"threshold"`
	CurrentValue   float64   `json:"currentValue"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	AcknowledgedAt time.Time `json:"acknowledgedAt,omitzero"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt,omitzero"`
}

// Key identifies the dedupe slot of an alert: at most one open alert per key.
type Key struct {
	OrganizationID string
	Metric         string
	Type           Type
}

// Key returns the dedupe key of a.
func (a Alert) Key() Key {
	return Key{OrganizationID: a.OrganizationID, Metric: a.Metric, Type: a.Type}
}

// OpenStatuses are the statuses that occupy an alert's key. An ignored
// alert keeps its key so the breach it muted is not raised again; it
// resolves like any other open alert once the signal clears.
var OpenStatuses = []Status{StatusActive, StatusAcknowledged, StatusIgnored}

// IsOpen reports whether an alert in status s occupies its key.
func IsOpen(s Status) bool {
	return s == StatusActive || s == StatusAcknowledged || s == StatusIgnored
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusAcknowledged, StatusIgnored:
		return from == StatusActive
	case StatusResolved:
		return IsOpen(from)
	}
	return false
}

// Apply returns a after moving it to status to at time at.
func Apply(a Alert, to Status, actor string, at time.Time) Alert {
	a.Status = to
	a.UpdatedAt = at
	switch to {
	case StatusAcknowledged:
		a.AcknowledgedAt = at
		a.AcknowledgedBy = actor
	case StatusResolved:
		a.ResolvedAt = at
	}
	return a
}

// Ladder holds the alert thresholds.
type Ladder struct {
	Warning           float64 // percent of limit
	Critical          float64 // percent of limit
	UnusualMultiplier float64 // today vs recent daily average
	CostSpikeRatio    float64 // projected vs previous period cost
	RateLimitClear    int     // consecutive runs without denials before a rate_limit alert clears
}

// DefaultLadder returns the default thresholds.
func DefaultLadder() Ladder {
	return Ladder{Warning: 80, Critical: 100, UnusualMultiplier: 3, CostSpikeRatio: 2, RateLimitClear: 3}
}

// Signal is the evaluated state of one alert key on one run.
type Signal struct {
	Key
	Breached  bool
	Threshold float64
	Value     float64
	Message   string
}

// New opens an alert for a breached signal.
func New(id string, s Signal, now time.Time) Alert {
	return Alert{
		ID:             id,
		OrganizationID: s.OrganizationID,
		Metric:         s.Metric,
		Type:           s.Type,
		Status:         StatusActive,
		Threshold:      s.Threshold,
		CurrentValue:   s.Value,
		Message:        s.Message,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// QuotaSignals evaluates the percentage ladder for one metric. Unlimited
// metrics yield unbreached signals so stale alerts resolve.
// This is a PURE function.
func QuotaSignals(org string, ms quota.MetricStatus, allowOverage bool, l Ladder) []Signal {
	metric := string(ms.Metric)
	pct := ms.Percentage
	limited := ms.Limit > 0

	sig := func(t Type, threshold float64, breached bool) Signal {
		return Signal{
			Key:       Key{OrganizationID: org, Metric: metric, Type: t},
			Breached:  limited && breached,
			Threshold: threshold,
			Value:     pct,
			Message:   fmt.Sprintf("%s at %.1f%% of limit (%d/%d)", metric, pct, ms.Used, ms.Limit),
		}
	}
	return []Signal{
		sig(TypeWarning, l.Warning, pct >= l.Warning),
		sig(TypeCritical, l.Critical, pct >= l.Critical),
		sig(TypeQuotaExceeded, 100, pct > 100 && !allowOverage),
	}
}

// RateLimitSignal is breached when admissions were denied since the last
// run, and stays breached for the quiet runs that follow until cleanRuns
// reaches the ladder's RateLimitClear.
func RateLimitSignal(org string, m usage.Metric, denials int64, cleanRuns int, l Ladder) Signal {
	return Signal{
		Key:      Key{OrganizationID: org, Metric: string(m), Type: TypeRateLimit},
		Breached: denials > 0 || cleanRuns < l.RateLimitClear,
		Value:    float64(denials),
		Message:  fmt.Sprintf("%s: %d requests denied by rate limit", m, denials),
	}
}

// UnusualSignal is breached when the last 24h exceeds the multiplier times
// the recent daily average. No history means no baseline and no breach.
func UnusualSignal(org string, m usage.Metric, today, dailyAverage float64, l Ladder) Signal {
	threshold := dailyAverage * l.UnusualMultiplier
	return Signal{
		Key:       Key{OrganizationID: org, Metric: string(m), Type: TypeUnusualActivity},
		Breached:  dailyAverage > 0 && l.UnusualMultiplier > 0 && today > threshold,
		Threshold: threshold,
		Value:     today,
		Message:   fmt.Sprintf("%s: %.0f in the last 24h vs %.0f daily average", m, today, dailyAverage),
	}
}

// CostSpikeSignal is breached when projected period cost exceeds the ratio
// times the previous closed period's cost.
func CostSpikeSignal(org string, projectedCents, previousCents int64, l Ladder) Signal {
	threshold := float64(previousCents) * l.CostSpikeRatio
	return Signal{
		Key:       Key{OrganizationID: org, Metric: MetricTotal, Type: TypeCostSpike},
		Breached:  previousCents > 0 && l.CostSpikeRatio > 0 && float64(projectedCents) > threshold,
		Threshold: threshold,
		Value:     float64(projectedCents),
		Message:   fmt.Sprintf("projected cost %d cents vs %d cents last period", projectedCents, previousCents),
	}
}

// Reconcile compares open alerts with this run's signals. Breached keys
// without an open alert are returned for creation; open alerts whose
// signal is no longer breached are returned for resolution. Keys with no
// signal this run are left alone.
// This is a PURE function.
func Reconcile(open []Alert, signals []Signal) (create []Signal, resolve []Alert) {
	byKey := make(map[Key]Alert, len(open))
	for _, a := range open {
		if IsOpen(a.Status) {
			byKey[a.Key()] = a
		}
	}
	for _, s := range signals {
		a, isOpen := byKey[s.Key]
		switch {
		case s.Breached && !isOpen:
			create = append(create, s)
		case !s.Breached && isOpen:
			resolve = append(resolve, a)
		}
	}
	return create, resolve
}
