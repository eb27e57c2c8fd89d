package usage

import "time"

// Freshness qualifies how current a dashboard payload is.
type Freshness string

const (
	FreshnessNoData Freshness = "no_data"
	FreshnessStale  Freshness = "stale"
	FreshnessLive   Freshness = "live"
)

// PredictionStatus explains an exhaustion prediction.
type PredictionStatus string

const (
	PredictionExhausts  PredictionStatus = "exhausts"  // limit reached before period end
	PredictionSafe      PredictionStatus = "safe"      // current growth stays under the limit this period
	PredictionExhausted PredictionStatus = "exhausted" // already at or over the limit
)

// Prediction estimates when a metric's period allowance runs out.
type Prediction struct {
	Status     PredictionStatus `json:"status"`
	ExhaustsAt time.Time        `json:"exhaustsAt,omitzero"`
}

// Snapshot is the point-in-time dashboard view of an organization's usage.
// Predictions are nil for metrics with no limit or with flat or falling
// growth across closed periods.
type Snapshot struct {
	OrganizationID string                 `json:"organizationId"`
	PlanID         string                 `json:"planId"`
	PeriodStart    time.Time              `json:"periodStart"`
	PeriodEnd      time.Time              `json:"periodEnd"`
	Current        Counts                 `json:"current"`
	Limits         Counts                 `json:"limits"`
	Percentages    map[Metric]float64     `json:"percentages"`
	Predictions    map[Metric]*Prediction `json:"predictions"`
	TeamMembers    int                    `json:"teamMembersLimit"`
	Projects       int                    `json:"projectsLimit"`
	Freshness      Freshness              `json:"freshness"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}
