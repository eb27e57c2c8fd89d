package usage

import "time"

// CostStatus says whether a record's estimated cost could be computed.
type CostStatus string

const (
	CostComputed    CostStatus = "computed"
	CostUnavailable CostStatus = "unavailable"
)

// Cost is an estimated cost in integer cents with an explicit status.
type Cost struct {
	Status CostStatus `json:"status"`
	Cents  int64      `json:"cents"`
}

// Record is the closed-period usage for one organization. Records are
// append-only: a correction is a new Record with Revision+1 whose
// Supersedes field names the previous revision.
type Record struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	PlanID         string    `json:"planId"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	Counts         Counts    `json:"counts"`
	EstimatedCost  Cost      `json:"estimatedCost"`
	Revision       int       `json:"revision"`
	Supersedes     string    `json:"supersedes,omitempty"`
	LastSeq        int64     `json:"lastSeq"` // highest event sequence folded into Counts
	CreatedAt      time.Time `json:"createdAt"`
}

// Key returns the (org, period) tuple the record belongs to.
func (r Record) Key() PeriodKey {
	return PeriodKey{OrganizationID: r.OrganizationID, PeriodStart: r.PeriodStart, PeriodEnd: r.PeriodEnd}
}

// Days returns the number of days the record covers.
func (r Record) Days() int64 {
	return Days(r.PeriodStart, r.PeriodEnd)
}

// Revise returns the next revision of r with the given counts. The caller
// assigns the new ID and cost.
func (r Record) Revise(id string, counts Counts, at time.Time) Record {
	next := r
	next.ID = id
	next.Counts = counts
	next.Revision = r.Revision + 1
	next.Supersedes = r.ID
	next.CreatedAt = at
	return next
}
