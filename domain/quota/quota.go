// Package quota provides pure functions for quota reporting.
// All functions are deterministic with no side effects.
package quota

import (
	"time"

	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
)

// MetricStatus is the quota position of one metric at reporting time.
// Limit and Remaining are -1 when the metric is unlimited.
type MetricStatus struct {
	Metric     usage.Metric    `json:"metric"`
	Used       int64           `json:"used"`
	Limit      int64           `json:"limit"`
	Remaining  int64           `json:"remaining"`
	Percentage float64         `json:"percentage"`
	Scope      ratelimit.Scope `json:"window,omitempty"`
	ResetAt    time.Time       `json:"resetAt,omitzero"`
	OverQuota  bool            `json:"overQuota"`
}

// Status is the quota position of every metric for one organization.
type Status struct {
	OrganizationID string         `json:"organizationId"`
	PlanID         string         `json:"planId"`
	AllowOverage   bool           `json:"allowOverage"`
	PeriodStart    time.Time      `json:"periodStart"`
	PeriodEnd      time.Time      `json:"periodEnd"`
	Metrics        []MetricStatus `json:"metrics"`
	GeneratedAt    time.Time      `json:"generatedAt"`
}

// Metric returns the status of m.
func (s Status) Metric(m usage.Metric) (MetricStatus, bool) {
	for _, ms := range s.Metrics {
		if ms.Metric == m {
			return ms, true
		}
	}
	return MetricStatus{}, false
}

// Percent returns used/limit*100. It is not capped, so a tier that
// allows overage reports values above 100.
func Percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) * 100 / float64(limit)
}

// Compute derives a metric status from an observation of its primary rule.
// This is a PURE function.
func Compute(m usage.Metric, o ratelimit.Observation, now time.Time) MetricStatus {
	if o.Rule.Limit <= 0 {
		return Unlimited(m, o.Used)
	}
	remaining := o.Rule.Limit - o.Used
	if remaining < 0 {
		remaining = 0
	}
	ms := MetricStatus{
		Metric:     m,
		Used:       o.Used,
		Limit:      o.Rule.Limit,
		Remaining:  remaining,
		Percentage: Percent(o.Used, o.Rule.Limit),
		Scope:      o.Rule.Scope,
		OverQuota:  o.Used > o.Rule.Limit,
	}
	if o.ResetIn > 0 {
		ms.ResetAt = now.Add(o.ResetIn)
	}
	return ms
}

// Unlimited is the status of a metric with no quota rule.
func Unlimited(m usage.Metric, used int64) MetricStatus {
	return MetricStatus{Metric: m, Used: used, Limit: -1, Remaining: -1}
}
