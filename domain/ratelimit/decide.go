package ratelimit

import (
	"time"

	"github.com/artpar/meterd/domain/usage"
)

// Scope names the window a rule is evaluated against.
type Scope string

const (
	ScopeMinute Scope = "minute"
	ScopeDay    Scope = "day"
	ScopePeriod Scope = "period"
)

// Kind separates hard rate limits from quotas that may allow overage.
type Kind string

const (
	KindRate  Kind = "rate"
	KindQuota Kind = "quota"
)

// Rule is a single limit on one metric.
type Rule struct {
	Scope Scope
	Kind  Kind
	Limit int64
}

// Observation is a rule together with what its window currently holds.
type Observation struct {
	Rule    Rule
	Used    int64
	ResetIn time.Duration // until the oldest bucket expires, or until period end
}

// Denial reasons.
const (
	ReasonRateLimited   = "rate_limit_exceeded"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonLookupFailed  = "limit_lookup_failed"
)

// Status is the outcome of an admission check.
// Remaining is -1 when no rule limits the metric.
type Status struct {
	Admitted   bool          `json:"admitted"`
	Metric     usage.Metric  `json:"metric"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt,omitzero"`
	RetryAfter time.Duration `json:"-"`
	RetrySecs  int64         `json:"retryAfter,omitempty"`
	Scope      Scope         `json:"window,omitempty"`
	Overage    bool          `json:"overage"`
	Reason     string        `json:"reason,omitempty"`
}

// Decide admits a request of quantity n iff every rule has room for it,
// or every failing rule is a quota and overage is allowed.
// Remaining reports the tightest rule before the request when denied and
// after it when admitted, floored at zero.
// This is a PURE function.
func Decide(metric usage.Metric, obs []Observation, n int64, allowOverage bool, now time.Time) Status {
	st := Status{Admitted: true, Metric: metric, Remaining: -1}

	var binding *Observation
	var bindingRemaining int64
	for i := range obs {
		o := &obs[i]
		if o.Rule.Limit <= 0 {
			continue
		}
		remaining := o.Rule.Limit - o.Used
		if remaining < 0 {
			remaining = 0
		}

		if n > remaining {
			if o.Rule.Kind == KindRate || !allowOverage {
				return deny(metric, o, remaining, now)
			}
			st.Overage = true
		}

		if binding == nil || remaining < bindingRemaining {
			binding = o
			bindingRemaining = remaining
		}
	}

	if binding == nil {
		return st
	}

	after := bindingRemaining - n
	if after < 0 {
		after = 0
	}
	st.Limit = binding.Rule.Limit
	st.Remaining = after
	st.Scope = binding.Rule.Scope
	st.ResetAt = now.Add(binding.ResetIn)
	return st
}

func deny(metric usage.Metric, o *Observation, remaining int64, now time.Time) Status {
	reason := ReasonQuotaExceeded
	if o.Rule.Kind == KindRate {
		reason = ReasonRateLimited
	}
	retry := o.ResetIn
	if retry <= 0 {
		retry = time.Second
	}
	return Status{
		Metric:     metric,
		Limit:      o.Rule.Limit,
		Remaining:  remaining,
		ResetAt:    now.Add(o.ResetIn),
		RetryAfter: retry,
		RetrySecs:  ceilSeconds(retry),
		Scope:      o.Rule.Scope,
		Reason:     reason,
	}
}

// LookupFailed is the fail-closed status used when the tier cannot be resolved.
func LookupFailed(metric usage.Metric) Status {
	return Status{Metric: metric, Reason: ReasonLookupFailed, RetryAfter: time.Second, RetrySecs: 1}
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
