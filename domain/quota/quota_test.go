package quota_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
)

var now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func obs(used, limit int64) ratelimit.Observation {
	return ratelimit.Observation{
		Rule:    ratelimit.Rule{Scope: ratelimit.ScopeDay, Kind: ratelimit.KindQuota, Limit: limit},
		Used:    used,
		ResetIn: time.Hour,
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		used      int64
		limit     int64
		remaining int64
		pct       float64
		over      bool
	}{
		{"empty", 0, 1000, 1000, 0, false},
		{"warning", 800, 1000, 200, 80, false},
		{"at limit", 1000, 1000, 0, 100, false},
		{"overage", 1500, 1000, 0, 150, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := quota.Compute(usage.MetricAPICalls, obs(tt.used, tt.limit), now)
			if ms.Remaining != tt.remaining {
				t.Errorf("remaining = %d, want %d", ms.Remaining, tt.remaining)
			}
			if ms.Percentage != tt.pct {
				t.Errorf("percentage = %v, want %v", ms.Percentage, tt.pct)
			}
			if ms.OverQuota != tt.over {
				t.Errorf("overQuota = %v, want %v", ms.OverQuota, tt.over)
			}
			if !ms.ResetAt.Equal(now.Add(time.Hour)) {
				t.Errorf("resetAt = %v", ms.ResetAt)
			}
		})
	}
}

func TestCompute_Unlimited(t *testing.T) {
	ms := quota.Compute(usage.MetricEmailsSent, obs(42, 0), now)
	if ms.Limit != -1 || ms.Remaining != -1 || ms.Percentage != 0 {
		t.Errorf("unlimited status = %+v", ms)
	}
	if ms.Used != 42 {
		t.Errorf("used = %d, want 42", ms.Used)
	}
}

func TestStatus_Metric(t *testing.T) {
	s := quota.Status{Metrics: []quota.MetricStatus{quota.Unlimited(usage.MetricAPICalls, 1)}}
	if _, ok := s.Metric(usage.MetricAPICalls); !ok {
		t.Error("expected api_calls")
	}
	if _, ok := s.Metric(usage.MetricEmailsSent); ok {
		t.Error("unexpected emails_sent")
	}
}
