package plan_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/ratelimit"
	"github.com/artpar/meterd/domain/usage"
)

func starter() plan.Plan {
	return plan.Plan{
		ID:                "starter",
		BillingCycle:      usage.CycleMonthly,
		APICallsPerMinute: 60,
		APICallsPerDay:    1000,
		StorageGB:         5,
		ComputeHours:      10,
		Limits:            map[usage.Metric]int64{usage.MetricChatbotMessages: 2000},
		OverageRateCents:  1,
	}
}

func TestRules_APICalls(t *testing.T) {
	rules := plan.Rules(starter(), usage.MetricAPICalls)
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	if rules[0].Scope != ratelimit.ScopeMinute || rules[0].Kind != ratelimit.KindRate || rules[0].Limit != 60 {
		t.Errorf("minute rule = %+v", rules[0])
	}
	if rules[1].Scope != ratelimit.ScopeDay || rules[1].Kind != ratelimit.KindQuota || rules[1].Limit != 1000 {
		t.Errorf("day rule = %+v", rules[1])
	}
}

func TestRules_PeriodMetrics(t *testing.T) {
	p := starter()
	tests := []struct {
		metric usage.Metric
		want   int64
	}{
		{usage.MetricStorageBytes, 5 * plan.GB},
		{usage.MetricComputeSeconds, 36000},
		{usage.MetricChatbotMessages, 2000},
	}
	for _, tt := range tests {
		rules := plan.Rules(p, tt.metric)
		if len(rules) != 1 || rules[0].Scope != ratelimit.ScopePeriod || rules[0].Limit != tt.want {
			t.Errorf("Rules(%s) = %+v, want period limit %d", tt.metric, rules, tt.want)
		}
	}
	if rules := plan.Rules(p, usage.MetricEmailsSent); len(rules) != 0 {
		t.Errorf("unlimited metric should have no rules, got %+v", rules)
	}
}

func TestPrimaryRule(t *testing.T) {
	r, ok := plan.PrimaryRule(starter(), usage.MetricAPICalls)
	if !ok || r.Scope != ratelimit.ScopeDay {
		t.Errorf("primary api_calls rule = %+v, %v", r, ok)
	}
	if _, ok := plan.PrimaryRule(starter(), usage.MetricBandwidthBytes); ok {
		t.Error("bandwidth is unlimited in starter")
	}
}

func TestIncluded(t *testing.T) {
	p := starter()
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if got := plan.Included(p, usage.MetricAPICalls, start, end); got != 29000 {
		t.Errorf("included api_calls (Feb 2024) = %d, want 29000", got)
	}
	if got := plan.Included(p, usage.MetricAPICalls, start, start.AddDate(0, 0, 1)); got != 1000 {
		t.Errorf("included api_calls (1 day) = %d, want 1000", got)
	}
	if got := plan.Included(p, usage.MetricEmailsSent, start, end); got != -1 {
		t.Errorf("included emails = %d, want -1", got)
	}
}

func TestOverageRate_FallsBackToPlanRate(t *testing.T) {
	p := starter()
	if pr := plan.OverageRate(p, usage.MetricAPICalls); pr.OverageCents != 1 || pr.UnitSize != 1 {
		t.Errorf("fallback rate = %+v", pr)
	}
	p.Prices = map[usage.Metric]plan.Price{usage.MetricStorageBytes: {UnitSize: plan.GB, OverageCents: 25}}
	if pr := plan.OverageRate(p, usage.MetricStorageBytes); pr.OverageCents != 25 || pr.UnitSize != plan.GB {
		t.Errorf("storage rate = %+v", pr)
	}
}

func TestValidate(t *testing.T) {
	p := starter()
	if err := plan.Validate(p); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
	p.BillingCycle = "weekly"
	if err := plan.Validate(p); err == nil {
		t.Error("expected invalid cycle to be rejected")
	}
	p = starter()
	p.Limits = map[usage.Metric]int64{"gpu": 1}
	if err := plan.Validate(p); err == nil {
		t.Error("expected unknown metric to be rejected")
	}
}

func TestCatalog(t *testing.T) {
	pro := starter()
	pro.ID = "pro"
	c, err := plan.NewCatalog([]plan.Plan{starter(), pro}, "starter")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if d, ok := c.Default(); !ok || d.ID != "starter" {
		t.Errorf("default = %q, %v", d.ID, ok)
	}
	if list := c.List(); len(list) != 2 || list[0].ID != "pro" {
		t.Errorf("List() = %v", list)
	}

	if _, err := plan.NewCatalog([]plan.Plan{starter(), starter()}, ""); err == nil {
		t.Error("expected duplicate plan ids to be rejected")
	}
	if _, err := plan.NewCatalog([]plan.Plan{starter()}, "enterprise"); err == nil {
		t.Error("expected missing default to be rejected")
	}
}

func TestFindPlan(t *testing.T) {
	if _, ok := plan.FindPlan([]plan.Plan{starter()}, "starter"); !ok {
		t.Error("expected to find starter")
	}
	if _, ok := plan.FindPlan(nil, "starter"); ok {
		t.Error("expected miss on empty list")
	}
}
