package usage_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/usage"
)

var baseTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func TestParseMetric(t *testing.T) {
	if m, ok := usage.ParseMetric("api_calls"); !ok || m != usage.MetricAPICalls {
		t.Errorf("ParseMetric(api_calls) = %q, %v", m, ok)
	}
	if _, ok := usage.ParseMetric("gpu_hours"); ok {
		t.Error("expected unknown metric to be rejected")
	}
}

func TestMetric_Product(t *testing.T) {
	tests := []struct {
		metric usage.Metric
		want   string
	}{
		{usage.MetricChatbotMessages, usage.ProductChatbot},
		{usage.MetricEmailsSent, usage.ProductOutreach},
		{usage.MetricEnrichmentRequests, usage.ProductEnrichment},
		{usage.MetricSetupAgentSessions, usage.ProductSetupAgent},
		{usage.MetricAPICalls, usage.ProductPlatform},
	}
	for _, tt := range tests {
		if got := tt.metric.Product(); got != tt.want {
			t.Errorf("%s.Product() = %q, want %q", tt.metric, got, tt.want)
		}
	}
}

func TestPeriodBounds(t *testing.T) {
	start, end := usage.PeriodBounds(usage.CycleMonthly, baseTime)
	if !start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly start = %v", start)
	}
	if !end.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly end = %v", end)
	}

	start, end = usage.PeriodBounds(usage.CycleDaily, baseTime)
	if !start.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily start = %v", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("daily length = %v, want 24h", end.Sub(start))
	}
}

func TestDays(t *testing.T) {
	start, end := usage.PeriodBounds(usage.CycleMonthly, baseTime)
	if got := usage.Days(start, end); got != 31 {
		t.Errorf("Days(march) = %d, want 31", got)
	}
	if got := usage.Days(end, start); got != 0 {
		t.Errorf("Days(reversed) = %d, want 0", got)
	}
}

func TestValidate(t *testing.T) {
	valid := usage.Event{
		OrganizationID: "org-1",
		Metric:         usage.MetricAPICalls,
		Quantity:       1,
		IdempotencyKey: "req-1",
		Timestamp:      baseTime,
	}

	tests := []struct {
		name   string
		mutate func(e *usage.Event)
		reason string
	}{
		{"valid", func(e *usage.Event) {}, ""},
		{"zero quantity", func(e *usage.Event) { e.Quantity = 0 }, ""},
		{"missing org", func(e *usage.Event) { e.OrganizationID = "" }, usage.ReasonMissingOrganization},
		{"unknown metric", func(e *usage.Event) { e.Metric = "gpu" }, usage.ReasonUnknownMetric},
		{"negative quantity", func(e *usage.Event) { e.Quantity = -1 }, usage.ReasonInvalidQuantity},
		{"missing key", func(e *usage.Event) { e.IdempotencyKey = "" }, usage.ReasonMissingKey},
		{"future", func(e *usage.Event) { e.Timestamp = baseTime.Add(2 * time.Minute) }, usage.ReasonFutureTimestamp},
		{"slight skew", func(e *usage.Event) { e.Timestamp = baseTime.Add(30 * time.Second) }, ""},
		{"too old", func(e *usage.Event) { e.Timestamp = baseTime.Add(-8 * 24 * time.Hour) }, usage.ReasonTooOld},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			got := usage.Validate(e, baseTime, 7*24*time.Hour)
			if tt.reason == "" {
				if !got.Valid {
					t.Errorf("expected valid, got reason %q", got.Reason)
				}
				return
			}
			if got.Valid || got.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestFingerprint_IgnoresSequence(t *testing.T) {
	a := usage.Event{OrganizationID: "o", Metric: usage.MetricAPICalls, Quantity: 3, Timestamp: baseTime, Seq: 1}
	b := a
	b.Seq = 99
	b.ReceivedAt = baseTime.Add(time.Second)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint should not depend on sequence or arrival time")
	}
	b.Quantity = 4
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change with quantity")
	}
}

func TestFingerprint_ServerStampedTimestamp(t *testing.T) {
	a := usage.Event{OrganizationID: "o", Metric: usage.MetricAPICalls, Quantity: 1, Timestamp: baseTime, ServerStamped: true}
	b := a
	b.Timestamp = baseTime.Add(2 * time.Second)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("server-assigned timestamps changed the fingerprint")
	}

	client := a
	client.ServerStamped = false
	if client.Fingerprint() == a.Fingerprint() {
		t.Error("a caller-supplied timestamp must be part of the fingerprint")
	}
}

func TestAggregate(t *testing.T) {
	start, end := usage.PeriodBounds(usage.CycleDaily, baseTime)
	events := []usage.Event{
		{Metric: usage.MetricAPICalls, Quantity: 5, Timestamp: baseTime},
		{Metric: usage.MetricAPICalls, Quantity: 7, Timestamp: baseTime.Add(time.Hour)},
		{Metric: usage.MetricEmailsSent, Quantity: 2, Timestamp: baseTime},
		{Metric: usage.MetricAPICalls, Quantity: 100, Timestamp: end},
		{Metric: usage.MetricAPICalls, Quantity: 100, Timestamp: start.Add(-time.Nanosecond)},
	}

	counts := usage.Aggregate(events, start, end)
	if counts.Get(usage.MetricAPICalls) != 12 {
		t.Errorf("api_calls = %d, want 12", counts.Get(usage.MetricAPICalls))
	}
	if counts.Get(usage.MetricEmailsSent) != 2 {
		t.Errorf("emails_sent = %d, want 2", counts.Get(usage.MetricEmailsSent))
	}
	if counts.Total() != 14 {
		t.Errorf("total = %d, want 14", counts.Total())
	}
}

func TestRecord_Revise(t *testing.T) {
	start, end := usage.PeriodBounds(usage.CycleDaily, baseTime)
	r := usage.Record{
		ID: "rec-1", OrganizationID: "org-1", PeriodStart: start, PeriodEnd: end,
		Counts: usage.Counts{usage.MetricAPICalls: 10}, Revision: 1,
	}
	next := r.Revise("rec-2", r.Counts.Add(usage.Counts{usage.MetricAPICalls: 5}), end)

	if next.Revision != 2 || next.Supersedes != "rec-1" {
		t.Errorf("revision = %d supersedes = %q", next.Revision, next.Supersedes)
	}
	if next.Counts.Get(usage.MetricAPICalls) != 15 {
		t.Errorf("api_calls = %d, want 15", next.Counts.Get(usage.MetricAPICalls))
	}
	if r.Counts.Get(usage.MetricAPICalls) != 10 {
		t.Error("Revise must not mutate the original counts")
	}
	if next.Key() != r.Key() {
		t.Error("revision must keep the period key")
	}
}
