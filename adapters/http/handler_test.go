package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	apihttp "github.com/artpar/meterd/adapters/http"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router  chi.Router
	clock   *clock.Fake
	alerts  *memory.AlertStore
	records *memory.RecordStore
	plans   *app.PlanResolver
	metrics *metrics.Collector
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	catalog, err := plan.NewCatalog([]plan.Plan{
		{ID: "free", Name: "Free", BillingCycle: usage.CycleMonthly, APICallsPerMinute: 1000, APICallsPerDay: 10000, BaseCents: 0},
		{ID: "burst", Name: "Burst", BillingCycle: usage.CycleMonthly, APICallsPerMinute: 10, APICallsPerDay: 100000},
	}, "free")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	logger := zerolog.Nop()
	clk := clock.NewFake(baseTime)
	ids := idgen.NewSequential("id")
	counters := memory.NewCounterStore(memory.CounterStoreConfig{NumShards: 4})
	records := memory.NewRecordStore()
	alerts := memory.NewAlertStore()
	adjustments := memory.NewAdjustmentStore()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	plans := app.NewPlanResolver(memory.NewSubscriptionStore(), catalog, clk)
	journal := app.NewJournal(memory.NewEventLog(), app.JournalConfig{}, logger, m)
	t.Cleanup(func() { _ = journal.Close() })

	collector := app.NewCollector(app.CollectorDeps{
		Counters:    counters,
		Idempotency: memory.NewIdempotencyStore(memory.IdempotencyConfig{}),
		Journal:     journal,
		Plans:       plans,
		Sequence:    &idgen.Counter{},
		Clock:       clk,
		Logger:      logger,
		Metrics:     m,
	}, app.CollectorConfig{})
	evaluator := app.NewEvaluator(app.EvaluatorDeps{Counters: counters, Plans: plans, Clock: clk, Logger: logger, Metrics: m})
	costs := app.NewCostService(records, counters, adjustments, plans, clk)
	alertSvc := app.NewAlertService(app.AlertDeps{
		Alerts:    alerts,
		Counters:  counters,
		Records:   records,
		Evaluator: evaluator,
		Costs:     costs,
		IDs:       ids,
		Clock:     clk,
		Logger:    logger,
	}, app.AlertConfig{})

	forecaster := app.NewForecaster(records, memory.NewTTLCache[app.TrendKey, trend.Trend](clk), clk, logger, app.ForecasterConfig{})
	snapshots := app.NewSnapshotService(app.SnapshotDeps{
		Counters:   counters,
		Records:    records,
		Forecaster: forecaster,
		Plans:      plans,
		Cache:      memory.NewTTLCache[string, usage.Snapshot](clk),
		Clock:      clk,
		Logger:     logger,
	}, 0)

	handler := apihttp.NewHandler(apihttp.Deps{
		Collector:  collector,
		Evaluator:  evaluator,
		Snapshots:  snapshots,
		Forecaster: forecaster,
		Alerts:     alertSvc,
		Costs:      costs,
		Records:    records,
		Logger:     logger,
	})

	router := apihttp.NewRouter(logger, apihttp.RouterConfig{
		Usage:          handler,
		Metrics:        m,
		MetricsHandler: http.NotFoundHandler(),
		EnableOpenAPI:  true,
	})

	return &testServer{router: router, clock: clk, alerts: alerts, records: records, plans: plans, metrics: m}
}

type document struct {
	Data   json.RawMessage `json:"data"`
	Meta   map[string]any  `json:"meta"`
	Errors []struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Source *struct {
			Pointer   string `json:"pointer"`
			Parameter string `json:"parameter"`
		} `json:"source"`
	} `json:"errors"`
}

func (s *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, document) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var doc document
	if strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode %s %s: %v (body %s)", method, target, err, rec.Body.String())
		}
	}
	return rec, doc
}

func eventBody(org, metric string, qty any, key string) string {
	return fmt.Sprintf(`{"organizationId":%q,"metric":%q,"quantity":%v,"idempotencyKey":%q}`, org, metric, qty, key)
}

func TestRecordEvent_AcceptedAndDuplicate(t *testing.T) {
	s := setupTestServer(t)

	rec, doc := s.do(t, "POST", "/usage/events", eventBody("org-1", "api_calls", 5, "k-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body: %s", rec.Code, rec.Body.String())
	}
	var receipt app.Receipt
	if err := json.Unmarshal(doc.Data, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Duplicate || receipt.Seq == 0 {
		t.Errorf("receipt = %+v, want fresh event with sequence", receipt)
	}

	rec, doc = s.do(t, "POST", "/usage/events", eventBody("org-1", "api_calls", 5, "k-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d, want 202", rec.Code)
	}
	json.Unmarshal(doc.Data, &receipt)
	if !receipt.Duplicate {
		t.Error("expected duplicate receipt")
	}

	rec, doc = s.do(t, "POST", "/usage/events", eventBody("org-1", "api_calls", 6, "k-1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatched duplicate status = %d, want 409", rec.Code)
	}
	if len(doc.Errors) != 1 || doc.Errors[0].Code != "duplicate_event" {
		t.Errorf("errors = %+v, want duplicate_event", doc.Errors)
	}
}

func TestRecordEvent_Validation(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name    string
		body    string
		code    string
		pointer string
	}{
		{"unknown metric", eventBody("org-1", "widgets", 1, "k"), usage.ReasonUnknownMetric, "/metric"},
		{"negative quantity", eventBody("org-1", "api_calls", -1, "k"), usage.ReasonInvalidQuantity, "/quantity"},
		{"fractional quantity", eventBody("org-1", "api_calls", 1.5, "k"), usage.ReasonInvalidQuantity, "/quantity"},
		{"missing org", eventBody("", "api_calls", 1, "k"), usage.ReasonMissingOrganization, "/organizationId"},
		{"missing key", eventBody("org-1", "api_calls", 1, ""), usage.ReasonMissingKey, "/idempotencyKey"},
		{"malformed json", `{"organizationId":`, "bad_request", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, doc := s.do(t, "POST", "/usage/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body: %s", rec.Code, rec.Body.String())
			}
			if len(doc.Errors) != 1 || doc.Errors[0].Code != tt.code {
				t.Fatalf("errors = %+v, want code %s", doc.Errors, tt.code)
			}
			if tt.pointer != "" && (doc.Errors[0].Source == nil || doc.Errors[0].Source.Pointer != tt.pointer) {
				t.Errorf("source = %+v, want pointer %s", doc.Errors[0].Source, tt.pointer)
			}
		})
	}
}

func TestCheck_AdmitThenDeny(t *testing.T) {
	s := setupTestServer(t)
	if _, err := s.plans.Assign(context.Background(), "org-1", "burst"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	check := `{"organizationId":"org-1","metric":"api_calls","quantity":%d}`

	rec, doc := s.do(t, "POST", "/usage/check", fmt.Sprintf(check, 10))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	var status struct {
		Admitted  bool  `json:"admitted"`
		Remaining int64 `json:"remaining"`
	}
	json.Unmarshal(doc.Data, &status)
	if !status.Admitted || status.Remaining != 0 {
		t.Errorf("status = %+v, want admitted with nothing remaining", status)
	}

	rec, doc = s.do(t, "POST", "/usage/check", fmt.Sprintf(check, 1))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	json.Unmarshal(doc.Data, &status)
	if status.Admitted {
		t.Error("denied check reported admitted")
	}
}

func TestCheck_InvalidMetric(t *testing.T) {
	s := setupTestServer(t)

	rec, doc := s.do(t, "POST", "/usage/check", `{"organizationId":"org-1","metric":"nope","quantity":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if doc.Errors[0].Code != usage.ReasonUnknownMetric {
		t.Errorf("code = %s, want %s", doc.Errors[0].Code, usage.ReasonUnknownMetric)
	}
}

func TestReadEndpoints(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, "POST", "/usage/events", eventBody("org-1", "api_calls", 7, "k-1"))

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"snapshot", "/usage/snapshot?org=org-1", http.StatusOK},
		{"snapshot without org", "/usage/snapshot", http.StatusBadRequest},
		{"quota", "/usage/quota?org=org-1", http.StatusOK},
		{"quota without org", "/usage/quota", http.StatusBadRequest},
		{"trend", "/usage/trend?org=org-1&metric=api_calls&period=weekly&lookback=4", http.StatusOK},
		{"trend unknown metric", "/usage/trend?org=org-1&metric=nope", http.StatusBadRequest},
		{"trend bad period", "/usage/trend?org=org-1&metric=api_calls&period=hourly", http.StatusBadRequest},
		{"trend bad lookback", "/usage/trend?org=org-1&metric=api_calls&lookback=-2", http.StatusBadRequest},
		{"records", "/usage/records?org=org-1", http.StatusOK},
		{"records without org", "/usage/records", http.StatusBadRequest},
		{"alerts", "/usage/alerts?org=org-1&status=active", http.StatusOK},
		{"alerts bad status", "/usage/alerts?org=org-1&status=sleeping", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, "GET", tt.target, "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d, body: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestCost_OpenAndUnknownPeriod(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, "POST", "/usage/events", eventBody("org-1", "api_calls", 7, "k-1"))

	rec, doc := s.do(t, "GET", "/usage/cost?org=org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	var cost struct {
		Provisional bool `json:"provisional"`
	}
	json.Unmarshal(doc.Data, &cost)
	if !cost.Provisional {
		t.Error("open period cost should be provisional")
	}

	rec, _ = s.do(t, "GET", "/usage/cost?org=org-1&periodStart=2023-06-01&periodEnd=2023-07-01", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec, _ = s.do(t, "GET", "/usage/cost?org=org-1&periodStart=2023-06-01", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("half-open bounds status = %d, want 400", rec.Code)
	}
}

func TestAlertActions(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	_, _, err := s.alerts.CreateIfAbsent(ctx, alert.Alert{
		ID:             "a-1",
		OrganizationID: "org-1",
		Metric:         string(usage.MetricAPICalls),
		Type:           alert.TypeWarning,
		Status:         alert.StatusActive,
		Threshold:      80,
		CurrentValue:   85,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	rec, doc := s.do(t, "POST", "/usage/alerts/a-1/acknowledge", `{"actor":"ops@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	var got alert.Alert
	json.Unmarshal(doc.Data, &got)
	if got.Status != alert.StatusAcknowledged || got.AcknowledgedBy != "ops@example.com" {
		t.Errorf("alert = %+v", got)
	}

	rec, _ = s.do(t, "POST", "/usage/alerts/a-1/acknowledge", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("repeat acknowledge status = %d, want 409", rec.Code)
	}

	rec, _ = s.do(t, "POST", "/usage/alerts/missing/ignore", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown alert status = %d, want 404", rec.Code)
	}

	rec, doc = s.do(t, "GET", "/usage/alerts?org=org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if doc.Meta["total"] != float64(1) {
		t.Errorf("total = %v, want 1", doc.Meta["total"])
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"backpressure", fmt.Errorf("enqueue: %w", app.ErrBackpressure), 503, "backpressure"},
		{"lookup", fmt.Errorf("%w: store down", app.ErrLimitLookup), 503, "limit_lookup_failed"},
		{"duplicate", app.ErrDuplicateEvent, 409, "duplicate_event"},
		{"not found", fmt.Errorf("record: %w", ports.ErrNotFound), 404, "not_found"},
		{"conflict", ports.ErrConflict, 409, "conflict"},
		{"invalid", &app.InvalidInputError{Field: "metric", Reason: "unknown_metric"}, 400, "unknown_metric"},
		{"other", errors.New("boom"), 500, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := apihttp.ErrorFor(tt.err)
			if e.StatusCode() != tt.status || e.Code != tt.code {
				t.Errorf("ErrorFor = %d/%s, want %d/%s", e.StatusCode(), e.Code, tt.status, tt.code)
			}
		})
	}
}

func TestRouter_HealthAndDocs(t *testing.T) {
	s := setupTestServer(t)

	for _, path := range []string{"/health", "/health/ready", "/openapi.json", "/version"} {
		rec, _ := s.do(t, "GET", path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}

	rec, _ := s.do(t, "GET", "/openapi.json", "")
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("openapi.json is not JSON: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/usage/events"]; !ok {
		t.Error("openapi document is missing /usage/events")
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	router := apihttp.NewRouter(zerolog.Nop(), apihttp.RouterConfig{
		Health: apihttp.NewHealthHandler(apihttp.HealthCheck{
			Name:  "database",
			Check: func(context.Context) error { return errors.New("disk full") },
		}),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database") {
		t.Errorf("body = %s, want failing check name", rec.Body.String())
	}
}

func TestMetricsMiddleware_LabelsByRoutePattern(t *testing.T) {
	s := setupTestServer(t)

	s.do(t, "POST", "/usage/alerts/a-1/ignore", "")
	s.do(t, "POST", "/usage/alerts/a-2/ignore", "")
	s.do(t, "GET", "/health", "")

	got := testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("POST", "/usage/alerts/{id}/ignore", "4xx"))
	if got != 2 {
		t.Errorf("requests for pattern = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(s.metrics.RequestsTotal); n != 1 {
		t.Errorf("label sets = %d, want 1 (health is not instrumented)", n)
	}
}
