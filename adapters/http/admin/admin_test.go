package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/http/admin"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router      chi.Router
	plans       *app.PlanResolver
	subs        *memory.SubscriptionStore
	adjustments *memory.AdjustmentStore
	runs        atomic.Int32
}

type failingDB struct{ err error }

func (d failingDB) PingContext(context.Context) error { return d.err }

func setup(t *testing.T, db admin.Pinger) *fixture {
	t.Helper()

	catalog, err := plan.NewCatalog([]plan.Plan{
		{ID: "free", Name: "Free", BillingCycle: usage.CycleMonthly, APICallsPerDay: 1000},
		{ID: "pro", Name: "Pro", BillingCycle: usage.CycleMonthly, APICallsPerDay: 100000, AllowOverage: true},
	}, "free")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	f := &fixture{
		subs:        memory.NewSubscriptionStore(),
		adjustments: memory.NewAdjustmentStore(),
	}
	f.plans = app.NewPlanResolver(f.subs, catalog, clock.NewFake(baseTime))

	sched := app.NewScheduler(app.SchedulerConfig{}, zerolog.Nop(), nil)
	sched.Add(app.Job{Name: "rollup", Interval: time.Minute, Run: func(context.Context) error {
		f.runs.Add(1)
		return nil
	}})
	sched.Add(app.Job{Name: "broken", Interval: time.Minute, Run: func(context.Context) error {
		return errors.New("store offline")
	}})

	h := admin.NewHandler(admin.Deps{
		Plans:       f.plans,
		Adjustments: f.adjustments,
		Scheduler:   sched,
		DB:          db,
		IDs:         idgen.NewSequential("adj"),
		Logger:      zerolog.Nop(),
	})
	f.router = h.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var doc map[string]any
	json.Unmarshal(rec.Body.Bytes(), &doc)
	return rec, doc
}

func TestListPlans(t *testing.T) {
	f := setup(t, nil)

	rec, doc := f.do(t, "GET", "/plans", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	plans, _ := doc["data"].([]any)
	if len(plans) != 2 {
		t.Fatalf("plans = %d, want 2", len(plans))
	}
	first := plans[0].(map[string]any)
	if first["id"] != "free" || first["default"] != true {
		t.Errorf("first plan = %v, want default free", first)
	}
}

func TestAssignPlan(t *testing.T) {
	f := setup(t, nil)

	var invalidated []string
	f.plans.OnInvalidate(func(org string) { invalidated = append(invalidated, org) })

	rec, _ := f.do(t, "PUT", "/organizations/org-1/plan", `{"planId":"pro"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	if len(invalidated) != 1 || invalidated[0] != "org-1" {
		t.Errorf("invalidated = %v, want [org-1]", invalidated)
	}

	stored, _ := f.subs.All(context.Background())
	if len(stored) != 1 || stored[0].PlanID != "pro" {
		t.Errorf("stored = %+v", stored)
	}

	rec, doc := f.do(t, "GET", "/organizations/org-1/plan", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	data := doc["data"].(map[string]any)
	if data["planId"] != "pro" {
		t.Errorf("planId = %v, want pro", data["planId"])
	}

	rec, doc = f.do(t, "GET", "/organizations/org-2/plan", "")
	data = doc["data"].(map[string]any)
	if rec.Code != http.StatusOK || data["planId"] != "free" {
		t.Errorf("unassigned org = %d %v, want default plan", rec.Code, data["planId"])
	}
}

func TestAssignPlan_Errors(t *testing.T) {
	f := setup(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"unknown plan", `{"planId":"gold"}`, "unknown_plan"},
		{"malformed", `{"planId":`, "bad_request"},
		{"unknown field", `{"plan":"pro"}`, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, doc := f.do(t, "PUT", "/organizations/org-1/plan", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			errs := doc["errors"].([]any)
			if code := errs[0].(map[string]any)["code"]; code != tt.code {
				t.Errorf("code = %v, want %s", code, tt.code)
			}
		})
	}
}

func TestAddAdjustment(t *testing.T) {
	f := setup(t, nil)

	rec, doc := f.do(t, "POST", "/organizations/org-1/adjustments", `{"kind":"credit","amountCents":500,"description":"goodwill"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rec.Code, rec.Body.String())
	}
	data := doc["data"].(map[string]any)
	if data["id"] == "" || data["organizationId"] != "org-1" {
		t.Errorf("adjustment = %v", data)
	}

	adj, _ := f.adjustments.ForPeriod(context.Background(), usage.PeriodKey{OrganizationID: "org-1", PeriodStart: baseTime})
	if adj.CreditCents != 500 {
		t.Errorf("CreditCents = %d, want 500", adj.CreditCents)
	}

	rec, _ = f.do(t, "POST", "/organizations/org-1/adjustments", `{"kind":"rebate","amountCents":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", rec.Code)
	}

	id := data["id"].(string)
	rec, _ = f.do(t, "POST", "/organizations/org-1/adjustments", `{"id":"`+id+`","kind":"credit","amountCents":1}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate id status = %d, want 409", rec.Code)
	}
}

func TestJobs(t *testing.T) {
	f := setup(t, nil)

	rec, doc := f.do(t, "GET", "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if jobs := doc["data"].([]any); len(jobs) != 2 {
		t.Errorf("jobs = %v, want 2", jobs)
	}

	rec, _ = f.do(t, "POST", "/jobs/rollup/run", "")
	if rec.Code != http.StatusOK {
		t.Errorf("run status = %d, want 200", rec.Code)
	}
	if f.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", f.runs.Load())
	}

	rec, _ = f.do(t, "POST", "/jobs/broken/run", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failing job status = %d, want 500", rec.Code)
	}

	rec, _ = f.do(t, "POST", "/jobs/nope/run", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}
}

func TestDoctor(t *testing.T) {
	tests := []struct {
		name   string
		db     admin.Pinger
		code   int
		status string
	}{
		{"in-memory", nil, http.StatusOK, "degraded"},
		{"database up", failingDB{}, http.StatusOK, "healthy"},
		{"database down", failingDB{err: errors.New("locked")}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.db)
			rec, _ := f.do(t, "GET", "/doctor", "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			var resp admin.DoctorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.status {
				t.Errorf("doctor status = %s, want %s (checks %+v)", resp.Status, tt.status, resp.Checks)
			}
			if resp.Statistics.Plans != 2 || resp.Statistics.Jobs != 2 {
				t.Errorf("statistics = %+v", resp.Statistics)
			}
		})
	}
}
