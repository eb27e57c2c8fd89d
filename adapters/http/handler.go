// Package http provides the HTTP API of the metering engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/pkg/jsonapi"
	"github.com/artpar/meterd/ports"
)

// maxBodyBytes bounds request bodies on the usage API.
const maxBodyBytes = 1 << 20

// EventRequest is the body of POST /usage/events.
type EventRequest struct {
	OrganizationID string      `json:"organizationId"`
	Metric         string      `json:"metric"`
	Quantity       json.Number `json:"quantity"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Timestamp      time.Time   `json:"timestamp,omitzero"`
}

// CheckRequest is the body of POST /usage/check.
type CheckRequest struct {
	OrganizationID string      `json:"organizationId"`
	Metric         string      `json:"metric"`
	Quantity       json.Number `json:"quantity"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// AlertActionRequest is the optional body of the alert action endpoints.
type AlertActionRequest struct {
	Actor string `json:"actor"`
}

// Handler serves the usage API.
type Handler struct {
	collector  *app.Collector
	evaluator  *app.Evaluator
	snapshots  *app.SnapshotService
	forecaster *app.Forecaster
	alerts     *app.AlertService
	costs      *app.CostService
	records    ports.RecordStore
	logger     zerolog.Logger
}

// Deps contains dependencies for the usage API handler.
type Deps struct {
	Collector  *app.Collector
	Evaluator  *app.Evaluator
	Snapshots  *app.SnapshotService
	Forecaster *app.Forecaster
	Alerts     *app.AlertService
	Costs      *app.CostService
	Records    ports.RecordStore
	Logger     zerolog.Logger
}

// NewHandler creates a new usage API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		collector:  deps.Collector,
		evaluator:  deps.Evaluator,
		snapshots:  deps.Snapshots,
		forecaster: deps.Forecaster,
		alerts:     deps.Alerts,
		costs:      deps.Costs,
		records:    deps.Records,
		logger:     deps.Logger,
	}
}

// Router returns the usage API routes, to be mounted at /usage.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/events", h.RecordEvent)
	r.Post("/check", h.Check)
	r.Get("/snapshot", h.Snapshot)
	r.Get("/quota", h.Quota)
	r.Get("/trend", h.Trend)
	r.Get("/alerts", h.ListAlerts)
	r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
	r.Post("/alerts/{id}/ignore", h.IgnoreAlert)
	r.Get("/cost", h.Cost)
	r.Get("/records", h.ListRecords)
	return r
}

// RecordEvent accepts one usage event.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	qty, ok := parseQuantity(w, req.Quantity)
	if !ok {
		return
	}

	receipt, err := h.collector.RecordUsage(r.Context(), usage.Event{
		OrganizationID: req.OrganizationID,
		Metric:         usage.Metric(req.Metric),
		Quantity:       qty,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		h.logFailure(r, err, "record usage failed")
		WriteError(w, err)
		return
	}
	jsonapi.WriteAccepted(w, receipt)
}

// Check asks whether a quantity may be consumed and reserves it when
// admitted.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	qty, ok := parseQuantity(w, req.Quantity)
	if !ok {
		return
	}

	status, err := h.evaluator.Evaluate(r.Context(), app.EvalRequest{
		OrganizationID: req.OrganizationID,
		Metric:         usage.Metric(req.Metric),
		Quantity:       qty,
		IdempotencyKey: req.IdempotencyKey,
	})
	if errors.Is(err, app.ErrLimitLookup) {
		h.logFailure(r, err, "admission check denied")
		if status.RetrySecs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(status.RetrySecs, 10))
		}
		jsonapi.WriteError(w, ErrorFor(err).WithMeta("status", status))
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	writeCheck(w, status)
}

// Snapshot returns the organization's current usage.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Snapshot(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		h.logFailure(r, err, "snapshot failed")
		WriteError(w, err)
		return
	}
	jsonapi.WriteData(w, http.StatusOK, snap)
}

// Quota returns per-metric quota status without consuming anything.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	st, err := h.evaluator.QuotaStatus(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		h.logFailure(r, err, "quota status failed")
		WriteError(w, err)
		return
	}
	jsonapi.WriteData(w, http.StatusOK, st)
}

// Trend returns the usage trend of one metric over recent periods.
func (h *Handler) Trend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	metric, ok := usage.ParseMetric(q.Get("metric"))
	if !ok {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("metric", usage.ReasonUnknownMetric))
		return
	}
	period := trend.PeriodDaily
	if s := q.Get("period"); s != "" {
		if period, ok = trend.ParsePeriod(s); !ok {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("period", "must be daily, weekly or monthly"))
			return
		}
	}
	lookback, ok := intParam(w, r, "lookback", 30)
	if !ok {
		return
	}

	t, err := h.forecaster.ComputeTrend(r.Context(), q.Get("org"), metric, period, lookback)
	if err != nil {
		h.logFailure(r, err, "trend failed")
		WriteError(w, err)
		return
	}
	jsonapi.WriteData(w, http.StatusOK, t)
}

// ListAlerts returns an organization's alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ports.AlertFilter{OrganizationID: q.Get("org")}
	if s := q.Get("status"); s != "" {
		st, ok := alert.ParseStatus(s)
		if !ok {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("status", "unknown alert status"))
			return
		}
		f.Status = st
	}
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	f.Limit = limit

	alerts, err := h.alerts.List(r.Context(), f)
	if err != nil {
		WriteError(w, err)
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	jsonapi.WriteDataMeta(w, http.StatusOK, alerts, jsonapi.Meta{"total": len(alerts)})
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, h.alerts.Acknowledge)
}

// IgnoreAlert moves an active alert to ignored.
func (h *Handler) IgnoreAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, h.alerts.Ignore)
}

func (h *Handler) alertAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor string) (alert.Alert, error)) {
	var req AlertActionRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	a, err := fn(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		WriteError(w, err)
		return
	}
	jsonapi.WriteData(w, http.StatusOK, a)
}

// Cost prices a billing period. Without bounds the open period is priced
// from live counters.
func (h *Handler) Cost(w http.ResponseWriter, r *http.Request) {
	start, ok := timeParam(w, r, "periodStart")
	if !ok {
		return
	}
	end, ok := timeParam(w, r, "periodEnd")
	if !ok {
		return
	}
	if start.IsZero() != end.IsZero() {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("periodEnd", "periodStart and periodEnd go together"))
		return
	}

	rc, err := h.costs.ComputeCost(r.Context(), r.URL.Query().Get("org"), start, end)
	if err != nil {
		h.logFailure(r, err, "cost failed")
		WriteError(w, err)
		return
	}
	jsonapi.WriteData(w, http.StatusOK, rc)
}

// ListRecords returns the organization's closed usage records, newest
// period first.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("org", usage.ReasonMissingOrganization))
		return
	}
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}

	records, err := h.records.List(r.Context(), org, limit)
	if err != nil {
		h.logFailure(r, err, "list records failed")
		WriteError(w, err)
		return
	}
	if records == nil {
		records = []usage.Record{}
	}
	jsonapi.WriteDataMeta(w, http.StatusOK, records, jsonapi.Meta{"total": len(records)})
}

// logFailure logs server-side failures; client errors are not logged.
func (h *Handler) logFailure(r *http.Request, err error, msg string) {
	if ErrorFor(err).StatusCode() < http.StatusInternalServerError {
		return
	}
	h.logger.Error().
		Err(err).
		Str("path", r.URL.Path).
		Str("request_id", requestID(r)).
		Msg(msg)
}

// -----------------------------------------------------------------------------
// Request helpers
// -----------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("Invalid JSON body"))
		return false
	}
	return true
}

func parseQuantity(w http.ResponseWriter, n json.Number) (int64, bool) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		jsonapi.WriteError(w, jsonapi.ErrInvalidField("quantity", usage.ReasonInvalidQuantity))
		return 0, false
	}
	qty, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrInvalidField("quantity", usage.ReasonInvalidQuantity))
		return 0, false
	}
	return qty, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter(name, "must be a positive integer"))
		return 0, false
	}
	return n, true
}

// timeParam accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC).
func timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	jsonapi.WriteError(w, jsonapi.ErrInvalidParameter(name, "must be RFC 3339 or YYYY-MM-DD"))
	return time.Time{}, false
}
