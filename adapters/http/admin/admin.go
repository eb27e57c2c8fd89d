// Package admin provides HTTP handlers for the operator API: plan
// assignment, billing adjustments, scheduled jobs and diagnostics.
package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/ports"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler provides admin API endpoints.
type Handler struct {
	plans       *app.PlanResolver
	adjustments ports.AdjustmentWriter
	scheduler   *app.Scheduler
	journal     *app.Journal
	alerts      *app.AlertService
	db          Pinger
	ids         ports.IDGenerator
	logger      zerolog.Logger
	version     string
}

// Deps contains dependencies for the admin handler.
type Deps struct {
	Plans       *app.PlanResolver
	Adjustments ports.AdjustmentWriter
	Scheduler   *app.Scheduler
	Journal     *app.Journal      // optional, reported by doctor
	Alerts      *app.AlertService // optional, reported by doctor
	DB          Pinger            // optional, reported by doctor
	IDs         ports.IDGenerator
	Logger      zerolog.Logger
	Version     string
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		plans:       deps.Plans,
		adjustments: deps.Adjustments,
		scheduler:   deps.Scheduler,
		journal:     deps.Journal,
		alerts:      deps.Alerts,
		db:          deps.DB,
		ids:         deps.IDs,
		logger:      deps.Logger,
		version:     version,
	}
}

// Router returns the admin API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	// Plans
	r.Get("/plans", h.ListPlans)
	r.Get("/organizations/{org}/plan", h.GetOrganizationPlan)
	r.Put("/organizations/{org}/plan", h.AssignPlan)

	// Billing
	if h.adjustments != nil {
		r.Post("/organizations/{org}/adjustments", h.AddAdjustment)
	}

	// Jobs
	if h.scheduler != nil {
		r.Get("/jobs", h.ListJobs)
		r.Post("/jobs/{name}/run", h.RunJob)
	}

	// Doctor (system health)
	r.Get("/doctor", h.Doctor)

	return r
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
