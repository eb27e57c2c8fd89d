package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apihttp "github.com/artpar/meterd/adapters/http"
	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/pkg/jsonapi"
)

// PlanResponse represents a plan in API responses.
type PlanResponse struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	BillingCycle      usage.Cycle            `json:"billingCycle"`
	Currency          string                 `json:"currency,omitempty"`
	APICallsPerMinute int64                  `json:"apiCallsPerMinute"`
	APICallsPerDay    int64                  `json:"apiCallsPerDay"`
	StorageGB         int64                  `json:"storageGb"`
	BandwidthGB       int64                  `json:"bandwidthGb"`
	ComputeHours      int64                  `json:"computeHours"`
	Limits            map[usage.Metric]int64 `json:"limits,omitempty"`
	TeamMembers       int                    `json:"teamMembers"`
	Projects          int                    `json:"projects"`
	AllowOverage      bool                   `json:"allowOverage"`
	OverageRateCents  int64                  `json:"overageRateCents"`
	BaseCents         int64                  `json:"baseCents"`
	Default           bool                   `json:"default"`
}

func planResponse(p plan.Plan, defaultID string) PlanResponse {
	return PlanResponse{
		ID:                p.ID,
		Name:              p.Name,
		BillingCycle:      p.BillingCycle,
		Currency:          p.Currency,
		APICallsPerMinute: p.APICallsPerMinute,
		APICallsPerDay:    p.APICallsPerDay,
		StorageGB:         p.StorageGB,
		BandwidthGB:       p.BandwidthGB,
		ComputeHours:      p.ComputeHours,
		Limits:            p.Limits,
		TeamMembers:       p.TeamMembers,
		Projects:          p.Projects,
		AllowOverage:      p.AllowOverage,
		OverageRateCents:  p.OverageRateCents,
		BaseCents:         p.BaseCents,
		Default:           p.ID == defaultID,
	}
}

// AssignPlanRequest is the body of PUT /organizations/{org}/plan.
type AssignPlanRequest struct {
	PlanID string `json:"planId"`
}

// AssignmentResponse represents an organization's plan assignment.
type AssignmentResponse struct {
	OrganizationID string       `json:"organizationId"`
	PlanID         string       `json:"planId"`
	AssignedAt     time.Time    `json:"assignedAt,omitzero"`
	Plan           PlanResponse `json:"plan"`
}

// ListPlans returns the plans of the loaded catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	c := h.plans.Catalog()
	var defaultID string
	if d, ok := c.Default(); ok {
		defaultID = d.ID
	}

	plans := c.List()
	out := make([]PlanResponse, len(plans))
	for i, p := range plans {
		out[i] = planResponse(p, defaultID)
	}
	jsonapi.WriteDataMeta(w, http.StatusOK, out, jsonapi.Meta{"total": len(out)})
}

// GetOrganizationPlan returns the plan an organization resolves to.
func (h *Handler) GetOrganizationPlan(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	p, err := h.plans.Resolve(org)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	var defaultID string
	if d, ok := h.plans.Catalog().Default(); ok {
		defaultID = d.ID
	}
	jsonapi.WriteData(w, http.StatusOK, AssignmentResponse{
		OrganizationID: org,
		PlanID:         p.ID,
		Plan:           planResponse(p, defaultID),
	})
}

// AssignPlan sets an organization's plan. Cached views of the
// organization are invalidated by the resolver.
func (h *Handler) AssignPlan(w http.ResponseWriter, r *http.Request) {
	var req AssignPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("Invalid JSON body"))
		return
	}

	a, err := h.plans.Assign(r.Context(), chi.URLParam(r, "org"), strings.TrimSpace(req.PlanID))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	p, _ := h.plans.Catalog().Get(a.PlanID)

	h.logger.Info().
		Str("org_id", a.OrganizationID).
		Str("plan_id", a.PlanID).
		Msg("plan assigned")

	jsonapi.WriteData(w, http.StatusOK, AssignmentResponse{
		OrganizationID: a.OrganizationID,
		PlanID:         a.PlanID,
		AssignedAt:     a.AssignedAt,
		Plan:           planResponse(p, ""),
	})
}

// AddAdjustment stores a discount, credit or tax override for an
// organization. The organization comes from the path.
func (h *Handler) AddAdjustment(w http.ResponseWriter, r *http.Request) {
	var adj billing.Adjustment
	if err := decodeJSON(r, &adj); err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("Invalid JSON body"))
		return
	}
	adj.OrganizationID = chi.URLParam(r, "org")
	if adj.ID == "" && h.ids != nil {
		adj.ID = h.ids.New()
	}
	if err := adj.Validate(); err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest(err.Error()))
		return
	}

	if err := h.adjustments.Add(r.Context(), adj); err != nil {
		apihttp.WriteError(w, err)
		return
	}

	h.logger.Info().
		Str("org_id", adj.OrganizationID).
		Str("adjustment_id", adj.ID).
		Str("kind", string(adj.Kind)).
		Msg("billing adjustment added")

	jsonapi.WriteData(w, http.StatusCreated, adj)
}
