package sqlite

import (
	"context"
	"database/sql"

	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// SubscriptionStore implements ports.SubscriptionStore using SQLite.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new SQLite subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// Assign sets or replaces the organization's plan.
func (s *SubscriptionStore) Assign(ctx context.Context, a ports.PlanAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_plans (organization_id, plan_id, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			assigned_at = excluded.assigned_at
	`, a.OrganizationID, a.PlanID, toNanos(a.AssignedAt))
	return err
}

// All returns every assignment ordered by organization.
func (s *SubscriptionStore) All(ctx context.Context) ([]ports.PlanAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, plan_id, assigned_at
		FROM organization_plans
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.PlanAssignment
	for rows.Next() {
		var a ports.PlanAssignment
		var at int64
		if err := rows.Scan(&a.OrganizationID, &a.PlanID, &at); err != nil {
			return nil, err
		}
		a.AssignedAt = fromNanos(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AdjustmentStore implements ports.AdjustmentStore using SQLite.
type AdjustmentStore struct {
	db *DB
}

// NewAdjustmentStore creates a new SQLite adjustment store.
func NewAdjustmentStore(db *DB) *AdjustmentStore {
	return &AdjustmentStore{db: db}
}

// Add stores an adjustment.
func (s *AdjustmentStore) Add(ctx context.Context, a billing.Adjustment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_adjustments (
			id, organization_id, kind, description, basis_points, amount_cents, valid_from, valid_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OrganizationID, string(a.Kind), a.Description, a.BasisPoints, a.AmountCents,
		nullNanos(a.ValidFrom), nullNanos(a.ValidTo))
	if isUniqueConstraintError(err) {
		return ports.ErrConflict
	}
	return err
}

// ForPeriod returns the adjustments that cover a period starting at
// key.PeriodStart.
func (s *AdjustmentStore) ForPeriod(ctx context.Context, key usage.PeriodKey) (billing.Adjustments, error) {
	adjs, err := s.List(ctx, key.OrganizationID)
	if err != nil {
		return billing.Adjustments{}, err
	}
	return billing.Collect(adjs, key.PeriodStart), nil
}

// List returns every adjustment of an organization, oldest validity first.
func (s *AdjustmentStore) List(ctx context.Context, orgID string) ([]billing.Adjustment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, kind, description, basis_points, amount_cents, valid_from, valid_to
		FROM billing_adjustments
		WHERE organization_id = ?
		ORDER BY COALESCE(valid_from, 0), id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Adjustment
	for rows.Next() {
		var a billing.Adjustment
		var kind string
		var from, to sql.NullInt64
		if err := rows.Scan(&a.ID, &a.OrganizationID, &kind, &a.Description, &a.BasisPoints, &a.AmountCents, &from, &to); err != nil {
			return nil, err
		}
		a.Kind = billing.AdjustmentKind(kind)
		a.ValidFrom = fromNullNanos(from)
		a.ValidTo = fromNullNanos(to)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var (
	_ ports.SubscriptionStore = (*SubscriptionStore)(nil)
	_ ports.AdjustmentStore   = (*AdjustmentStore)(nil)
	_ ports.AdjustmentWriter  = (*AdjustmentStore)(nil)
)
