package billing

import (
	"fmt"
	"time"
)

// AdjustmentKind distinguishes stored billing adjustments.
type AdjustmentKind string

const (
	AdjustmentDiscount AdjustmentKind = "discount"
	AdjustmentCredit   AdjustmentKind = "credit"
	AdjustmentTax      AdjustmentKind = "tax"
)

// Adjustment is one stored billing adjustment for an organization.
// Discounts use BasisPoints or AmountCents, credits use AmountCents and
// tax overrides use BasisPoints. The validity bounds apply to the start
// of the period being priced.
type Adjustment struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Kind           AdjustmentKind `json:"kind"`
	Description    string         `json:"description,omitempty"`
	BasisPoints    int64          `json:"basisPoints,omitempty"`
	AmountCents    int64          `json:"amountCents,omitempty"`
	ValidFrom      time.Time      `json:"validFrom,omitzero"`
	ValidTo        time.Time      `json:"validTo,omitzero"`
}

// Validate checks an adjustment before it is stored.
func (a Adjustment) Validate() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("adjustment id is required")
	case a.OrganizationID == "":
		return fmt.Errorf("adjustment organization is required")
	case a.BasisPoints < 0 || a.AmountCents < 0:
		return fmt.Errorf("adjustment amounts must not be negative")
	case !a.ValidFrom.IsZero() && !a.ValidTo.IsZero() && !a.ValidTo.After(a.ValidFrom):
		return fmt.Errorf("adjustment validTo must be after validFrom")
	}
	switch a.Kind {
	case AdjustmentDiscount, AdjustmentCredit, AdjustmentTax:
		return nil
	}
	return fmt.Errorf("unknown adjustment kind %q", a.Kind)
}

func (a Adjustment) window() Discount {
	return Discount{
		ID:          a.ID,
		Description: a.Description,
		BasisPoints: a.BasisPoints,
		AmountCents: a.AmountCents,
		ValidFrom:   a.ValidFrom,
		ValidTo:     a.ValidTo,
	}
}

// Collect folds stored adjustments into the inputs for a period starting
// at start. Credits are summed; the last applicable tax override wins.
// This is a PURE function.
func Collect(adjs []Adjustment, start time.Time) Adjustments {
	var out Adjustments
	for _, a := range adjs {
		d := a.window()
		if !d.Applies(start) {
			continue
		}
		switch a.Kind {
		case AdjustmentDiscount:
			out.Discounts = append(out.Discounts, d)
		case AdjustmentCredit:
			out.CreditCents += a.AmountCents
		case AdjustmentTax:
			out.TaxBasisPoints = a.BasisPoints
			out.HasTaxOverride = true
		}
	}
	return out
}
