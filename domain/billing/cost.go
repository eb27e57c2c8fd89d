// Package billing provides resource cost value types and the pure cost
// calculation that turns a closed usage record into cents.
package billing

import (
	"sort"
	"strconv"
	"time"

	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/usage"
)

// LineItem is one priced quantity (value type).
type LineItem struct {
	Metric      usage.Metric `json:"metric,omitempty"`
	Product     string       `json:"product,omitempty"`
	Description string       `json:"description"`
	Quantity    int64        `json:"quantity"`
	UnitSize    int64        `json:"unitSize,omitempty"`
	UnitPrice   int64        `json:"unitPrice"` // cents per UnitSize
	Amount      int64        `json:"amount"`    // cents
}

// Discount reduces the subtotal by basis points, a fixed amount, or both.
type Discount struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	BasisPoints int64     `json:"basisPoints,omitempty"`
	AmountCents int64     `json:"amountCents,omitempty"`
	ValidFrom   time.Time `json:"validFrom,omitzero"`
	ValidTo     time.Time `json:"validTo,omitzero"`
}

// Applies reports whether the discount covers a period starting at start.
func (d Discount) Applies(start time.Time) bool {
	if !d.ValidFrom.IsZero() && start.Before(d.ValidFrom) {
		return false
	}
	if !d.ValidTo.IsZero() && !start.Before(d.ValidTo) {
		return false
	}
	return true
}

// Adjustments are organization-specific billing inputs for a period.
type Adjustments struct {
	Discounts   []Discount
	CreditCents int64
	// TaxBasisPoints overrides the plan's tax rate when HasTaxOverride is set.
	TaxBasisPoints int64
	HasTaxOverride bool
}

// ResourceCost is the cost breakdown of one organization's period.
// All amounts are integer cents.
type ResourceCost struct {
	OrganizationID string     `json:"organizationId"`
	PlanID         string     `json:"planId"`
	PeriodStart    time.Time  `json:"periodStart"`
	PeriodEnd      time.Time  `json:"periodEnd"`
	Currency       string     `json:"currency"`
	RecordRevision int        `json:"recordRevision"`
	Provisional    bool       `json:"provisional"`
	BaseCost       int64      `json:"baseCost"`
	UsageCosts     []LineItem `json:"usageCosts"`
	ProductCosts   []LineItem `json:"productCosts"`
	OverageCosts   []LineItem `json:"overageCosts"`
	OverageCost    int64      `json:"overageCost"`
	SupportCost    int64      `json:"supportCost"`
	Subtotal       int64      `json:"subtotal"`
	Discounts      int64      `json:"discounts"`
	Tax            int64      `json:"tax"`
	Credits        int64      `json:"credits"`
	Total          int64      `json:"total"`
}

// ComputeCost prices a usage record under a plan and adjustments.
// Output depends only on its inputs: line items are ordered by metric or
// product name and no clock is read.
// This is a PURE function.
func ComputeCost(rec usage.Record, p plan.Plan, adj Adjustments) ResourceCost {
	rc := ResourceCost{
		OrganizationID: rec.OrganizationID,
		PlanID:         p.ID,
		PeriodStart:    rec.PeriodStart,
		PeriodEnd:      rec.PeriodEnd,
		Currency:       currency(p),
		RecordRevision: rec.Revision,
		BaseCost:       p.BaseCents,
		SupportCost:    p.SupportCents,
		UsageCosts:     []LineItem{},
		ProductCosts:   []LineItem{},
		OverageCosts:   []LineItem{},
	}

	metrics := sortedMetrics(rec.Counts)

	usageTotal := int64(0)
	for _, m := range metrics {
		qty := rec.Counts[m]
		pr, ok := p.Prices[m]
		if !ok || pr.UnitCents == 0 || qty == 0 {
			continue
		}
		size := unitSize(pr.UnitSize)
		units := ceilDiv(qty, size)
		item := LineItem{
			Metric:      m,
			Description: string(m) + " usage (" + formatNumber(qty) + ")",
			Quantity:    qty,
			UnitSize:    size,
			UnitPrice:   pr.UnitCents,
			Amount:      units * pr.UnitCents,
		}
		rc.UsageCosts = append(rc.UsageCosts, item)
		usageTotal += item.Amount
	}

	productTotal := int64(0)
	for _, product := range usedProducts(rec.Counts, p.ProductCents) {
		fee := p.ProductCents[product]
		rc.ProductCosts = append(rc.ProductCosts, LineItem{
			Product:     product,
			Description: product + " product fee",
			Quantity:    1,
			UnitPrice:   fee,
			Amount:      fee,
		})
		productTotal += fee
	}

	if p.AllowOverage {
		for _, m := range metrics {
			item, ok := overage(p, m, rec)
			if !ok {
				continue
			}
			rc.OverageCosts = append(rc.OverageCosts, item)
			rc.OverageCost += item.Amount
		}
	}

	rc.Subtotal = rc.BaseCost + usageTotal + productTotal + rc.OverageCost + rc.SupportCost

	remaining := rc.Subtotal
	for _, d := range sortedDiscounts(adj.Discounts) {
		if !d.Applies(rec.PeriodStart) || remaining == 0 {
			continue
		}
		amount := basisPoints(remaining, d.BasisPoints) + d.AmountCents
		if amount > remaining {
			amount = remaining
		}
		rc.Discounts += amount
		remaining -= amount
	}

	taxRate := p.TaxBasisPoints
	if adj.HasTaxOverride {
		taxRate = adj.TaxBasisPoints
	}
	rc.Tax = basisPoints(remaining, taxRate)

	total := remaining + rc.Tax
	rc.Credits = min(max(adj.CreditCents, 0), total)
	rc.Total = total - rc.Credits
	return rc
}

// EstimateCents is the total of ComputeCost without adjustments.
func EstimateCents(rec usage.Record, p plan.Plan) int64 {
	return ComputeCost(rec, p, Adjustments{}).Total
}

func overage(p plan.Plan, m usage.Metric, rec usage.Record) (LineItem, bool) {
	included := plan.Included(p, m, rec.PeriodStart, rec.PeriodEnd)
	used := rec.Counts[m]
	if included < 0 || used <= included {
		return LineItem{}, false
	}
	rate := plan.OverageRate(p, m)
	if rate.OverageCents == 0 {
		return LineItem{}, false
	}
	over := used - included
	return LineItem{
		Metric:      m,
		Description: string(m) + " overage (" + formatNumber(over) + " over " + formatNumber(included) + ")",
		Quantity:    over,
		UnitSize:    rate.UnitSize,
		UnitPrice:   rate.OverageCents,
		Amount:      ceilDiv(over, rate.UnitSize) * rate.OverageCents,
	}, true
}

func usedProducts(counts usage.Counts, fees map[string]int64) []string {
	seen := make(map[string]bool)
	for m, qty := range counts {
		product := m.Product()
		if qty > 0 && fees[product] > 0 {
			seen[product] = true
		}
	}
	out := make([]string, 0, len(seen))
	for product := range seen {
		out = append(out, product)
	}
	sort.Strings(out)
	return out
}

func sortedMetrics(counts usage.Counts) []usage.Metric {
	out := make([]usage.Metric, 0, len(counts))
	for m := range counts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedDiscounts(ds []Discount) []Discount {
	out := append([]Discount(nil), ds...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func currency(p plan.Plan) string {
	if p.Currency == "" {
		return "USD"
	}
	return p.Currency
}

func unitSize(n int64) int64 {
	if n <= 0 {
		return 1
	}
	return n
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// basisPoints returns amount * bps / 10000 rounded half up.
func basisPoints(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + 5000) / 10000
}

// FormatAmount formats cents as a dollar string.
// This is a PURE function.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	s := sign + "$" + formatNumber(cents/100)
	if rem := cents % 100; rem != 0 {
		if rem < 10 {
			return s + ".0" + strconv.FormatInt(rem, 10)
		}
		return s + "." + strconv.FormatInt(rem, 10)
	}
	return s
}

// formatNumber adds comma separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return strconv.FormatInt(n, 10)
	}
	s := strconv.FormatInt(n%1000, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return formatNumber(n/1000) + "," + s
}
