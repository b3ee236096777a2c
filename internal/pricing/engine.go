package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount in the currency of the cart.
type Money = decimal.Decimal

const (
	// DefaultTaxBps is the VAT rate applied to the discounted subtotal (18%).
	DefaultTaxBps = 1800
	// DefaultQuantityCeiling bounds a line quantity when the stock is unknown.
	DefaultQuantityCeiling = 100
)

var (
	hundred     = decimal.NewFromInt(100)
	tenThousand = decimal.NewFromInt(10000)
)

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty             int
	UnitPrice       Money
	DiscountPercent decimal.Decimal
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal Money
	Tax      Money
	Total    Money
	TaxBps   int
}

// LineSubtotal returns unit_price × quantity × (100 − discount) / 100 without
// rounding. Non-positive quantities price to zero.
func LineSubtotal(unitPrice Money, qty int, discountPercent decimal.Decimal) Money {
	if qty <= 0 || unitPrice.IsNegative() {
		return decimal.Zero
	}
	keep := hundred.Sub(ClampDiscount(discountPercent))
	return unitPrice.Mul(decimal.NewFromInt(int64(qty))).Mul(keep).Div(hundred)
}

// Subtotal sums the line subtotals of items.
func Subtotal(items []Item) Money {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(LineSubtotal(it.UnitPrice, it.Qty, it.DiscountPercent))
	}
	return total
}

// Tax returns subtotal × taxBps / 10000. Negative rates are treated as zero.
func Tax(subtotal Money, taxBps int) Money {
	if taxBps <= 0 || !subtotal.IsPositive() {
		return decimal.Zero
	}
	return subtotal.Mul(decimal.NewFromInt(int64(taxBps))).Div(tenThousand)
}

// Compute calculates cart totals. Subtotal and tax are each rounded half-up to
// places and the total is their sum, so a receipt always adds up.
// Tax is taken on the rounded subtotal, so the total can differ by one minor
// unit from rounding subtotal × 1.18 exactly: 333 XOF at 50% gives 197, not 196.
func Compute(items []Item, taxBps int, places int32) Summary {
	if taxBps < 0 {
		taxBps = 0
	}
	subtotal := Subtotal(items).Round(places)
	tax := Tax(subtotal, taxBps).Round(places)
	return Summary{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
		TaxBps:   taxBps,
	}
}

// ClampQuantity bounds q to [1, stock] when stock is known and to [1, ceiling]
// otherwise. A non-positive ceiling falls back to DefaultQuantityCeiling.
func ClampQuantity(q int, stock *int, ceiling int) int {
	upper := ceiling
	if upper <= 0 {
		upper = DefaultQuantityCeiling
	}
	if stock != nil {
		upper = *stock
	}
	if q > upper {
		q = upper
	}
	if q < 1 {
		q = 1
	}
	return q
}

// ClampDiscount bounds a discount percentage to [0, 100].
func ClampDiscount(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(hundred) {
		return hundred
	}
	return d
}

// Change returns max(0, received − total).
func Change(total, received Money) Money {
	diff := received.Sub(total)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

// Tender is the outcome of comparing the amount handed over with the total due.
type Tender struct {
	Total      Money `json:"total"`
	Received   Money `json:"received"`
	Change     Money `json:"change"`
	Shortfall  Money `json:"shortfall"`
	Sufficient bool  `json:"sufficient"`
}

// EvaluateTender reports whether received covers total and the change due.
func EvaluateTender(total, received Money) Tender {
	shortfall := total.Sub(received)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	return Tender{
		Total:      total,
		Received:   received,
		Change:     Change(total, received),
		Shortfall:  shortfall,
		Sufficient: received.GreaterThanOrEqual(total),
	}
}

var quickSteps = []decimal.Decimal{
	decimal.NewFromInt(1),
	decimal.NewFromInt(1000),
	decimal.NewFromInt(5000),
	decimal.NewFromInt(10000),
}

// QuickAmounts suggests cash amounts for a total: the total rounded up to the
// next unit, thousand, five thousand and ten thousand, deduplicated and
// ascending. A non-positive total yields no suggestions.
func QuickAmounts(total Money) []Money {
	if !total.IsPositive() {
		return nil
	}
	out := make([]Money, 0, len(quickSteps))
	for _, step := range quickSteps {
		v := total.Div(step).Ceil().Mul(step)
		dup := false
		for _, existing := range out {
			if existing.Equal(v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
