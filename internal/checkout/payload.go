package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
)

var (
	// ErrInsufficientTender is returned when the tendered amount does not cover the total.
	ErrInsufficientTender = errors.New("checkout: insufficient tender")
	// ErrInvalidTender is returned for tender combinations that cannot be recorded.
	ErrInvalidTender = errors.New("checkout: invalid tender")
)

// InsufficientTenderError carries the figures shown to the cashier.
type InsufficientTenderError struct {
	Total     decimal.Decimal
	Received  decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientTenderError) Error() string {
	return fmt.Sprintf("%s: received %s of %s", ErrInsufficientTender, e.Received, e.Total)
}

func (e *InsufficientTenderError) Unwrap() error { return ErrInsufficientTender }

// Tender is an amount paid with one payment method.
type Tender struct {
	Method catalog.PaymentMethod
	Amount decimal.Decimal
}

// Settlement is the outcome of applying tenders to a total.
type Settlement struct {
	Payments []backend.SalePayment
	Received decimal.Decimal
	Change   decimal.Decimal
}

// Settle turns tenders into payment records. The tenders must cover total; a
// surplus is change and can only come out of cash tenders, so it is deducted
// from them starting with the last one.
func Settle(total decimal.Decimal, code string, tenders []Tender) (Settlement, error) {
	if len(tenders) == 0 {
		return Settlement{}, fmt.Errorf("%w: no tender given", ErrInvalidTender)
	}
	received := decimal.Zero
	cash := decimal.Zero
	amounts := make([]decimal.Decimal, len(tenders))
	for i, t := range tenders {
		if t.Amount.IsNegative() {
			return Settlement{}, fmt.Errorf("%w: negative amount", ErrInvalidTender)
		}
		amounts[i] = t.Amount
		received = received.Add(t.Amount)
		if t.Method.Kind() == catalog.KindCash {
			cash = cash.Add(t.Amount)
		}
	}
	if received.LessThan(total) {
		return Settlement{}, &InsufficientTenderError{Total: total, Received: received, Shortfall: total.Sub(received)}
	}
	surplus := received.Sub(total)
	if surplus.GreaterThan(cash) {
		return Settlement{}, fmt.Errorf("%w: only cash tenders can exceed the amount due", ErrInvalidTender)
	}
	for i := len(tenders) - 1; i >= 0 && surplus.IsPositive(); i-- {
		if tenders[i].Method.Kind() != catalog.KindCash {
			continue
		}
		take := decimal.Min(surplus, amounts[i])
		amounts[i] = amounts[i].Sub(take)
		surplus = surplus.Sub(take)
	}

	out := Settlement{Received: received, Change: received.Sub(total)}
	for i, t := range tenders {
		if !amounts[i].IsPositive() && len(tenders) > 1 {
			continue
		}
		out.Payments = append(out.Payments, backend.SalePayment{
			PaymentMethodID: t.Method.ID,
			Amount:          backend.Amount(amounts[i]),
			CurrencyCode:    code,
		})
	}
	return out, nil
}

// BuildSaleRequest maps a cart snapshot and its payments to the backend payload.
// Fixed-amount discounts are never captured, so discount_amount is always 0.
func BuildSaleRequest(view cart.View, passenger cart.PassengerInfo, payments []backend.SalePayment) backend.SaleRequest {
	req := backend.SaleRequest{
		Lines:           make([]backend.SaleLine, 0, len(view.Items)),
		CurrencyCode:    view.Currency,
		Payments:        payments,
		CustomerName:    strings.TrimSpace(passenger.CustomerName),
		FlightReference: strings.TrimSpace(passenger.FlightReference),
	}
	for _, it := range view.Items {
		req.Lines = append(req.Lines, backend.SaleLine{
			ProductID:          it.ProductID,
			Quantity:           it.Quantity,
			UnitPrice:          backend.Amount(it.UnitPrice),
			DiscountPercentage: backend.Amount(it.DiscountPercent),
			DiscountAmount:     backend.Amount(decimal.Zero),
		})
	}
	return req
}
