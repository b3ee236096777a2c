package cart

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/currency"
	"github.com/noah-isme/backend-pos/internal/pricing"
)

var (
	// ErrInvalidInput is returned when cart input is malformed.
	ErrInvalidInput = errors.New("cart: invalid input")
	// ErrNotFound is returned when a session or line does not exist.
	ErrNotFound = errors.New("cart: not found")
	// ErrOutOfStock is returned when adding a product whose known stock is zero.
	ErrOutOfStock = errors.New("cart: out of stock")
)

// Rules configure how a cart prices its lines.
type Rules struct {
	Resolver        currency.Resolver
	TaxBps          int
	QuantityCeiling int
}

// DefaultRules uses the built-in pegs and the 18% VAT rate.
func DefaultRules() Rules {
	return Rules{Resolver: currency.DefaultResolver, TaxBps: pricing.DefaultTaxBps, QuantityCeiling: pricing.DefaultQuantityCeiling}
}

// Item is one product line. UnitPrice is a snapshot taken in the cart
// currency when the line was added or the currency last changed.
type Item struct {
	ProductID       catalog.ID      `json:"productId"`
	Name            string          `json:"name"`
	SKU             string          `json:"sku,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	Stock           *int            `json:"stock,omitempty"`
	AddedAt         time.Time       `json:"addedAt"`

	prices currency.Prices
}

// Subtotal returns the discounted, untaxed amount of the line.
func (it Item) Subtotal() decimal.Decimal {
	return pricing.LineSubtotal(it.UnitPrice, it.Quantity, it.DiscountPercent)
}

// PassengerInfo carries optional duty-free customer details. Only the name and
// flight reference are transmitted with the sale.
type PassengerInfo struct {
	CustomerName    string `json:"customerName,omitempty" validate:"omitempty,max=120"`
	FlightReference string `json:"flightReference,omitempty" validate:"omitempty,max=20"`
	Destination     string `json:"destination,omitempty" validate:"omitempty,max=80"`
	Nationality     string `json:"nationality,omitempty" validate:"omitempty,max=60"`
	PassportNumber  string `json:"passportNumber,omitempty" validate:"omitempty,max=30"`
	HotelRoom       string `json:"hotelRoom,omitempty" validate:"omitempty,max=20"`
}

// IsZero reports whether no field is set.
func (p PassengerInfo) IsZero() bool {
	return p == PassengerInfo{}
}

func (p PassengerInfo) normalized() PassengerInfo {
	return PassengerInfo{
		CustomerName:    strings.TrimSpace(p.CustomerName),
		FlightReference: strings.ToUpper(strings.TrimSpace(p.FlightReference)),
		Destination:     strings.TrimSpace(p.Destination),
		Nationality:     strings.TrimSpace(p.Nationality),
		PassportNumber:  strings.ToUpper(strings.TrimSpace(p.PassportNumber)),
		HotelRoom:       strings.TrimSpace(p.HotelRoom),
	}
}

// Cart is an ordered set of lines keyed by product id.
type Cart struct {
	currency  string
	items     []Item
	passenger PassengerInfo
	rules     Rules
	now       func() time.Time
}

// New creates an empty cart in the given currency. Unsupported codes fall back to XOF.
func New(code string, rules Rules) *Cart {
	code = currency.Normalize(code)
	if !currency.Supported(code) {
		code = currency.XOF
	}
	return &Cart{currency: code, rules: rules, now: time.Now}
}

// Currency returns the cart currency code.
func (c *Cart) Currency() string { return c.currency }

// Items returns a copy of the lines in insertion order.
func (c *Cart) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of distinct lines.
func (c *Cart) Len() int { return len(c.items) }

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.items) == 0 }

// Passenger returns the passenger details.
func (c *Cart) Passenger() PassengerInfo { return c.passenger }

func (c *Cart) index(id catalog.ID) int {
	for i := range c.items {
		if c.items[i].ProductID == id {
			return i
		}
	}
	return -1
}

// Add inserts p or, when already present, increments its quantity. In both
// cases the unit price and stock are refreshed from p.
func (c *Cart) Add(p catalog.Product, qty int) (Item, error) {
	if strings.TrimSpace(p.ID.String()) == "" {
		return Item{}, fmt.Errorf("%w: product id is required", ErrInvalidInput)
	}
	if p.CurrentStock != nil && *p.CurrentStock <= 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrOutOfStock, p.Name)
	}
	if qty <= 0 {
		qty = 1
	}
	prices := p.Prices()
	price := c.rules.Resolver.Resolve(prices, c.currency)
	if i := c.index(p.ID); i >= 0 {
		it := &c.items[i]
		it.Name = p.Name
		it.SKU = p.SKU
		it.Stock = p.CurrentStock
		it.prices = prices
		it.UnitPrice = price
		it.Quantity = pricing.ClampQuantity(it.Quantity+qty, it.Stock, c.rules.QuantityCeiling)
		return *it, nil
	}
	it := Item{
		ProductID:       p.ID,
		Name:            p.Name,
		SKU:             p.SKU,
		Quantity:        pricing.ClampQuantity(qty, p.CurrentStock, c.rules.QuantityCeiling),
		UnitPrice:       price,
		DiscountPercent: decimal.Zero,
		Stock:           p.CurrentStock,
		AddedAt:         c.now(),
		prices:          prices,
	}
	c.items = append(c.items, it)
	return it, nil
}

// SetQuantity clamps q to the line's stock or the quantity ceiling.
func (c *Cart) SetQuantity(id catalog.ID, q int) (Item, error) {
	i := c.index(id)
	if i < 0 {
		return Item{}, fmt.Errorf("%w: product %s not in cart", ErrNotFound, id)
	}
	c.items[i].Quantity = pricing.ClampQuantity(q, c.items[i].Stock, c.rules.QuantityCeiling)
	return c.items[i], nil
}

// SetDiscount clamps d to [0, 100].
func (c *Cart) SetDiscount(id catalog.ID, d decimal.Decimal) (Item, error) {
	i := c.index(id)
	if i < 0 {
		return Item{}, fmt.Errorf("%w: product %s not in cart", ErrNotFound, id)
	}
	c.items[i].DiscountPercent = pricing.ClampDiscount(d)
	return c.items[i], nil
}

// Remove deletes a line, keeping the order of the others.
func (c *Cart) Remove(id catalog.ID) error {
	i := c.index(id)
	if i < 0 {
		return fmt.Errorf("%w: product %s not in cart", ErrNotFound, id)
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return nil
}

// Clear drops every line and the passenger details.
func (c *Cart) Clear() {
	c.items = nil
	c.passenger = PassengerInfo{}
}

// SetCurrency switches the cart currency and re-snapshots every unit price.
func (c *Cart) SetCurrency(code string) error {
	code = currency.Normalize(code)
	if !currency.Supported(code) {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, code)
	}
	c.currency = code
	for i := range c.items {
		c.items[i].UnitPrice = c.rules.Resolver.Resolve(c.items[i].prices, code)
	}
	return nil
}

// SetPassenger replaces the passenger details.
func (c *Cart) SetPassenger(p PassengerInfo) {
	c.passenger = p.normalized()
}

// Summary computes subtotal, tax and total in the cart currency.
func (c *Cart) Summary() pricing.Summary {
	items := make([]pricing.Item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, pricing.Item{Qty: it.Quantity, UnitPrice: it.UnitPrice, DiscountPercent: it.DiscountPercent})
	}
	return pricing.Compute(items, c.rules.TaxBps, currency.Precision(c.currency))
}

// ExchangeRate returns how many XOF one unit of the cart currency is worth for
// the given line.
func (c *Cart) ExchangeRate(it Item) decimal.Decimal {
	return c.rules.Resolver.ImplicitRate(it.prices, c.currency)
}
