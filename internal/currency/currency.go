package currency

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Supported currency codes. XOF is the base currency every list price is quoted in.
const (
	XOF = "XOF"
	EUR = "EUR"
	USD = "USD"
)

var (
	// DefaultPegEUR is the fixed XOF per EUR parity.
	DefaultPegEUR = decimal.RequireFromString("655.957")
	// DefaultPegUSD is the approximate XOF per USD rate used when a product has no USD price.
	DefaultPegUSD = decimal.NewFromInt(600)
)

// Currency describes a currency a sale can be charged in.
type Currency struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol,omitempty"`
	Precision int32  `json:"precision"`
}

// Prices carries the per-currency list prices of a product.
type Prices struct {
	XOF decimal.NullDecimal
	EUR decimal.NullDecimal
	USD decimal.NullDecimal
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Supported reports whether prices can be resolved in code.
func Supported(code string) bool {
	switch Normalize(code) {
	case XOF, EUR, USD:
		return true
	default:
		return false
	}
}

// Precision returns the number of minor-unit digits for the code. Unknown codes
// are charged as XOF and therefore have no minor unit.
func Precision(code string) int32 {
	switch Normalize(code) {
	case EUR, USD:
		return 2
	default:
		return 0
	}
}

// Resolver selects the unit price of a product for a currency.
type Resolver struct {
	PegEUR decimal.Decimal
	PegUSD decimal.Decimal
}

// DefaultResolver uses the built-in peg rates.
var DefaultResolver = Resolver{PegEUR: DefaultPegEUR, PegUSD: DefaultPegUSD}

// Resolve returns the price to charge for the given currency. Missing or
// negative data degrades to zero; the result is never negative.
//
// XOF, empty and unknown codes return the XOF price. EUR and USD return the
// explicit foreign price when positive, otherwise the XOF price converted at the
// peg and rounded to cents.
func (r Resolver) Resolve(p Prices, code string) decimal.Decimal {
	base := nonNegative(p.XOF)
	switch Normalize(code) {
	case EUR:
		if v := nonNegative(p.EUR); v.IsPositive() {
			return v
		}
		return convert(base, r.pegEUR(), Precision(EUR))
	case USD:
		if v := nonNegative(p.USD); v.IsPositive() {
			return v
		}
		return convert(base, r.pegUSD(), Precision(USD))
	default:
		return base
	}
}

// ImplicitRate returns how many XOF one unit of code is worth for this product.
// It divides the XOF price by the explicit foreign price and falls back to the
// peg when either side is missing.
func (r Resolver) ImplicitRate(p Prices, code string) decimal.Decimal {
	base := nonNegative(p.XOF)
	var foreign, peg decimal.Decimal
	switch Normalize(code) {
	case EUR:
		foreign, peg = nonNegative(p.EUR), r.pegEUR()
	case USD:
		foreign, peg = nonNegative(p.USD), r.pegUSD()
	default:
		return decimal.NewFromInt(1)
	}
	if foreign.IsPositive() && base.IsPositive() {
		return base.DivRound(foreign, 6)
	}
	return peg
}

// Resolve uses DefaultResolver.
func Resolve(p Prices, code string) decimal.Decimal {
	return DefaultResolver.Resolve(p, code)
}

func (r Resolver) pegEUR() decimal.Decimal {
	if r.PegEUR.IsPositive() {
		return r.PegEUR
	}
	return DefaultPegEUR
}

func (r Resolver) pegUSD() decimal.Decimal {
	if r.PegUSD.IsPositive() {
		return r.PegUSD
	}
	return DefaultPegUSD
}

func convert(base, peg decimal.Decimal, places int32) decimal.Decimal {
	if !base.IsPositive() || !peg.IsPositive() {
		return decimal.Zero
	}
	return base.Div(peg).Round(places)
}

func nonNegative(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid || v.Decimal.IsNegative() {
		return decimal.Zero
	}
	return v.Decimal
}

// Defaults lists the currencies the POS can always charge in.
func Defaults() []Currency {
	return []Currency{
		{Code: XOF, Name: "Franc CFA (BCEAO)", Symbol: "FCFA", Precision: 0},
		{Code: EUR, Name: "Euro", Symbol: "€", Precision: 2},
		{Code: USD, Name: "US Dollar", Symbol: "$", Precision: 2},
	}
}

// Registry indexes known currencies by code.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Currency
}

// NewRegistry builds a registry seeded with Defaults and the provided extras.
func NewRegistry(extra ...Currency) *Registry {
	r := &Registry{items: make(map[string]Currency)}
	r.Merge(Defaults())
	r.Merge(extra)
	return r
}

// Merge adds or updates currencies. Names from the list override the built-in
// ones; precision and symbol are kept when the incoming entry leaves them blank.
func (r *Registry) Merge(list []Currency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range list {
		code := Normalize(c.Code)
		if code == "" {
			continue
		}
		existing, ok := r.items[code]
		c.Code = code
		if ok {
			if strings.TrimSpace(c.Name) == "" {
				c.Name = existing.Name
			}
			if c.Symbol == "" {
				c.Symbol = existing.Symbol
			}
			c.Precision = existing.Precision
		} else {
			c.Precision = Precision(code)
		}
		r.items[code] = c
	}
}

// Lookup finds a currency by code, case-insensitively.
func (r *Registry) Lookup(code string) (Currency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[Normalize(code)]
	return c, ok
}

// List returns all currencies, base currency first then alphabetical.
func (r *Registry) List() []Currency {
	r.mu.RLock()
	out := make([]Currency, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code == XOF || out[j].Code == XOF {
			return out[i].Code == XOF
		}
		return out[i].Code < out[j].Code
	})
	return out
}
