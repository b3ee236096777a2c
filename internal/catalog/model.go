package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/currency"
)

// ID is a backend identifier. The retail backend emits numeric ids; ids are
// kept as text and written back as JSON numbers when they are purely numeric.
type ID string

// UnmarshalJSON accepts JSON strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("catalog: invalid id %s", string(data))
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if isNumeric(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

func isNumeric(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Product is a sellable article as exposed by the retail backend.
type Product struct {
	ID              ID                  `json:"id"`
	Name            string              `json:"name"`
	SKU             string              `json:"sku,omitempty"`
	Barcode         string              `json:"barcode,omitempty"`
	SellingPriceXOF decimal.NullDecimal `json:"selling_price_xof"`
	SellingPriceEUR decimal.NullDecimal `json:"selling_price_eur"`
	SellingPriceUSD decimal.NullDecimal `json:"selling_price_usd"`
	CurrentStock    *int                `json:"current_stock"`
}

// Prices returns the list prices in the form the currency resolver expects.
func (p Product) Prices() currency.Prices {
	return currency.Prices{XOF: p.SellingPriceXOF, EUR: p.SellingPriceEUR, USD: p.SellingPriceUSD}
}

// ProductView is a product priced in a requested currency.
type ProductView struct {
	Product
	Currency  string          `json:"currency"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Kind groups payment methods by how they are confirmed at the till.
type Kind string

const (
	KindCash        Kind = "cash"
	KindCard        Kind = "card"
	KindMobileMoney Kind = "mobile_money"
	KindOther       Kind = "other"
)

// PaymentMethod is a tender type configured on the retail backend.
type PaymentMethod struct {
	ID       ID     `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	IsActive *bool  `json:"is_active,omitempty"`
}

// Active treats a missing flag as active.
func (m PaymentMethod) Active() bool {
	return m.IsActive == nil || *m.IsActive
}

// Kind classifies the method from its declared type, falling back to its code.
func (m PaymentMethod) Kind() Kind {
	for _, v := range []string{m.Type, m.Code} {
		if k := classify(v); k != KindOther {
			return k
		}
	}
	return KindOther
}

// RequiresAmount reports whether the cashier must enter a received amount.
func (m PaymentMethod) RequiresAmount() bool {
	return m.Kind() == KindCash
}

func classify(raw string) Kind {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return KindOther
	}
	switch {
	case strings.Contains(v, "cash"), strings.Contains(v, "espece"), strings.Contains(v, "espèce"):
		return KindCash
	case strings.Contains(v, "mobile"), strings.Contains(v, "momo"), strings.Contains(v, "wave"),
		strings.Contains(v, "orange"), strings.Contains(v, "mtn"), strings.Contains(v, "moov"):
		return KindMobileMoney
	case strings.Contains(v, "card"), strings.Contains(v, "carte"), strings.Contains(v, "visa"),
		strings.Contains(v, "master"), strings.Contains(v, "tpe"):
		return KindCard
	default:
		return KindOther
	}
}

// PaymentMethodView adds the derived kind to the backend record.
type PaymentMethodView struct {
	PaymentMethod
	Kind           Kind `json:"kind"`
	RequiresAmount bool `json:"requires_amount"`
}

// ViewOf builds the client representation of a payment method.
func ViewOf(m PaymentMethod) PaymentMethodView {
	return PaymentMethodView{PaymentMethod: m, Kind: m.Kind(), RequiresAmount: m.RequiresAmount()}
}
