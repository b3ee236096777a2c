package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

// SaleLine is one article of a sale as the backend expects it.
type SaleLine struct {
	ProductID          catalog.ID  `json:"product_id"`
	Quantity           int         `json:"quantity"`
	UnitPrice          json.Number `json:"unit_price"`
	DiscountPercentage json.Number `json:"discount_percentage"`
	DiscountAmount     json.Number `json:"discount_amount"`
}

// SalePayment is one tender applied to a sale.
type SalePayment struct {
	PaymentMethodID catalog.ID  `json:"payment_method_id"`
	Amount          json.Number `json:"amount"`
	CurrencyCode    string      `json:"currency_code"`
}

// SaleRequest is the body of POST /sales. Tax fields are left to the backend.
type SaleRequest struct {
	Lines           []SaleLine    `json:"lines"`
	CurrencyCode    string        `json:"currency_code"`
	Payments        []SalePayment `json:"payments"`
	CustomerName    string        `json:"customer_name,omitempty"`
	FlightReference string        `json:"flight_reference,omitempty"`
}

// Sale is the backend's acknowledgement of a recorded sale.
type Sale struct {
	ID           catalog.ID          `json:"id,omitempty"`
	TicketNumber string              `json:"ticket_number"`
	Subtotal     decimal.NullDecimal `json:"subtotal"`
	TaxAmount    decimal.NullDecimal `json:"tax_amount"`
	TotalAmount  decimal.NullDecimal `json:"total_amount"`
}

// Amount renders d as a bare JSON number.
func Amount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// RejectedError is a 4xx answer from the backend. Resubmitting the same
// payload will not succeed.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
	Details    json.RawMessage
}

func (e *RejectedError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request rejected"
	}
	return fmt.Sprintf("backend: %d: %s", e.StatusCode, msg)
}

type errorBody struct {
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Errors  json.RawMessage `json:"errors"`
}

func parseRejection(status int, body []byte) *RejectedError {
	rej := &RejectedError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		rej.Message = strings.TrimSpace(truncate(string(body), 200))
		return rej
	}
	rej.Message = eb.Message
	rej.Code = eb.Code
	if len(eb.Error) > 0 {
		var s string
		if json.Unmarshal(eb.Error, &s) == nil {
			if rej.Message == "" {
				rej.Message = s
			}
		} else {
			var nested errorBody
			if json.Unmarshal(eb.Error, &nested) == nil {
				if rej.Message == "" {
					rej.Message = nested.Message
				}
				if rej.Code == "" {
					rej.Code = nested.Code
				}
			}
		}
	}
	if len(eb.Errors) > 0 && string(eb.Errors) != "null" {
		rej.Details = eb.Errors
	}
	return rej
}

// truncate keeps at most n bytes of s without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
