package cart

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/common"
)

// Handler wires cart sessions to HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type openPayload struct {
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
}

type addItemPayload struct {
	ProductID catalog.ID `json:"productId" validate:"required"`
	Quantity  int        `json:"quantity" validate:"gte=0"`
}

type updateItemPayload struct {
	Quantity        *int             `json:"quantity"`
	DiscountPercent *decimal.Decimal `json:"discountPercent"`
}

type currencyPayload struct {
	Code string `json:"code" validate:"required,len=3,alpha"`
}

// Open handles POST /api/v1/sessions.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload openPayload
	if r.ContentLength != 0 {
		if !common.DecodeJSON(w, r, &payload, h.Validate) {
			return
		}
	}
	view, err := h.Svc.Open(r.Context(), payload.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, view)
}

// Get handles GET /api/v1/sessions/{sessionID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	view, err := h.Svc.Get(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// Close handles DELETE /api/v1/sessions/{sessionID}.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	if err := h.Svc.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /api/v1/sessions/{sessionID}/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload addItemPayload
	if !common.DecodeJSON(w, r, &payload, h.Validate) {
		return
	}
	view, err := h.Svc.AddItem(r.Context(), chi.URLParam(r, "sessionID"), payload.ProductID.String(), payload.Quantity)
	h.respond(w, view, err)
}

// UpdateItem handles PATCH /api/v1/sessions/{sessionID}/items/{productID}.
// Out-of-range values are clamped rather than rejected.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload updateItemPayload
	if !common.DecodeJSON(w, r, &payload, h.Validate) {
		return
	}
	view, err := h.Svc.UpdateItem(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "productID"), UpdateItemInput{
		Quantity:        payload.Quantity,
		DiscountPercent: payload.DiscountPercent,
	})
	h.respond(w, view, err)
}

// RemoveItem handles DELETE /api/v1/sessions/{sessionID}/items/{productID}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	view, err := h.Svc.RemoveItem(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "productID"))
	h.respond(w, view, err)
}

// ClearItems handles DELETE /api/v1/sessions/{sessionID}/items.
func (h *Handler) ClearItems(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	view, err := h.Svc.ClearItems(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// SetCurrency handles PUT /api/v1/sessions/{sessionID}/currency.
func (h *Handler) SetCurrency(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload currencyPayload
	if !common.DecodeJSON(w, r, &payload, h.Validate) {
		return
	}
	view, err := h.Svc.SetCurrency(r.Context(), chi.URLParam(r, "sessionID"), payload.Code)
	h.respond(w, view, err)
}

// SetPassenger handles PUT /api/v1/sessions/{sessionID}/passenger.
func (h *Handler) SetPassenger(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload PassengerInfo
	if !common.DecodeJSON(w, r, &payload, h.Validate) {
		return
	}
	view, err := h.Svc.SetPassenger(r.Context(), chi.URLParam(r, "sessionID"), payload)
	h.respond(w, view, err)
}

// Tender handles GET /api/v1/sessions/{sessionID}/tender?received=.
func (h *Handler) Tender(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	received := decimal.Zero
	if raw := strings.TrimSpace(r.URL.Query().Get("received")); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "received must be a non-negative amount", map[string]any{"field": "received"})
			return
		}
		received = v
	}
	tender, err := h.Svc.Tender(r.Context(), chi.URLParam(r, "sessionID"), received)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, tender)
}

func (h *Handler) respond(w http.ResponseWriter, view View, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if common.WriteAppError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "), nil)
	case errors.Is(err, ErrOutOfStock):
		common.JSONError(w, http.StatusConflict, "OUT_OF_STOCK", "product is out of stock", nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session or cart line not found", nil)
	case errors.Is(err, catalog.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "product not found", nil)
	case errors.Is(err, catalog.ErrUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "retail backend unavailable", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
