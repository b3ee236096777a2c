package catalog

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/currency"
)

// Handler exposes catalog lookups to POS terminals.
type Handler struct {
	service *Service
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service}
}

// Currencies handles GET /api/v1/currencies.
func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	list, err := h.service.Currencies(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, list)
}

// PaymentMethods handles GET /api/v1/payment-methods. Inactive methods are
// only listed with ?all=true.
func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	var (
		list []PaymentMethod
		err  error
	)
	if strings.EqualFold(r.URL.Query().Get("all"), "true") {
		list, err = h.service.PaymentMethods(r.Context())
	} else {
		list, err = h.service.ActivePaymentMethods(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]PaymentMethodView, 0, len(list))
	for _, m := range list {
		views = append(views, ViewOf(m))
	}
	common.Data(w, http.StatusOK, views)
}

// Products handles GET /api/v1/products?search=&limit=&currency=.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	params, err := h.service.ParseSearchParams(r.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}
	items, err := h.service.Search(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, items)
}

// Product handles GET /api/v1/products/{productID}?currency=.
func (h *Handler) Product(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	code := currency.XOF
	if v := strings.TrimSpace(r.URL.Query().Get("currency")); v != "" {
		if !currency.Supported(v) {
			h.writeError(w, common.FieldError("currency", "currency is not supported", ErrUnsupportedCurrency))
			return
		}
		code = v
	}
	product, err := h.service.Product(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.service.Price(product, code))
}

// Refresh handles POST /api/v1/admin/catalog/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	if err := h.service.Refresh(r.Context()); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to refresh catalog cache", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if common.WriteAppError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
	case errors.Is(err, ErrUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "retail backend unavailable", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
