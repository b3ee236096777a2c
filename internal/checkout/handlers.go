package checkout

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/obs"
)

// Handler exposes the checkout dialog of a session.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type methodPayload struct {
	Code string `json:"code" validate:"required,max=32"`
}

// Get handles GET /api/v1/sessions/{sessionID}/checkout.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	view, err := h.Svc.Flow(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// Begin handles POST /api/v1/sessions/{sessionID}/checkout.
func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	view, err := h.Svc.Begin(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
}

// SelectMethod handles POST /api/v1/sessions/{sessionID}/checkout/method.
func (h *Handler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload methodPayload
	if !common.DecodeJSON(w, r, &payload, h.Validate) {
		return
	}
	view, err := h.Svc.SelectMethod(r.Context(), chi.URLParam(r, "sessionID"), payload.Code)
	h.respond(w, view, err)
}

// Confirm handles POST /api/v1/sessions/{sessionID}/checkout/confirm. A sale
// handed to the offline queue is answered with 202.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload ConfirmInput
	if r.ContentLength != 0 {
		if !common.DecodeJSON(w, r, &payload, h.Validate) {
			return
		}
	}
	payload.TerminalID = strings.TrimSpace(r.Header.Get(obs.TerminalHeader))
	res, err := h.Svc.Confirm(r.Context(), chi.URLParam(r, "sessionID"), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	common.Data(w, status, res)
}

// Dismiss handles DELETE /api/v1/sessions/{sessionID}/checkout.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	view, err := h.Svc.Dismiss(r.Context(), chi.URLParam(r, "sessionID"))
	h.respond(w, view, err)
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
	var short *InsufficientTenderError
	if errors.As(err, &short) {
		common.JSONError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_TENDER", "amount received does not cover the total", map[string]any{
			"total":     short.Total,
			"received":  short.Received,
			"shortfall": short.Shortfall,
		})
		return
	}
	var rejected *backend.RejectedError
	if errors.As(err, &rejected) {
		details := map[string]any{"status": rejected.StatusCode}
		if rejected.Code != "" {
			details["code"] = rejected.Code
		}
		if len(rejected.Details) > 0 {
			details["errors"] = rejected.Details
		}
		common.JSONError(w, http.StatusUnprocessableEntity, "SALE_REJECTED", rejected.Error(), details)
		return
	}
	switch {
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusConflict, "EMPTY_CART", "cart is empty", nil)
	case errors.Is(err, ErrPaymentMethodUnavailable):
		common.JSONError(w, http.StatusUnprocessableEntity, "PAYMENT_METHOD_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, ErrInvalidTender):
		common.JSONError(w, http.StatusBadRequest, "INVALID_TENDER", err.Error(), nil)
	case errors.Is(err, ErrQueueUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "SALE_QUEUE_UNAVAILABLE", "backend unavailable and the sale could not be queued", nil)
	case errors.Is(err, cart.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	case errors.Is(err, catalog.ErrUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "retail backend unavailable", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
