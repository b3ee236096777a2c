package cart_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
)

type stubProducts map[string]catalog.Product

func (s stubProducts) Product(_ context.Context, id string) (catalog.Product, error) {
	p, ok := s[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func newRouter(svc *cart.Service) http.Handler {
	h := &cart.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Post("/sessions", h.Open)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Post("/items", h.AddItem)
		r.Delete("/items", h.ClearItems)
		r.Patch("/items/{productID}", h.UpdateItem)
		r.Delete("/items/{productID}", h.RemoveItem)
		r.Put("/currency", h.SetCurrency)
		r.Put("/passenger", h.SetPassenger)
		r.Get("/tender", h.Tender)
	})
	return r
}

func newService(now *time.Time) *cart.Service {
	stock := 4
	return &cart.Service{
		Store: cart.NewMemoryStore(),
		Products: stubProducts{
			"10": {ID: "10", Name: "Perfume", SellingPriceXOF: decimal.NewNullDecimal(decimal.NewFromInt(1000)), CurrentStock: &stock},
			"11": {ID: "11", Name: "Chocolate", SellingPriceXOF: decimal.NewNullDecimal(decimal.NewFromInt(1200))},
		},
		Rules:           cart.DefaultRules(),
		DefaultCurrency: "XOF",
		TTL:             time.Hour,
		Now:             func() time.Time { return *now },
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func decodeView(t *testing.T, env envelope) cart.View {
	t.Helper()
	var v cart.View
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := newService(&now)
	router := newRouter(svc)

	status, env := call(t, router, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, status)
	view := decodeView(t, env)
	require.Equal(t, "XOF", view.Currency)
	base := "/sessions/" + view.ID

	status, env = call(t, router, http.MethodPost, base+"/items", `{"productId":10,"quantity":2}`)
	require.Equal(t, http.StatusOK, status)
	status, env = call(t, router, http.MethodPost, base+"/items", `{"productId":"11"}`)
	require.Equal(t, http.StatusOK, status)
	view = decodeView(t, env)
	require.Len(t, view.Items, 2)
	require.Equal(t, 3, view.ItemCount)
	require.Equal(t, "3200", view.Pricing.Subtotal.String())
	require.Equal(t, "576", view.Pricing.Tax.String())
	require.Equal(t, "3776", view.Pricing.Total.String())

	status, env = call(t, router, http.MethodPatch, base+"/items/10", `{"quantity":9,"discountPercent":"10"}`)
	require.Equal(t, http.StatusOK, status)
	view = decodeView(t, env)
	require.Equal(t, 4, view.Items[0].Quantity)
	require.Equal(t, "3600", view.Items[0].Subtotal.String())

	status, env = call(t, router, http.MethodGet, base+"/tender?received=5000", "")
	require.Equal(t, http.StatusOK, status)
	var tender cart.TenderView
	require.NoError(t, json.Unmarshal(env.Data, &tender))
	require.False(t, tender.Sufficient)
	require.Equal(t, "5664", tender.Total.String())
	require.Equal(t, "0", tender.Change.String())
	require.Equal(t, "664", tender.Shortfall.String())

	status, env = call(t, router, http.MethodPut, base+"/currency", `{"code":"EUR"}`)
	require.Equal(t, http.StatusOK, status)
	view = decodeView(t, env)
	require.Equal(t, "EUR", view.Currency)
	require.Equal(t, "1.52", view.Items[0].UnitPrice.String())

	status, env = call(t, router, http.MethodPut, base+"/passenger", `{"customerName":"Awa","flightReference":"af718"}`)
	require.Equal(t, http.StatusOK, status)
	view = decodeView(t, env)
	require.Equal(t, "AF718", view.Passenger.FlightReference)

	status, env = call(t, router, http.MethodDelete, base+"/items/11", "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, decodeView(t, env).Items, 1)

	status, env = call(t, router, http.MethodDelete, base+"/items", "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, decodeView(t, env).Items)

	status, _ = call(t, router, http.MethodDelete, base, "")
	require.Equal(t, http.StatusNoContent, status)
	status, env = call(t, router, http.MethodGet, base, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestHandlerErrors(t *testing.T) {
	now := time.Now()
	svc := newService(&now)
	router := newRouter(svc)

	status, env := call(t, router, http.MethodPost, "/sessions", `{"currency":"JPY"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "BAD_REQUEST", env.Error.Code)

	status, env = call(t, router, http.MethodPost, "/sessions", `{"currency":"EURO"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	_, env = call(t, router, http.MethodPost, "/sessions", `{}`)
	base := "/sessions/" + decodeView(t, env).ID

	status, env = call(t, router, http.MethodPost, base+"/items", `{"quantity":1}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	status, env = call(t, router, http.MethodPost, base+"/items", `{"productId":"99"}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "PRODUCT_NOT_FOUND", env.Error.Code)

	status, _ = call(t, router, http.MethodPatch, base+"/items/10", `{"quantity":2}`)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, router, http.MethodPatch, base+"/items/10", `{}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, router, http.MethodGet, base+"/tender?received=-1", "")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "received", env.Error.Details["field"])

	status, _ = call(t, router, http.MethodPost, "/sessions/unknown/items", `{"productId":"10"}`)
	require.Equal(t, http.StatusNotFound, status)
}

func TestSweepEvictsIdleSessionsAndRunsHooks(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := newService(&now)
	var closed []string
	svc.OnClose(func(id string) { closed = append(closed, id) })

	ctx := context.Background()
	idle, err := svc.Open(ctx, "")
	require.NoError(t, err)
	active, err := svc.Open(ctx, "USD")
	require.NoError(t, err)

	now = now.Add(50 * time.Minute)
	_, err = svc.Get(ctx, active.ID)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	require.Equal(t, 1, svc.Sweep())
	require.Equal(t, []string{idle.ID}, closed)

	_, err = svc.Get(ctx, idle.ID)
	require.ErrorIs(t, err, cart.ErrNotFound)
	view, err := svc.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, "USD", view.Currency)
	require.Equal(t, now.Add(time.Hour), view.ExpiresAt)
}
