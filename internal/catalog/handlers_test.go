package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/currency"
)

type fakeSource struct {
	mu           sync.Mutex
	products     map[string]catalog.Product
	methods      []catalog.PaymentMethod
	currencies   []currency.Currency
	productCalls int
	methodCalls  int
	currencyErr  error
	lastSearch   string
	lastLimit    int
}

func newFakeSource() *fakeSource {
	stock := 5
	inactive := false
	return &fakeSource{
		products: map[string]catalog.Product{
			"42": {
				ID:              "42",
				Name:            "Parfum 50ml",
				SKU:             "PRF-50",
				SellingPriceXOF: decimal.NewNullDecimal(decimal.NewFromInt(1000)),
				CurrentStock:    &stock,
			},
		},
		methods: []catalog.PaymentMethod{
			{ID: "1", Code: "CASH", Name: "Espèces"},
			{ID: "2", Code: "CARD", Name: "Carte bancaire"},
			{ID: "3", Code: "WAVE", Name: "Wave", IsActive: &inactive},
		},
		currencies: []currency.Currency{{Code: "XOF", Name: "Franc CFA"}, {Code: "EUR", Name: "Euro"}, {Code: "GBP", Name: "Pound"}},
	}
}

func (f *fakeSource) GetProduct(_ context.Context, id string) (catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productCalls++
	p, ok := f.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (f *fakeSource) SearchProducts(_ context.Context, query string, limit int) ([]catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSearch, f.lastLimit = query, limit
	out := make([]catalog.Product, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeSource) ListCurrencies(context.Context) ([]currency.Currency, error) {
	if f.currencyErr != nil {
		return nil, f.currencyErr
	}
	return f.currencies, nil
}

func (f *fakeSource) ListPaymentMethods(context.Context) ([]catalog.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methodCalls++
	return f.methods, nil
}

func newTestService(t *testing.T, src *fakeSource) *catalog.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, err := catalog.NewService(catalog.ServiceConfig{
		Source:       src,
		ListCache:    catalog.NewCache(rdb, "test:catalog", time.Minute),
		ProductCache: catalog.NewCache(rdb, "test:catalog", time.Minute),
		Logger:       zerolog.Nop(),
		DefaultLimit: 10,
		MaxLimit:     50,
	})
	require.NoError(t, err)
	return svc
}

func withParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestCatalogHandlers(t *testing.T) {
	src := newFakeSource()
	svc := newTestService(t, src)
	handler := catalog.NewHandler(catalog.HandlerConfig{Service: svc})

	t.Run("product detail priced in EUR and cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/products/42?currency=eur", nil), "productID", "42")
			rec := httptest.NewRecorder()
			handler.Product(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp struct {
				Data struct {
					ID        json.Number `json:"id"`
					Name      string      `json:"name"`
					Currency  string      `json:"currency"`
					UnitPrice string      `json:"unit_price"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, "42", resp.Data.ID.String())
			require.Equal(t, "EUR", resp.Data.Currency)
			require.Equal(t, "1.52", resp.Data.UnitPrice)
		}
		require.Equal(t, 1, src.productCalls)
	})

	t.Run("unknown product", func(t *testing.T) {
		req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/products/7", nil), "productID", "7")
		rec := httptest.NewRecorder()
		handler.Product(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("search clamps limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/products?search=parfum&limit=500", nil)
		rec := httptest.NewRecorder()
		handler.Products(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "parfum", src.lastSearch)
		require.Equal(t, 50, src.lastLimit)
	})

	t.Run("search rejects bad input", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/products?limit=abc", nil)
		rec := httptest.NewRecorder()
		handler.Products(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/v1/products?currency=JPY", nil)
		rec = httptest.NewRecorder()
		handler.Products(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("payment methods hide inactive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/payment-methods", nil)
		rec := httptest.NewRecorder()
		handler.PaymentMethods(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data []struct {
				Code           string `json:"code"`
				Kind           string `json:"kind"`
				RequiresAmount bool   `json:"requires_amount"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 2)
		require.Equal(t, "cash", resp.Data[0].Kind)
		require.True(t, resp.Data[0].RequiresAmount)
		require.Equal(t, "card", resp.Data[1].Kind)

		req = httptest.NewRequest(http.MethodGet, "/api/v1/payment-methods?all=true", nil)
		rec = httptest.NewRecorder()
		handler.PaymentMethods(rec, req)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 3)
		require.Equal(t, 1, src.methodCalls, "second listing should be served from cache")
	})

	t.Run("refresh drops cached lists", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/catalog/refresh", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)

		_, err := svc.PaymentMethods(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, src.methodCalls)
	})

	t.Run("currencies only list supported codes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.Currencies(rec, httptest.NewRequest(http.MethodGet, "/api/v1/currencies", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data []currency.Currency `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		codes := make([]string, 0, len(resp.Data))
		for _, c := range resp.Data {
			codes = append(codes, c.Code)
		}
		require.Equal(t, []string{"XOF", "EUR", "USD"}, codes)
		require.Equal(t, "Franc CFA", resp.Data[0].Name)
	})
}

func TestCurrenciesDegradeWhenBackendDown(t *testing.T) {
	src := newFakeSource()
	src.currencyErr = fmt.Errorf("dial: %w", catalog.ErrUnavailable)
	svc := newTestService(t, src)

	list, err := svc.Currencies(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	_, err = svc.Currency(context.Background(), "gbp")
	require.True(t, errors.Is(err, catalog.ErrUnsupportedCurrency))

	eur, err := svc.Currency(context.Background(), "eur")
	require.NoError(t, err)
	require.Equal(t, int32(2), eur.Precision)
}

func TestProductUnavailableMapsTo503(t *testing.T) {
	src := &unavailableSource{fakeSource: newFakeSource()}
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src})
	require.NoError(t, err)
	handler := catalog.NewHandler(catalog.HandlerConfig{Service: svc})

	req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/products/1", nil), "productID", "1")
	rec := httptest.NewRecorder()
	handler.Product(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "BACKEND_UNAVAILABLE")
}

type unavailableSource struct{ *fakeSource }

func (*unavailableSource) GetProduct(context.Context, string) (catalog.Product, error) {
	return catalog.Product{}, fmt.Errorf("timeout: %w", catalog.ErrUnavailable)
}

func TestProductRejectsUnsupportedCurrency(t *testing.T) {
	src := newFakeSource()
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src})
	require.NoError(t, err)
	handler := catalog.NewHandler(catalog.HandlerConfig{Service: svc})

	req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/products/42?currency=GBP", nil), "productID", "42")
	rec := httptest.NewRecorder()
	handler.Product(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "currency")
	require.Zero(t, src.productCalls)
}
