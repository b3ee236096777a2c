package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/currency"
)

var (
	// ErrNotFound is returned when the backend has no such product.
	ErrNotFound = errors.New("catalog: not found")
	// ErrUnavailable marks failures to reach the retail backend.
	ErrUnavailable = errors.New("catalog: source unavailable")
	// ErrUnsupportedCurrency is returned for codes the POS cannot price in.
	ErrUnsupportedCurrency = errors.New("catalog: unsupported currency")
)

const (
	keyCurrencies     = "currencies"
	keyPaymentMethods = "payment-methods"
)

// Source is the upstream provider of catalog data.
type Source interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]Product, error)
	ListCurrencies(ctx context.Context) ([]currency.Currency, error)
	ListPaymentMethods(ctx context.Context) ([]PaymentMethod, error)
}

// Service fronts the retail backend with Redis caching and currency pricing.
type Service struct {
	source       Source
	lists        *Cache
	products     *Cache
	registry     *currency.Registry
	resolver     currency.Resolver
	logger       zerolog.Logger
	defaultLimit int
	maxLimit     int
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Source       Source
	ListCache    *Cache
	ProductCache *Cache
	Registry     *currency.Registry
	Resolver     currency.Resolver
	Logger       zerolog.Logger
	DefaultLimit int
	MaxLimit     int
}

// SearchParams captures product search filters.
type SearchParams struct {
	Query    string
	Limit    int
	Currency string
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errors.New("catalog: source is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = currency.NewRegistry()
	}
	resolver := cfg.Resolver
	if !resolver.PegEUR.IsPositive() && !resolver.PegUSD.IsPositive() {
		resolver = currency.DefaultResolver
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = 20
	}
	maxLimit := cfg.MaxLimit
	if maxLimit < 1 {
		maxLimit = 100
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &Service{
		source:       cfg.Source,
		lists:        cfg.ListCache,
		products:     cfg.ProductCache,
		registry:     registry,
		resolver:     resolver,
		logger:       cfg.Logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}, nil
}

// Resolver returns the resolver used to price products.
func (s *Service) Resolver() currency.Resolver {
	return s.resolver
}

// ParseSearchParams normalises raw query values.
func (s *Service) ParseSearchParams(values url.Values) (SearchParams, error) {
	params := SearchParams{Limit: s.defaultLimit}
	params.Query = strings.TrimSpace(values.Get("search"))
	if params.Query == "" {
		params.Query = strings.TrimSpace(values.Get("q"))
	}
	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 {
			return params, common.FieldError("limit", "limit must be a positive integer", err)
		}
		params.Limit = l
	}
	if params.Limit > s.maxLimit {
		params.Limit = s.maxLimit
	}
	if v := strings.TrimSpace(values.Get("currency")); v != "" {
		if !currency.Supported(v) {
			return params, common.FieldError("currency", "currency is not supported", ErrUnsupportedCurrency)
		}
		params.Currency = currency.Normalize(v)
	}
	return params, nil
}

// Product fetches one product, serving from the product cache when possible.
func (s *Service) Product(ctx context.Context, id string) (Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, common.FieldError("id", "product id is required", nil)
	}
	cacheKey := "product:" + id
	var cached Product
	if ok, err := s.products.GetJSON(ctx, cacheKey, &cached); err != nil {
		s.logger.Warn().Err(err).Str("product_id", id).Msg("catalog_cache_read_failed")
	} else if ok {
		return cached, nil
	}
	product, err := s.source.GetProduct(ctx, id)
	if err != nil {
		return Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	if err := s.products.SetJSON(ctx, cacheKey, product); err != nil {
		s.logger.Warn().Err(err).Str("product_id", id).Msg("catalog_cache_write_failed")
	}
	return product, nil
}

// Search queries products on the backend. Results are not cached so stock
// figures stay current.
func (s *Service) Search(ctx context.Context, params SearchParams) ([]ProductView, error) {
	limit := params.Limit
	if limit < 1 {
		limit = s.defaultLimit
	}
	products, err := s.source.SearchProducts(ctx, params.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	code := params.Currency
	if code == "" {
		code = currency.XOF
	}
	out := make([]ProductView, 0, len(products))
	for _, p := range products {
		out = append(out, s.Price(p, code))
	}
	return out, nil
}

// Price resolves p in the given currency.
func (s *Service) Price(p Product, code string) ProductView {
	code = currency.Normalize(code)
	if !currency.Supported(code) {
		code = currency.XOF
	}
	return ProductView{Product: p, Currency: code, UnitPrice: s.resolver.Resolve(p.Prices(), code)}
}

// Currencies lists the currencies sales can be charged in. Names come from the
// backend when reachable; otherwise the built-in list is served.
func (s *Service) Currencies(ctx context.Context) ([]currency.Currency, error) {
	var list []currency.Currency
	ok, err := s.lists.GetJSON(ctx, keyCurrencies, &list)
	if err != nil {
		s.logger.Warn().Err(err).Msg("catalog_cache_read_failed")
	}
	if !ok {
		list, err = s.source.ListCurrencies(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("catalog_currencies_degraded")
			return s.supported(), nil
		}
		if err := s.lists.SetJSON(ctx, keyCurrencies, list); err != nil {
			s.logger.Warn().Err(err).Msg("catalog_cache_write_failed")
		}
	}
	s.registry.Merge(list)
	return s.supported(), nil
}

func (s *Service) supported() []currency.Currency {
	all := s.registry.List()
	out := make([]currency.Currency, 0, len(all))
	for _, c := range all {
		if currency.Supported(c.Code) {
			out = append(out, c)
		}
	}
	return out
}

// Currency validates code and returns its definition.
func (s *Service) Currency(_ context.Context, code string) (currency.Currency, error) {
	if !currency.Supported(code) {
		return currency.Currency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	c, ok := s.registry.Lookup(code)
	if !ok {
		return currency.Currency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// PaymentMethods lists every payment method configured on the backend.
func (s *Service) PaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	var list []PaymentMethod
	ok, err := s.lists.GetJSON(ctx, keyPaymentMethods, &list)
	if err != nil {
		s.logger.Warn().Err(err).Msg("catalog_cache_read_failed")
	}
	if ok {
		return list, nil
	}
	list, err = s.source.ListPaymentMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	if err := s.lists.SetJSON(ctx, keyPaymentMethods, list); err != nil {
		s.logger.Warn().Err(err).Msg("catalog_cache_write_failed")
	}
	return list, nil
}

// ActivePaymentMethods filters PaymentMethods to the active ones.
func (s *Service) ActivePaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	all, err := s.PaymentMethods(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PaymentMethod, 0, len(all))
	for _, m := range all {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Refresh drops cached currency and payment method lists.
func (s *Service) Refresh(ctx context.Context) error {
	return s.lists.Delete(ctx, keyCurrencies, keyPaymentMethods)
}
