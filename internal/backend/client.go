package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/currency"
	"github.com/noah-isme/backend-pos/internal/resilience"
)

var (
	// ErrNotFound is returned for 404 answers to lookups. It matches catalog.ErrNotFound.
	ErrNotFound = catalog.ErrNotFound
	// ErrUnavailable wraps transport failures, 5xx answers and an open breaker.
	// It matches catalog.ErrUnavailable.
	ErrUnavailable = catalog.ErrUnavailable
	// ErrMalformedResponse means a 2xx answer could not be decoded. The request
	// was accepted, so it must not be replayed.
	ErrMalformedResponse = errors.New("backend: malformed response")
)

const maxBodyBytes = 4 << 20

// Config configures a Client.
type Config struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	Jitter      float64
	Breaker     *resilience.Breaker
	Transport   http.RoundTripper
	Logger      zerolog.Logger
}

// Client talks to the retail backend REST API.
type Client struct {
	baseURL string
	token   string
	http    resilience.HTTPClient
	logger  zerolog.Logger
}

// New constructs a Client whose transport is traced with otelhttp.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		logger:  cfg.Logger,
		http: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(transport)},
			Breaker:     cfg.Breaker,
			Target:      "retail-backend",
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      cfg.Jitter,
			Timeout:     cfg.Timeout,
		},
	}, nil
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a definitive 4xx refusal.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// GetProduct loads one product by id.
func (c *Client) GetProduct(ctx context.Context, id string) (catalog.Product, error) {
	var p catalog.Product
	err := c.do(ctx, c.http, http.MethodGet, "/products/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

// SearchProducts runs a free-text product search.
func (c *Client) SearchProducts(ctx context.Context, query string, limit int) ([]catalog.Product, error) {
	q := url.Values{}
	if s := strings.TrimSpace(query); s != "" {
		q.Set("search", s)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []catalog.Product
	if err := c.do(ctx, c.http, http.MethodGet, "/products", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCurrencies lists the currencies known to the backend.
func (c *Client) ListCurrencies(ctx context.Context) ([]currency.Currency, error) {
	var out []currency.Currency
	if err := c.do(ctx, c.http, http.MethodGet, "/currencies", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPaymentMethods lists payment methods, active or not.
func (c *Client) ListPaymentMethods(ctx context.Context) ([]catalog.PaymentMethod, error) {
	var out []catalog.PaymentMethod
	if err := c.do(ctx, c.http, http.MethodGet, "/payment-methods", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSale posts a sale. It is attempted exactly once: the backend accepts
// no idempotency key, so retries belong to the offline queue.
func (c *Client) CreateSale(ctx context.Context, req SaleRequest) (Sale, error) {
	once := c.http
	once.MaxAttempts = 1
	var sale Sale
	if err := c.do(ctx, once, http.MethodPost, "/sales", nil, req, &sale); err != nil {
		return Sale{}, err
	}
	if strings.TrimSpace(sale.TicketNumber) == "" {
		c.logger.Warn().Str("sale_id", sale.ID.String()).Msg("sale_missing_ticket_number")
	}
	return sale, nil
}

// Ping checks that the backend answers. Any non-5xx answer counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	once := c.http
	once.MaxAttempts = 1
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/currencies", nil)
	if err != nil {
		return err
	}
	c.decorate(ctx, req)
	resp, err := once.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, hc resilience.HTTPClient, method, path string, query url.Values, body any, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	c.decorate(ctx, req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("backend_unreachable")
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %v", ErrUnavailable, method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 400:
		return parseRejection(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrap(data), out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		req.Header.Set(middleware.RequestIDHeader, reqID)
	}
}

// unwrap strips {"data": ...} envelopes, including paginated ones where the
// list sits one level deeper.
func unwrap(data []byte) []byte {
	for i := 0; i < 3; i++ {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return trimmed
		}
		var env map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return trimmed
		}
		inner, ok := env["data"]
		if !ok || len(bytes.TrimSpace(inner)) == 0 || string(bytes.TrimSpace(inner)) == "null" {
			return trimmed
		}
		data = inner
	}
	return bytes.TrimSpace(data)
}
