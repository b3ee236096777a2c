package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/currency"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/pricing"
)

// ProductLookup resolves products for new cart lines.
type ProductLookup interface {
	Product(ctx context.Context, id string) (catalog.Product, error)
}

// CurrencyLookup validates currency codes.
type CurrencyLookup interface {
	Currency(ctx context.Context, code string) (currency.Currency, error)
}

// Service manages in-memory cart sessions.
type Service struct {
	Store           *MemoryStore
	Products        ProductLookup
	Currencies      CurrencyLookup
	Rules           Rules
	DefaultCurrency string
	TTL             time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time

	hookMu  sync.Mutex
	onClose []func(id string)
}

// UpdateItemInput carries optional line changes.
type UpdateItemInput struct {
	Quantity        *int
	DiscountPercent *decimal.Decimal
}

// View is a read-only snapshot of a session.
type View struct {
	ID        string         `json:"id"`
	Currency  string         `json:"currency"`
	Items     []LineView     `json:"items"`
	ItemCount int            `json:"itemCount"`
	Passenger *PassengerInfo `json:"passenger,omitempty"`
	Pricing   Totals         `json:"pricing"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// LineView adds computed amounts to an Item.
type LineView struct {
	Item
	Subtotal     decimal.Decimal `json:"subtotal"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
}

// Totals is the cart pricing summary.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	TaxRateBps int             `json:"taxRateBps"`
}

// TenderView is a cash tender preview.
type TenderView struct {
	pricing.Tender
	Currency     string            `json:"currency"`
	QuickAmounts []decimal.Decimal `json:"quickAmounts"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 12 * time.Hour
}

func (s *Service) rules() Rules {
	r := s.Rules
	if !r.Resolver.PegEUR.IsPositive() && !r.Resolver.PegUSD.IsPositive() {
		r.Resolver = currency.DefaultResolver
	}
	return r
}

// OnClose registers fn to run whenever a session is closed or evicted.
func (s *Service) OnClose(fn func(id string)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.hookMu.Unlock()
}

func (s *Service) closed(id string) {
	s.hookMu.Lock()
	hooks := append([]func(string){}, s.onClose...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (s *Service) reportOpen() {
	if obs.OpenSessions != nil && s.Store != nil {
		obs.OpenSessions.Set(float64(s.Store.Len()))
	}
}

func (s *Service) validateCurrency(ctx context.Context, code string) (string, error) {
	code = currency.Normalize(code)
	if s.Currencies != nil {
		c, err := s.Currencies.Currency(ctx, code)
		if err != nil {
			return "", fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, code)
		}
		return c.Code, nil
	}
	if !currency.Supported(code) {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrInvalidInput, code)
	}
	return code, nil
}

// Open starts a new session in code, or in the default currency when empty.
func (s *Service) Open(ctx context.Context, code string) (View, error) {
	if s.Store == nil {
		return View{}, errors.New("cart store not configured")
	}
	if strings.TrimSpace(code) == "" {
		code = s.DefaultCurrency
	}
	if strings.TrimSpace(code) == "" {
		code = currency.XOF
	}
	code, err := s.validateCurrency(ctx, code)
	if err != nil {
		return View{}, err
	}
	now := s.now()
	c := New(code, s.rules())
	c.now = s.now
	sess := newSession(uuid.NewString(), c, now, s.ttl())
	s.Store.Put(sess)
	s.reportOpen()
	s.Logger.Info().Str("session_id", sess.ID).Str("currency", code).Msg("cart_session_opened")
	return Snapshot(sess), nil
}

// WithSession runs fn while holding the session lock and refreshes its TTL.
func (s *Service) WithSession(_ context.Context, id string, fn func(*Session) error) error {
	if s.Store == nil {
		return errors.New("cart store not configured")
	}
	sess, ok := s.Store.Get(strings.TrimSpace(id))
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := s.now()
	if sess.expired(now) {
		return fmt.Errorf("%w: session %s expired", ErrNotFound, id)
	}
	sess.touch(now, s.ttl())
	return fn(sess)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Cart) error) (View, error) {
	var view View
	err := s.WithSession(ctx, id, func(sess *Session) error {
		if err := fn(sess.Cart); err != nil {
			return err
		}
		view = Snapshot(sess)
		return nil
	})
	return view, err
}

// Get returns the session snapshot.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(*Cart) error { return nil })
}

// Close discards the session and its cart.
func (s *Service) Close(_ context.Context, id string) error {
	if s.Store == nil {
		return errors.New("cart store not configured")
	}
	if !s.Store.Delete(strings.TrimSpace(id)) {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	s.reportOpen()
	s.closed(id)
	s.Logger.Info().Str("session_id", id).Msg("cart_session_closed")
	return nil
}

// AddItem looks the product up and adds qty of it to the cart.
func (s *Service) AddItem(ctx context.Context, id, productID string, qty int) (View, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return View{}, fmt.Errorf("%w: productId is required", ErrInvalidInput)
	}
	if s.Products == nil {
		return View{}, errors.New("product lookup not configured")
	}
	if _, ok := s.Store.Get(strings.TrimSpace(id)); !ok {
		return View{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	product, err := s.Products.Product(ctx, productID)
	if err != nil {
		return View{}, err
	}
	return s.mutate(ctx, id, func(c *Cart) error {
		_, err := c.Add(product, qty)
		return err
	})
}

// UpdateItem changes a line's quantity and/or discount, clamping both.
func (s *Service) UpdateItem(ctx context.Context, id, productID string, in UpdateItemInput) (View, error) {
	if in.Quantity == nil && in.DiscountPercent == nil {
		return View{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	pid := catalog.ID(strings.TrimSpace(productID))
	return s.mutate(ctx, id, func(c *Cart) error {
		if in.Quantity != nil {
			if _, err := c.SetQuantity(pid, *in.Quantity); err != nil {
				return err
			}
		}
		if in.DiscountPercent != nil {
			if _, err := c.SetDiscount(pid, *in.DiscountPercent); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(ctx context.Context, id, productID string) (View, error) {
	pid := catalog.ID(strings.TrimSpace(productID))
	return s.mutate(ctx, id, func(c *Cart) error { return c.Remove(pid) })
}

// ClearItems empties the cart but keeps the session.
func (s *Service) ClearItems(ctx context.Context, id string) (View, error) {
	return s.mutate(ctx, id, func(c *Cart) error {
		c.Clear()
		return nil
	})
}

// SetCurrency switches the cart currency, re-pricing every line.
func (s *Service) SetCurrency(ctx context.Context, id, code string) (View, error) {
	code, err := s.validateCurrency(ctx, code)
	if err != nil {
		return View{}, err
	}
	return s.mutate(ctx, id, func(c *Cart) error { return c.SetCurrency(code) })
}

// SetPassenger stores duty-free passenger details on the session.
func (s *Service) SetPassenger(ctx context.Context, id string, p PassengerInfo) (View, error) {
	return s.mutate(ctx, id, func(c *Cart) error {
		c.SetPassenger(p)
		return nil
	})
}

// Tender previews change and quick amounts for a cash payment of received.
func (s *Service) Tender(ctx context.Context, id string, received decimal.Decimal) (TenderView, error) {
	if received.IsNegative() {
		return TenderView{}, fmt.Errorf("%w: received amount cannot be negative", ErrInvalidInput)
	}
	var out TenderView
	err := s.WithSession(ctx, id, func(sess *Session) error {
		total := sess.Cart.Summary().Total
		out = TenderView{
			Tender:       pricing.EvaluateTender(total, received),
			Currency:     sess.Cart.Currency(),
			QuickAmounts: pricing.QuickAmounts(total),
		}
		return nil
	})
	return out, err
}

// Sweep evicts expired sessions and returns how many were removed.
func (s *Service) Sweep() int {
	if s.Store == nil {
		return 0
	}
	ids := s.Store.RemoveExpired(s.now())
	for _, id := range ids {
		s.closed(id)
	}
	if len(ids) > 0 {
		s.reportOpen()
		s.Logger.Info().Int("evicted", len(ids)).Msg("cart_sessions_evicted")
	}
	return len(ids)
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Snapshot renders the session. The caller must hold the session lock.
func Snapshot(sess *Session) View {
	c := sess.Cart
	summary := c.Summary()
	lines := make([]LineView, 0, c.Len())
	count := 0
	for _, it := range c.items {
		count += it.Quantity
		lines = append(lines, LineView{Item: it, Subtotal: it.Subtotal(), ExchangeRate: c.ExchangeRate(it)})
	}
	view := View{
		ID:        sess.ID,
		Currency:  c.Currency(),
		Items:     lines,
		ItemCount: count,
		Pricing: Totals{
			Subtotal:   summary.Subtotal,
			Tax:        summary.Tax,
			Total:      summary.Total,
			TaxRateBps: summary.TaxBps,
		},
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt(),
	}
	if p := c.Passenger(); !p.IsZero() {
		view.Passenger = &p
	}
	return view
}
