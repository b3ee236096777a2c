package checkout

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

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/pricing"
)

var (
	// ErrEmptyCart is returned by Begin when the cart has no lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrPaymentMethodUnavailable is returned for unknown or inactive methods.
	ErrPaymentMethodUnavailable = errors.New("checkout: payment method unavailable")
	// ErrQueueUnavailable is returned when the backend is down and the sale
	// could not be queued either.
	ErrQueueUnavailable = errors.New("checkout: offline queue unavailable")
)

// Sessions gives exclusive access to cart sessions.
type Sessions interface {
	WithSession(ctx context.Context, id string, fn func(*cart.Session) error) error
	OnClose(fn func(id string))
}

// PaymentMethods lists the methods a cashier may choose from.
type PaymentMethods interface {
	PaymentMethods(ctx context.Context) ([]catalog.PaymentMethod, error)
}

// SaleCreator submits sales to the retail backend.
type SaleCreator interface {
	CreateSale(ctx context.Context, req backend.SaleRequest) (backend.Sale, error)
}

// RetryQueue stores sales that could not be submitted.
type RetryQueue interface {
	EnqueueSale(ctx context.Context, sale QueuedSale) error
}

// QueuedSale is a sale waiting on the offline queue.
type QueuedSale struct {
	Reference  string              `json:"reference"`
	SessionID  string              `json:"sessionId"`
	TerminalID string              `json:"terminalId,omitempty"`
	Request    backend.SaleRequest `json:"request"`
	Total      decimal.Decimal     `json:"total"`
	QueuedAt   time.Time           `json:"queuedAt"`
}

// Receipt is what the terminal prints after a completed sale. Backend amounts
// are authoritative when present.
type Receipt struct {
	TicketNumber string                `json:"ticketNumber"`
	SaleID       catalog.ID            `json:"saleId,omitempty"`
	Currency     string                `json:"currency"`
	Subtotal     decimal.Decimal       `json:"subtotal"`
	TaxAmount    decimal.Decimal       `json:"taxAmount"`
	TotalAmount  decimal.Decimal       `json:"totalAmount"`
	Received     decimal.Decimal       `json:"received"`
	Change       decimal.Decimal       `json:"change"`
	Payments     []backend.SalePayment `json:"payments"`
	SubmittedAt  time.Time             `json:"submittedAt"`
}

// TenderInput is one tender of a split payment.
type TenderInput struct {
	Method string          `json:"method" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// ConfirmInput finalises a checkout.
type ConfirmInput struct {
	AmountReceived    *decimal.Decimal `json:"amountReceived"`
	ExternalReference string           `json:"externalReference" validate:"omitempty,max=64"`
	Tenders           []TenderInput    `json:"tenders" validate:"omitempty,max=8,dive"`
	TerminalID        string           `json:"-"`
}

// View is the client representation of a checkout flow.
type View struct {
	SessionID      string                     `json:"sessionId"`
	State          State                      `json:"state"`
	Method         *catalog.PaymentMethodView `json:"method,omitempty"`
	Currency       string                     `json:"currency"`
	Total          decimal.Decimal            `json:"total"`
	QuickAmounts   []decimal.Decimal          `json:"quickAmounts,omitempty"`
	Receipt        *Receipt                   `json:"receipt,omitempty"`
	QueueReference string                     `json:"queueReference,omitempty"`
	LastError      string                     `json:"lastError,omitempty"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// Config configures a Service.
type Config struct {
	Sessions      Sessions
	Methods       PaymentMethods
	Sales         SaleCreator
	Queue         RetryQueue
	Logger        zerolog.Logger
	Now           func() time.Time
	SubmitTimeout time.Duration
}

// Service runs the checkout state machine for each session.
type Service struct {
	sessions      Sessions
	methods       PaymentMethods
	sales         SaleCreator
	queue         RetryQueue
	logger        zerolog.Logger
	now           func() time.Time
	submitTimeout time.Duration

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewService constructs a Service and forgets flows when their session closes.
func NewService(cfg Config) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("checkout: sessions are required")
	}
	if cfg.Methods == nil {
		return nil, errors.New("checkout: payment methods are required")
	}
	if cfg.Sales == nil {
		return nil, errors.New("checkout: sale creator is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &Service{
		sessions:      cfg.Sessions,
		methods:       cfg.Methods,
		sales:         cfg.Sales,
		queue:         cfg.Queue,
		logger:        cfg.Logger,
		now:           now,
		submitTimeout: timeout,
		flows:         make(map[string]*Flow),
	}
	cfg.Sessions.OnClose(s.Forget)
	return s, nil
}

// flow returns the session's flow, creating it on first use. Callers hold the
// session lock, which is what serializes access to a single flow.
func (s *Service) flow(id string) *Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		f = newFlow(s.now())
		s.flows[id] = f
	}
	return f
}

// Forget drops the flow of a closed session.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	delete(s.flows, id)
	s.mu.Unlock()
}

func (s *Service) view(sess *cart.Session, f *Flow) View {
	summary := sess.Cart.Summary()
	v := View{
		SessionID:      sess.ID,
		State:          f.State,
		Currency:       sess.Cart.Currency(),
		Total:          summary.Total,
		Receipt:        f.Receipt,
		QueueReference: f.QueueReference,
		LastError:      f.LastError,
		UpdatedAt:      f.UpdatedAt,
	}
	if f.Method != nil {
		mv := catalog.ViewOf(*f.Method)
		v.Method = &mv
	}
	if f.State == StateEnteringAmount {
		v.QuickAmounts = pricing.QuickAmounts(summary.Total)
	}
	return v
}

// Flow returns the current checkout view of a session.
func (s *Service) Flow(ctx context.Context, sessionID string) (View, error) {
	var out View
	err := s.sessions.WithSession(ctx, sessionID, func(sess *cart.Session) error {
		out = s.view(sess, s.flow(sess.ID))
		return nil
	})
	return out, err
}

// Begin opens the checkout dialog. The cart must not be empty.
func (s *Service) Begin(ctx context.Context, sessionID string) (View, error) {
	var out View
	err := s.sessions.WithSession(ctx, sessionID, func(sess *cart.Session) error {
		if sess.Cart.IsEmpty() {
			return ErrEmptyCart
		}
		f := s.flow(sess.ID)
		if f.State != StateIdle && !f.State.Terminal() {
			return fmt.Errorf("%w: checkout already in progress (%s)", ErrInvalidTransition, f.State)
		}
		if err := f.moveTo(StateSelectingMethod, s.now()); err != nil {
			return err
		}
		f.reset()
		out = s.view(sess, f)
		return nil
	})
	return out, err
}

// SelectMethod picks the payment method. Cash moves to amount entry, every
// other kind waits for external confirmation.
func (s *Service) SelectMethod(ctx context.Context, sessionID, code string) (View, error) {
	method, err := s.lookupMethod(ctx, code)
	if err != nil {
		return View{}, err
	}
	var out View
	err = s.sessions.WithSession(ctx, sessionID, func(sess *cart.Session) error {
		f := s.flow(sess.ID)
		switch f.State {
		case StateSelectingMethod, StateEnteringAmount, StateAwaitingConfirmation:
		default:
			return fmt.Errorf("%w: cannot select a method in %s", ErrInvalidTransition, f.State)
		}
		next := StateAwaitingConfirmation
		if method.Kind() == catalog.KindCash {
			next = StateEnteringAmount
		}
		if err := f.moveTo(next, s.now()); err != nil {
			return err
		}
		f.Method = &method
		f.LastError = ""
		out = s.view(sess, f)
		return nil
	})
	return out, err
}

func (s *Service) lookupMethod(ctx context.Context, code string) (catalog.PaymentMethod, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return catalog.PaymentMethod{}, fmt.Errorf("%w: method is required", ErrPaymentMethodUnavailable)
	}
	methods, err := s.methods.PaymentMethods(ctx)
	if err != nil {
		return catalog.PaymentMethod{}, err
	}
	for _, m := range methods {
		if strings.EqualFold(m.Code, code) || m.ID.String() == code {
			if !m.Active() {
				return catalog.PaymentMethod{}, fmt.Errorf("%w: %s is inactive", ErrPaymentMethodUnavailable, code)
			}
			return m, nil
		}
	}
	return catalog.PaymentMethod{}, fmt.Errorf("%w: %s", ErrPaymentMethodUnavailable, code)
}

// Dismiss closes the dialog. The cart is kept.
func (s *Service) Dismiss(ctx context.Context, sessionID string) (View, error) {
	var out View
	err := s.sessions.WithSession(ctx, sessionID, func(sess *cart.Session) error {
		f := s.flow(sess.ID)
		if f.State != StateIdle {
			if err := f.moveTo(StateIdle, s.now()); err != nil {
				return err
			}
		}
		f.reset()
		out = s.view(sess, f)
		return nil
	})
	return out, err
}

// Result is the outcome of Confirm.
type Result struct {
	View
	Queued bool `json:"queued"`
}

// Confirm submits the sale. A backend outage hands the sale to the retry queue
// and still clears the cart; a rejection returns the flow to idle and keeps it.
func (s *Service) Confirm(ctx context.Context, sessionID string, in ConfirmInput) (Result, error) {
	var split []Tender
	if len(in.Tenders) > 0 {
		var err error
		if split, err = s.resolveTenders(ctx, in.Tenders); err != nil {
			return Result{}, err
		}
	}

	var out Result
	err := s.sessions.WithSession(ctx, sessionID, func(sess *cart.Session) error {
		f := s.flow(sess.ID)
		if f.State != StateEnteringAmount && f.State != StateAwaitingConfirmation {
			return fmt.Errorf("%w: cannot confirm in %s", ErrInvalidTransition, f.State)
		}
		if sess.Cart.IsEmpty() {
			return ErrEmptyCart
		}
		snapshot := cart.Snapshot(sess)
		total := snapshot.Pricing.Total

		tenders := split
		if len(tenders) == 0 {
			if f.Method == nil {
				return fmt.Errorf("%w: no payment method selected", ErrInvalidTransition)
			}
			amount := total
			if f.Method.Kind() == catalog.KindCash {
				amount = decimal.Zero
				if in.AmountReceived != nil {
					amount = *in.AmountReceived
				}
			}
			tenders = []Tender{{Method: *f.Method, Amount: amount}}
		}
		settlement, err := Settle(total, snapshot.Currency, tenders)
		if err != nil {
			return err
		}

		if err := f.moveTo(StateSubmitting, s.now()); err != nil {
			return err
		}
		req := BuildSaleRequest(snapshot, sess.Cart.Passenger(), settlement.Payments)
		res, err := s.submit(ctx, sess, f, in, req, settlement, snapshot.Pricing)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Service) resolveTenders(ctx context.Context, inputs []TenderInput) ([]Tender, error) {
	out := make([]Tender, 0, len(inputs))
	for _, in := range inputs {
		m, err := s.lookupMethod(ctx, in.Method)
		if err != nil {
			return nil, err
		}
		out = append(out, Tender{Method: m, Amount: in.Amount})
	}
	return out, nil
}

func (s *Service) submit(ctx context.Context, sess *cart.Session, f *Flow, in ConfirmInput, req backend.SaleRequest, settlement Settlement, totals cart.Totals) (Result, error) {
	// the sale is already on its way; a client disconnect must not abort it
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitTimeout)
	defer cancel()

	log := s.logger.With().
		Str("session_id", sess.ID).
		Str("currency", req.CurrencyCode).
		Str("total", totals.Total.String()).
		Int("lines", len(req.Lines)).
		Logger()
	if in.ExternalReference != "" {
		log = log.With().Str("external_reference", in.ExternalReference).Logger()
	}

	start := s.now()
	sale, err := s.sales.CreateSale(submitCtx, req)
	elapsed := s.now().Sub(start)

	switch {
	case err == nil, errors.Is(err, backend.ErrMalformedResponse):
		if err != nil {
			log.Warn().Err(err).Msg("sale_accepted_without_readable_receipt")
		}
		observeSubmit("completed", elapsed)
		receipt := buildReceipt(sale, req, settlement, totals, s.now())
		f.Receipt = &receipt
		sess.Cart.Clear()
		if err := f.moveTo(StateCompleted, s.now()); err != nil {
			return Result{}, err
		}
		log.Info().Str("ticket_number", receipt.TicketNumber).Str("change", settlement.Change.String()).Msg("sale_completed")
		return Result{View: s.view(sess, f)}, nil

	case backend.IsRejected(err):
		observeSubmit("rejected", elapsed)
		f.LastError = err.Error()
		_ = f.moveTo(StateIdle, s.now())
		log.Warn().Err(err).Msg("sale_rejected")
		return Result{}, err

	case backend.IsUnavailable(err) && s.queue != nil:
		observeSubmit("unavailable", elapsed)
		queued := QueuedSale{
			Reference:  uuid.NewString(),
			SessionID:  sess.ID,
			TerminalID: in.TerminalID,
			Request:    req,
			Total:      totals.Total,
			QueuedAt:   s.now(),
		}
		if qerr := s.queue.EnqueueSale(submitCtx, queued); qerr != nil {
			f.LastError = qerr.Error()
			_ = f.moveTo(StateIdle, s.now())
			log.Error().Err(qerr).AnErr("submit_error", err).Msg("sale_queue_failed")
			return Result{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, qerr)
		}
		if obs.SalesQueuedTotal != nil {
			obs.SalesQueuedTotal.Inc()
		}
		f.QueueReference = queued.Reference
		sess.Cart.Clear()
		if err := f.moveTo(StateFailedRetryQueued, s.now()); err != nil {
			return Result{}, err
		}
		log.Warn().Err(err).Str("queue_reference", queued.Reference).Msg("sale_queued_offline")
		return Result{View: s.view(sess, f), Queued: true}, nil

	default:
		observeSubmit("error", elapsed)
		f.LastError = err.Error()
		_ = f.moveTo(StateIdle, s.now())
		log.Error().Err(err).Msg("sale_submit_failed")
		if backend.IsUnavailable(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		return Result{}, err
	}
}

func observeSubmit(result string, elapsed time.Duration) {
	if obs.SalesSubmittedTotal != nil {
		obs.SalesSubmittedTotal.WithLabelValues(result).Inc()
	}
	if obs.SaleSubmitLatency != nil {
		obs.SaleSubmitLatency.WithLabelValues(result).Observe(float64(elapsed.Milliseconds()))
	}
}

func buildReceipt(sale backend.Sale, req backend.SaleRequest, settlement Settlement, totals cart.Totals, now time.Time) Receipt {
	r := Receipt{
		TicketNumber: strings.TrimSpace(sale.TicketNumber),
		SaleID:       sale.ID,
		Currency:     req.CurrencyCode,
		Subtotal:     totals.Subtotal,
		TaxAmount:    totals.Tax,
		TotalAmount:  totals.Total,
		Received:     settlement.Received,
		Change:       settlement.Change,
		Payments:     req.Payments,
		SubmittedAt:  now,
	}
	if sale.Subtotal.Valid {
		r.Subtotal = sale.Subtotal.Decimal
	}
	if sale.TaxAmount.Valid {
		r.TaxAmount = sale.TaxAmount.Decimal
	}
	if sale.TotalAmount.Valid {
		r.TotalAmount = sale.TotalAmount.Decimal
	}
	return r
}
