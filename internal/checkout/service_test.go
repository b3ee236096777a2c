package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/checkout"
)

type stubProducts map[string]catalog.Product

func (s stubProducts) Product(_ context.Context, id string) (catalog.Product, error) {
	p, ok := s[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

type stubMethods []catalog.PaymentMethod

func (s stubMethods) PaymentMethods(context.Context) ([]catalog.PaymentMethod, error) {
	return s, nil
}

type fakeSales struct {
	mu      sync.Mutex
	err     error
	sale    backend.Sale
	calls   []backend.SaleRequest
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSales) CreateSale(_ context.Context, req backend.SaleRequest) (backend.Sale, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.sale, f.err
}

func (f *fakeSales) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQueue struct {
	err   error
	sales []checkout.QueuedSale
}

func (f *fakeQueue) EnqueueSale(_ context.Context, sale checkout.QueuedSale) error {
	if f.err != nil {
		return f.err
	}
	f.sales = append(f.sales, sale)
	return nil
}

var inactive = false

var methods = stubMethods{
	{ID: "1", Code: "CASH", Name: "Espèces", Type: "cash"},
	{ID: "2", Code: "VISA", Name: "Carte Visa", Type: "card"},
	{ID: "3", Code: "WAVE", Name: "Wave", Type: "mobile_money"},
	{ID: "4", Code: "CHEQUE", Name: "Chèque", IsActive: &inactive},
}

type fixture struct {
	carts    *cart.Service
	checkout *checkout.Service
	sales    *fakeSales
	queue    *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSales(t, nil)
}

// newFixtureWithSales posts sales through sales instead of the in-memory fake
// when it is non-nil.
func newFixtureWithSales(t *testing.T, sales checkout.SaleCreator) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	carts := &cart.Service{
		Store: cart.NewMemoryStore(),
		Products: stubProducts{
			"10": {ID: "10", Name: "Perfume", SellingPriceXOF: decimal.NewNullDecimal(decimal.NewFromInt(1000))},
		},
		Rules:           cart.DefaultRules(),
		DefaultCurrency: "XOF",
		TTL:             time.Hour,
		Now:             clock,
	}
	fx := &fixture{
		carts: carts,
		sales: &fakeSales{sale: backend.Sale{ID: "77", TicketNumber: "T-0001"}},
		queue: &fakeQueue{},
	}
	if sales == nil {
		sales = fx.sales
	}
	svc, err := checkout.NewService(checkout.Config{
		Sessions: carts,
		Methods:  methods,
		Sales:    sales,
		Queue:    fx.queue,
		Now:      clock,
	})
	require.NoError(t, err)
	fx.checkout = svc
	return fx
}

// openCart returns a session holding 2 x 1000 XOF, total 2360 with tax.
func (fx *fixture) openCart(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	view, err := fx.carts.Open(ctx, "")
	require.NoError(t, err)
	_, err = fx.carts.AddItem(ctx, view.ID, "10", 2)
	require.NoError(t, err)
	return view.ID
}

func amount(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestCashCheckoutCompletes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.openCart(t)

	view, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.StateSelectingMethod, view.State)
	require.Equal(t, "2360", view.Total.String())

	view, err = fx.checkout.SelectMethod(ctx, id, "cash")
	require.NoError(t, err)
	require.Equal(t, checkout.StateEnteringAmount, view.State)
	require.NotEmpty(t, view.QuickAmounts)

	_, err = fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{AmountReceived: amount(2000)})
	var short *checkout.InsufficientTenderError
	require.ErrorAs(t, err, &short)
	require.Equal(t, "360", short.Shortfall.String())
	require.Equal(t, 0, fx.sales.count())

	view, err = fx.checkout.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.StateEnteringAmount, view.State)

	res, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{AmountReceived: amount(2500)})
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.Equal(t, checkout.StateCompleted, res.State)
	require.NotNil(t, res.Receipt)
	require.Equal(t, "T-0001", res.Receipt.TicketNumber)
	require.Equal(t, "140", res.Receipt.Change.String())
	require.Equal(t, "2360", res.Receipt.TotalAmount.String())
	require.Equal(t, "360", res.Receipt.TaxAmount.String())

	require.Equal(t, 1, fx.sales.count())
	req := fx.sales.calls[0]
	require.Equal(t, "XOF", req.CurrencyCode)
	require.Len(t, req.Lines, 1)
	require.Equal(t, 2, req.Lines[0].Quantity)
	require.Equal(t, "0", req.Lines[0].DiscountAmount.String())
	require.Equal(t, "2360", req.Payments[0].Amount.String())

	cv, err := fx.carts.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, cv.Items)

	// a new checkout needs a new cart
	_, err = fx.checkout.Begin(ctx, id)
	require.ErrorIs(t, err, checkout.ErrEmptyCart)
}

func TestCardCheckoutNeedsNoAmount(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	view, err := fx.checkout.SelectMethod(ctx, id, "VISA")
	require.NoError(t, err)
	require.Equal(t, checkout.StateAwaitingConfirmation, view.State)
	require.Equal(t, catalog.KindCard, view.Method.Kind)
	require.Empty(t, view.QuickAmounts)

	res, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{ExternalReference: "AUTH-991"})
	require.NoError(t, err)
	require.Equal(t, checkout.StateCompleted, res.State)
	require.True(t, res.Receipt.Change.IsZero())
}

func TestSelectMethodErrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.SelectMethod(ctx, id, "CASH")
	require.ErrorIs(t, err, checkout.ErrInvalidTransition)

	_, err = fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.Begin(ctx, id)
	require.ErrorIs(t, err, checkout.ErrInvalidTransition)

	_, err = fx.checkout.SelectMethod(ctx, id, "CHEQUE")
	require.ErrorIs(t, err, checkout.ErrPaymentMethodUnavailable)
	_, err = fx.checkout.SelectMethod(ctx, id, "BITCOIN")
	require.ErrorIs(t, err, checkout.ErrPaymentMethodUnavailable)

	// by id works too
	view, err := fx.checkout.SelectMethod(ctx, id, "3")
	require.NoError(t, err)
	require.Equal(t, checkout.StateAwaitingConfirmation, view.State)

	view, err = fx.checkout.Dismiss(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.StateIdle, view.State)
	require.Nil(t, view.Method)

	_, err = fx.checkout.Begin(ctx, "missing")
	require.ErrorIs(t, err, cart.ErrNotFound)
}

func TestRejectedSaleKeepsCart(t *testing.T) {
	fx := newFixture(t)
	fx.sales.err = &backend.RejectedError{StatusCode: 422, Message: "stock insuffisant"}
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "VISA")
	require.NoError(t, err)

	_, err = fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{})
	require.True(t, backend.IsRejected(err))

	view, err := fx.checkout.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.StateIdle, view.State)
	require.Contains(t, view.LastError, "stock insuffisant")
	require.Empty(t, fx.queue.sales)

	cv, err := fx.carts.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, cv.Items, 1)
}

func TestUnavailableBackendQueuesSale(t *testing.T) {
	fx := newFixture(t)
	fx.sales.err = backend.ErrUnavailable
	ctx := context.Background()
	id := fx.openCart(t)
	require.NoError(t, fx.carts.WithSession(ctx, id, func(s *cart.Session) error {
		s.Cart.SetPassenger(cart.PassengerInfo{CustomerName: " Awa ", FlightReference: "af718"})
		return nil
	}))

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "CASH")
	require.NoError(t, err)

	res, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{AmountReceived: amount(5000), TerminalID: "till-2"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Equal(t, checkout.StateFailedRetryQueued, res.State)
	require.NotEmpty(t, res.QueueReference)

	require.Len(t, fx.queue.sales, 1)
	queued := fx.queue.sales[0]
	require.Equal(t, res.QueueReference, queued.Reference)
	require.Equal(t, "till-2", queued.TerminalID)
	require.Equal(t, "2360", queued.Total.String())
	require.Equal(t, "Awa", queued.Request.CustomerName)

	cv, err := fx.carts.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, cv.Items)
}

func TestQueueFailureReturnsToIdle(t *testing.T) {
	fx := newFixture(t)
	fx.sales.err = backend.ErrUnavailable
	fx.queue.err = errors.New("redis down")
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "VISA")
	require.NoError(t, err)

	_, err = fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{})
	require.ErrorIs(t, err, checkout.ErrQueueUnavailable)

	view, err := fx.checkout.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, checkout.StateIdle, view.State)
	cv, err := fx.carts.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, cv.Items, 1)
}

func TestMalformedAcknowledgementCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.sales.err = backend.ErrMalformedResponse
	fx.sales.sale = backend.Sale{}
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "VISA")
	require.NoError(t, err)

	res, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{})
	require.NoError(t, err)
	require.Equal(t, checkout.StateCompleted, res.State)
	require.Empty(t, fx.queue.sales)
	require.Equal(t, "2360", res.Receipt.TotalAmount.String())
}

func TestSplitTenders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "CASH")
	require.NoError(t, err)

	res, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{Tenders: []checkout.TenderInput{
		{Method: "WAVE", Amount: decimal.NewFromInt(1000)},
		{Method: "CASH", Amount: decimal.NewFromInt(2000)},
	}})
	require.NoError(t, err)
	require.Equal(t, "640", res.Receipt.Change.String())
	require.Len(t, fx.sales.calls[0].Payments, 2)
	require.Equal(t, "1360", fx.sales.calls[0].Payments[1].Amount.String())
}

func TestConcurrentConfirmSubmitsOnce(t *testing.T) {
	fx := newFixture(t)
	fx.sales.entered = make(chan struct{}, 1)
	fx.sales.release = make(chan struct{})
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	_, err = fx.checkout.SelectMethod(ctx, id, "VISA")
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{})
		errs <- err
	}()
	<-fx.sales.entered
	go func() {
		_, err := fx.checkout.Confirm(ctx, id, checkout.ConfirmInput{})
		errs <- err
	}()
	close(fx.sales.release)

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], checkout.ErrInvalidTransition)
	require.Equal(t, 1, fx.sales.count())
}

func TestClosingSessionForgetsFlow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := fx.openCart(t)

	_, err := fx.checkout.Begin(ctx, id)
	require.NoError(t, err)
	require.NoError(t, fx.carts.Close(ctx, id))

	_, err = fx.checkout.Flow(ctx, id)
	require.ErrorIs(t, err, cart.ErrNotFound)
}
