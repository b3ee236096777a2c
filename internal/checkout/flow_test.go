package checkout

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateSelectingMethod, true},
		{StateIdle, StateSubmitting, false},
		{StateSelectingMethod, StateEnteringAmount, true},
		{StateSelectingMethod, StateSubmitting, false},
		{StateEnteringAmount, StateAwaitingConfirmation, true},
		{StateAwaitingConfirmation, StateSubmitting, true},
		{StateSubmitting, StateCompleted, true},
		{StateSubmitting, StateFailedRetryQueued, true},
		{StateSubmitting, StateEnteringAmount, false},
		{StateCompleted, StateSelectingMethod, true},
		{StateCompleted, StateSubmitting, false},
		{StateFailedRetryQueued, StateIdle, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	require.True(t, StateCompleted.Terminal())
	require.False(t, StateSubmitting.Terminal())
}

func TestFlowMoveToRejectsUnknownEdge(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFlow(now)
	err := f.moveTo(StateCompleted, now)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, StateIdle, f.State)

	later := now.Add(time.Minute)
	require.NoError(t, f.moveTo(StateSelectingMethod, later))
	require.Equal(t, later, f.UpdatedAt)
}

func TestSettle(t *testing.T) {
	cash := catalog.PaymentMethod{ID: "1", Code: "CASH"}
	card := catalog.PaymentMethod{ID: "2", Code: "VISA", Type: "card"}
	total := decimal.NewFromInt(2360)

	t.Run("cash change", func(t *testing.T) {
		s, err := Settle(total, "XOF", []Tender{{Method: cash, Amount: decimal.NewFromInt(2500)}})
		require.NoError(t, err)
		require.Equal(t, "140", s.Change.String())
		require.Len(t, s.Payments, 1)
		require.Equal(t, "2360", s.Payments[0].Amount.String())
	})

	t.Run("insufficient", func(t *testing.T) {
		_, err := Settle(total, "XOF", []Tender{{Method: cash, Amount: decimal.NewFromInt(2000)}})
		var short *InsufficientTenderError
		require.ErrorAs(t, err, &short)
		require.Equal(t, "360", short.Shortfall.String())
		require.ErrorIs(t, err, ErrInsufficientTender)
	})

	t.Run("split with cash surplus", func(t *testing.T) {
		s, err := Settle(total, "XOF", []Tender{
			{Method: card, Amount: decimal.NewFromInt(1000)},
			{Method: cash, Amount: decimal.NewFromInt(1500)},
		})
		require.NoError(t, err)
		require.Equal(t, "140", s.Change.String())
		require.Equal(t, "2500", s.Received.String())
		require.Len(t, s.Payments, 2)
		require.Equal(t, "1000", s.Payments[0].Amount.String())
		require.Equal(t, "1360", s.Payments[1].Amount.String())
	})

	t.Run("card overpayment", func(t *testing.T) {
		_, err := Settle(total, "XOF", []Tender{{Method: card, Amount: decimal.NewFromInt(3000)}})
		require.ErrorIs(t, err, ErrInvalidTender)
	})

	t.Run("zero cash dropped from split", func(t *testing.T) {
		s, err := Settle(total, "XOF", []Tender{
			{Method: card, Amount: total},
			{Method: cash, Amount: decimal.Zero},
		})
		require.NoError(t, err)
		require.Len(t, s.Payments, 1)
		require.Equal(t, catalog.ID("2"), s.Payments[0].PaymentMethodID)
	})

	t.Run("negative", func(t *testing.T) {
		_, err := Settle(total, "XOF", []Tender{{Method: cash, Amount: decimal.NewFromInt(-1)}})
		require.ErrorIs(t, err, ErrInvalidTender)
	})
}
