package checkout

import (
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/obs"
)

// State is a step of the checkout dialog.
type State string

const (
	StateIdle                 State = "idle"
	StateSelectingMethod      State = "selecting_method"
	StateEnteringAmount       State = "entering_amount"
	StateAwaitingConfirmation State = "awaiting_external_confirmation"
	StateSubmitting           State = "submitting"
	StateCompleted            State = "completed"
	StateFailedRetryQueued    State = "failed_retry_queued"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("checkout: invalid transition")

var transitions = map[State][]State{
	StateIdle:                 {StateSelectingMethod},
	StateSelectingMethod:      {StateEnteringAmount, StateAwaitingConfirmation, StateIdle},
	StateEnteringAmount:       {StateEnteringAmount, StateAwaitingConfirmation, StateSubmitting, StateIdle},
	StateAwaitingConfirmation: {StateEnteringAmount, StateAwaitingConfirmation, StateSubmitting, StateIdle},
	StateSubmitting:           {StateCompleted, StateFailedRetryQueued, StateIdle},
	StateCompleted:            {StateSelectingMethod, StateIdle},
	StateFailedRetryQueued:    {StateSelectingMethod, StateIdle},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a checkout attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailedRetryQueued
}

// Flow is the checkout state of one session.
type Flow struct {
	State          State
	Method         *catalog.PaymentMethod
	Receipt        *Receipt
	QueueReference string
	LastError      string
	UpdatedAt      time.Time
}

func newFlow(now time.Time) *Flow {
	return &Flow{State: StateIdle, UpdatedAt: now}
}

func (f *Flow) moveTo(to State, now time.Time) error {
	if !CanTransition(f.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.State, to)
	}
	if obs.CheckoutTransitionsTotal != nil {
		obs.CheckoutTransitionsTotal.WithLabelValues(string(f.State), string(to)).Inc()
	}
	f.State = to
	f.UpdatedAt = now
	return nil
}

// reset clears the outcome of a previous attempt.
func (f *Flow) reset() {
	f.Method = nil
	f.Receipt = nil
	f.QueueReference = ""
	f.LastError = ""
}
