package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
)

type State string

const (
	StateBrowsing        State = "browsing"
	StateHeld            State = "held"
	StateAwaitingPayment State = "awaiting-payment"
	StateConfirmed       State = "confirmed"
	StateReleased        State = "released"
	StateFailed          State = "failed"
)

// Terminal reports whether no further event can move a reservation out of s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateReleased || s == StateFailed
}

var ErrInvalidTransition = errors.New("invalid reservation transition")

// Reservation is one patient's attempt to book one slot, from hold to confirmation.
type Reservation struct {
	ID             uuid.UUID          `json:"id"`
	SlotID         uuid.UUID          `json:"slot_id"`
	ProviderID     uuid.UUID          `json:"provider_id"`
	PatientID      uuid.UUID          `json:"patient_id"`
	State          State              `json:"state"`
	HoldExpiresAt  *time.Time         `json:"hold_expires_at,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	Amount         decimal.Decimal    `json:"amount"`
	Currency       string             `json:"currency"`
	Checkout       *payments.Checkout `json:"checkout,omitempty"`
	AppointmentID  *uuid.UUID         `json:"appointment_id,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func newReservation(patientID uuid.UUID, now time.Time) *Reservation {
	return &Reservation{
		ID:        uuid.New(),
		PatientID: patientID,
		State:     StateBrowsing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// holdLapsed reports whether the reservation's hold has run out at now.
func (r *Reservation) holdLapsed(now time.Time) bool {
	return r.HoldExpiresAt != nil && !r.HoldExpiresAt.After(now)
}

// event is an outcome fed into Reservation.apply.
type event interface {
	name() string
}

type slotHeld struct {
	slot     availability.Slot
	amount   decimal.Decimal
	currency string
}

type holdRejected struct{ reason string }

type paymentInitiated struct{ checkout payments.Checkout }

type paymentSucceeded struct{ appointmentID uuid.UUID }

type paymentFailed struct {
	status payments.Status
	reason string
}

type holdReleased struct{ reason string }

func (slotHeld) name() string         { return "slotHeld" }
func (holdRejected) name() string     { return "holdRejected" }
func (paymentInitiated) name() string { return "paymentInitiated" }
func (paymentSucceeded) name() string { return "paymentSucceeded" }
func (paymentFailed) name() string    { return "paymentFailed" }
func (holdReleased) name() string     { return "holdReleased" }

// apply is the only place a reservation changes state.
func (r *Reservation) apply(ev event, now time.Time) error {
	from := r.State
	switch e := ev.(type) {
	case slotHeld:
		if from != StateBrowsing {
			return r.invalid(ev)
		}
		r.State = StateHeld
		r.SlotID = e.slot.ID
		r.ProviderID = e.slot.ProviderID
		r.HoldExpiresAt = e.slot.HoldExpiresAt
		r.Amount = e.amount
		r.Currency = e.currency
		r.IdempotencyKey = idempotencyKey(e.slot.ID, r.PatientID, now)

	case holdRejected:
		if from != StateBrowsing {
			return r.invalid(ev)
		}
		r.State = StateFailed
		r.FailureReason = e.reason

	case paymentInitiated:
		if from != StateHeld {
			return r.invalid(ev)
		}
		c := e.checkout
		r.State = StateAwaitingPayment
		r.Checkout = &c

	case paymentSucceeded:
		if from != StateAwaitingPayment {
			return r.invalid(ev)
		}
		id := e.appointmentID
		r.State = StateConfirmed
		r.AppointmentID = &id
		r.HoldExpiresAt = nil

	case paymentFailed:
		if from != StateAwaitingPayment {
			return r.invalid(ev)
		}
		r.State = StateFailed
		r.FailureReason = e.reason
		if r.FailureReason == "" {
			r.FailureReason = fmt.Sprintf("payment %s", e.status)
		}
		r.HoldExpiresAt = nil

	case holdReleased:
		if from != StateHeld && from != StateAwaitingPayment {
			return r.invalid(ev)
		}
		r.State = StateReleased
		r.FailureReason = e.reason
		r.HoldExpiresAt = nil

	default:
		return r.invalid(ev)
	}
	r.UpdatedAt = now
	return nil
}

func (r *Reservation) invalid(ev event) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, ev.name(), r.State)
}

var keyNamespace = uuid.MustParse("1b7a3c0e-8f2d-4c55-b1d4-0f5e9c3a7d21")

// idempotencyKey is stable for one hold on one slot by one patient, so a
// double-submitted payment collapses onto the same checkout and appointment.
func idempotencyKey(slotID, patientID uuid.UUID, heldAt time.Time) string {
	seed := fmt.Sprintf("%s|%s|%d", slotID, patientID, heldAt.UnixNano())
	return uuid.NewSHA1(keyNamespace, []byte(seed)).String()
}
