package booking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
)

func heldSlot(now time.Time) availability.Slot {
	expires := now.Add(10 * time.Minute)
	patient := uuid.New()
	return availability.Slot{
		ID:            uuid.New(),
		ProviderID:    uuid.New(),
		Status:        availability.SlotHeld,
		HeldBy:        &patient,
		HoldExpiresAt: &expires,
	}
}

func TestReservationTransitions(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	held := slotHeld{slot: heldSlot(now), amount: decimal.NewFromInt(40), currency: "USD"}
	initiated := paymentInitiated{checkout: payments.Checkout{Reference: "pay_1"}}

	tests := []struct {
		name   string
		events []event
		want   State
		err    bool
	}{
		{name: "hold", events: []event{held}, want: StateHeld},
		{name: "hold rejected", events: []event{holdRejected{reason: "taken"}}, want: StateFailed},
		{name: "checkout", events: []event{held, initiated}, want: StateAwaitingPayment},
		{name: "paid", events: []event{held, initiated, paymentSucceeded{appointmentID: uuid.New()}}, want: StateConfirmed},
		{name: "payment failed", events: []event{held, initiated, paymentFailed{status: payments.StatusFailed}}, want: StateFailed},
		{name: "released while held", events: []event{held, holdReleased{reason: "abandoned"}}, want: StateReleased},
		{name: "released while paying", events: []event{held, initiated, holdReleased{reason: "expired"}}, want: StateReleased},
		{name: "pay without checkout", events: []event{held, paymentSucceeded{appointmentID: uuid.New()}}, err: true},
		{name: "checkout without hold", events: []event{initiated}, err: true},
		{name: "hold twice", events: []event{held, held}, err: true},
		{name: "release after confirm", events: []event{held, initiated, paymentSucceeded{appointmentID: uuid.New()}, holdReleased{}}, err: true},
		{name: "release from browsing", events: []event{holdReleased{}}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReservation(uuid.New(), now)
			var err error
			for _, ev := range tt.events {
				if err = r.apply(ev, now); err != nil {
					break
				}
			}
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.State)
		})
	}
}

func TestSlotHeldCopiesHoldDetails(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	slot := heldSlot(now)
	r := newReservation(uuid.New(), now)

	require.NoError(t, r.apply(slotHeld{slot: slot, amount: decimal.NewFromInt(40), currency: "EUR"}, now))
	assert.Equal(t, slot.ID, r.SlotID)
	assert.Equal(t, slot.ProviderID, r.ProviderID)
	assert.Equal(t, slot.HoldExpiresAt, r.HoldExpiresAt)
	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, idempotencyKey(slot.ID, r.PatientID, now), r.IdempotencyKey)
	assert.NotEqual(t, idempotencyKey(slot.ID, r.PatientID, now.Add(time.Second)), r.IdempotencyKey)
}

func TestPaymentFailedReason(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	r := newReservation(uuid.New(), now)
	require.NoError(t, r.apply(slotHeld{slot: heldSlot(now)}, now))
	require.NoError(t, r.apply(paymentInitiated{}, now))
	require.NoError(t, r.apply(paymentFailed{status: payments.StatusTimeout}, now))

	assert.Equal(t, "payment timeout", r.FailureReason)
	assert.Nil(t, r.HoldExpiresAt)
	assert.True(t, r.State.Terminal())
}
