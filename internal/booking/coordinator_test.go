package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// 2026-10-19 is a Monday; the tests start two days earlier.
var monday = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticTemplates map[uuid.UUID]*schedule.Template

func (s staticTemplates) Get(_ context.Context, providerID uuid.UUID) (*schedule.Template, error) {
	t, ok := s[providerID]
	if !ok {
		return nil, schedule.ErrTemplateNotFound
	}
	return t, nil
}

type env struct {
	clock    *testClock
	slots    *availability.MemoryRepository
	gateway  *payments.FakeGateway
	coord    *Coordinator
	provider uuid.UUID
	slot     availability.Slot
}

func newEnv(t *testing.T, policy CancellationPolicy) *env {
	t.Helper()
	clock := &testClock{now: monday.Add(-48 * time.Hour)}
	provider := uuid.New()

	slots := availability.NewMemoryRepository(10 * time.Minute).WithClock(clock.Now)
	slot := availability.Slot{
		ID:          availability.SlotID(provider, monday, 9*60),
		ProviderID:  provider,
		Date:        monday,
		StartMinute: 9 * 60,
		EndMinute:   9*60 + 30,
		Timezone:    "UTC",
		Status:      availability.SlotOpen,
	}
	_, err := slots.ReplaceOpenSlots(context.Background(), provider, monday, []availability.Slot{slot})
	require.NoError(t, err)

	templates := staticTemplates{provider: {
		ProviderID:      provider,
		ConsultationFee: decimal.NewFromInt(40),
		Currency:        "USD",
	}}
	gateway := payments.NewFakeGateway("http://localhost:8080", nil)

	coord := NewCoordinator(Deps{
		Slots:     slots,
		Templates: templates,
		Gateway:   gateway,
		Policy:    policy,
	}, config.Config{Currency: "USD"}).WithClock(clock.Now)

	return &env{clock: clock, slots: slots, gateway: gateway, coord: coord, provider: provider, slot: slot}
}

func (e *env) pay(t *testing.T, r *Reservation, eventID string, status payments.Status) (*Reservation, error) {
	t.Helper()
	require.NotNil(t, r.Checkout)
	return e.coord.ConfirmPayment(context.Background(), PaymentResult{
		EventID:       eventID,
		ReservationID: r.ID,
		Reference:     r.Checkout.Reference,
		Status:        status,
	})
}

// confirmed runs the happy path for patient and returns the confirmed reservation.
func (e *env) confirmed(t *testing.T, patient identity.Patient) *Reservation {
	t.Helper()
	ctx := context.Background()
	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)
	r, err = e.pay(t, r, uuid.NewString(), payments.StatusPaid)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, r.State)
	return r
}

func TestCompetingPatientsAfterFailedPayment(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, b := identity.Patient{ID: uuid.New()}, identity.Patient{ID: uuid.New()}

	ra, err := e.coord.SelectSlot(ctx, a, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, StateHeld, ra.State)
	assert.True(t, ra.Amount.Equal(decimal.NewFromInt(40)))

	_, err = e.coord.SelectSlot(ctx, b, e.slot.ID)
	var conflict *availability.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, availability.SlotHeld, conflict.From)

	ra, err = e.coord.ProceedToPayment(ctx, a, ra.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, ra.State)

	ra, err = e.pay(t, ra, "evt-a", payments.StatusFailed)
	var payErr *PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.True(t, payErr.Retryable)
	assert.ErrorIs(t, err, ErrPayment)
	assert.Equal(t, StateFailed, ra.State)

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotOpen, slot.Status)

	rb := e.confirmed(t, b)
	require.NotNil(t, rb.AppointmentID)

	appt, err := e.slots.GetAppointment(ctx, *rb.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, appt.PatientID)
	assert.Equal(t, availability.StatusConfirmed, appt.Status)
	assert.True(t, appt.Amount.Equal(decimal.NewFromInt(40)))

	slot, err = e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotBooked, slot.Status)
}

func TestConcurrentSelectionHasOneWinner(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.coord.SelectSlot(ctx, identity.Patient{ID: uuid.New()}, e.slot.ID); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r := e.confirmed(t, patient)
	again, err := e.pay(t, r, "evt-other", payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, r.AppointmentID, again.AppointmentID)

	appts, err := e.slots.ListAppointments(ctx, availability.AppointmentFilter{PatientID: &patient.ID})
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestDuplicatePaymentDeliveryIsIgnored(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	r, err = e.pay(t, r, "evt-1", payments.StatusPaid)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, r.State)

	// a replay carrying a different outcome must not undo the booking
	r, err = e.pay(t, r, "evt-1", payments.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, r.State)
}

func TestRedeliveryAfterBusyDeliveryConfirms(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	// the first delivery arrives while another request holds the reservation
	err = e.coord.locker.WithLock(ctx, redisclient.ReservationKey(r.ID), func(context.Context) error {
		_, payErr := e.pay(t, r, "evt-1", payments.StatusPaid)
		return payErr
	})
	require.ErrorIs(t, err, ErrBusy)

	got, err := e.pay(t, r, "evt-1", payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	require.NotNil(t, got.AppointmentID)

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotBooked, slot.Status)
}

func TestFailedPaymentDeliveryStaysDeduplicated(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	_, err = e.pay(t, r, "evt-1", payments.StatusFailed)
	require.ErrorIs(t, err, ErrPayment)

	got, err := e.pay(t, r, "evt-1", payments.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
}

func TestPaymentWithForeignReferenceIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	_, err = e.coord.ConfirmPayment(ctx, PaymentResult{
		EventID:       "evt-forged",
		ReservationID: r.ID,
		Reference:     "pay_someone_else",
		Status:        payments.StatusPaid,
	})
	require.ErrorIs(t, err, ErrInvalidPaymentResult)

	got, err := e.coord.GetReservation(ctx, patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
}

func TestProceedToPaymentTwiceStartsOneCheckout(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)

	first, err := e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)
	second, err := e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Checkout.Reference, second.Checkout.Reference)
	assert.Equal(t, 1, e.gateway.Initiated())
}

func TestCheckoutFailureIsRetryable(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)

	e.gateway.FailNext(payments.ErrGatewayUnavailable)
	_, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	var payErr *PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.True(t, payErr.Retryable)
	assert.ErrorIs(t, err, payments.ErrGatewayUnavailable)

	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, r.State)
}

func TestProceedAfterHoldLapsedReleases(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)

	e.clock.Advance(11 * time.Minute)
	_, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	assert.ErrorIs(t, err, availability.ErrConflict)

	r, err = e.coord.GetReservation(ctx, patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, r.State)
	assert.Zero(t, e.gateway.Initiated())
}

func TestPaidAfterLapseBooksFreeSlot(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	e.clock.Advance(11 * time.Minute)
	r, err = e.pay(t, r, "evt-late", payments.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, r.State)
}

func TestPaidAfterSlotTakenIsRefunded(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, b := identity.Patient{ID: uuid.New()}, identity.Patient{ID: uuid.New()}

	ra, err := e.coord.SelectSlot(ctx, a, e.slot.ID)
	require.NoError(t, err)
	ra, err = e.coord.ProceedToPayment(ctx, a, ra.ID)
	require.NoError(t, err)

	e.clock.Advance(11 * time.Minute)
	e.confirmed(t, b)

	ra, err = e.pay(t, ra, "evt-a", payments.StatusPaid)
	assert.ErrorIs(t, err, availability.ErrConflict)
	assert.Equal(t, StateFailed, ra.State)

	refunds := e.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, ra.Checkout.Reference, refunds[0].Reference)
}

func TestLatePaymentAfterExpiryIsRefunded(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)
	r, err = e.coord.ProceedToPayment(ctx, patient, r.ID)
	require.NoError(t, err)

	e.clock.Advance(11 * time.Minute)
	n, err := e.coord.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.pay(t, r, "evt-late", payments.StatusPaid)
	assert.ErrorIs(t, err, ErrPayment)
	assert.Len(t, e.gateway.Refunds(), 1)

	r, err = e.coord.GetReservation(ctx, patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, r.State)
}

func TestExpireStaleSkipsLiveHolds(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.coord.SelectSlot(ctx, identity.Patient{ID: uuid.New()}, e.slot.ID)
	require.NoError(t, err)

	n, err := e.coord.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAbandonReleasesHold(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}

	r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
	require.NoError(t, err)

	_, err = e.coord.Abandon(ctx, identity.Patient{ID: uuid.New()}, r.ID)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	r, err = e.coord.Abandon(ctx, patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, r.State)
	assert.Equal(t, "abandoned by patient", r.FailureReason)

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotOpen, slot.Status)
}

func TestSelectSlotRequiresPatient(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.coord.SelectSlot(context.Background(), identity.Provider{ID: e.provider}, e.slot.ID)
	assert.ErrorIs(t, err, identity.ErrForbidden)
}

func TestCancelAppointmentRefundsInFull(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	_, err := e.coord.CancelAppointment(ctx, identity.Patient{ID: uuid.New()}, *r.AppointmentID)
	assert.ErrorIs(t, err, identity.ErrForbidden)

	out, err := e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, availability.StatusCancelled, out.Appointment.Status)
	assert.Equal(t, availability.PaymentRefunded, out.Appointment.PaymentStatus)
	require.NotNil(t, out.Refund)
	assert.True(t, out.Refund.Amount.Equal(decimal.NewFromInt(40)))

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotOpen, slot.Status)

	_, err = e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	assert.ErrorIs(t, err, availability.ErrInvalidStatusTransition)
}

func TestLateCancellationWithholdsFee(t *testing.T) {
	policy := FeeWindowPolicy{Window: 24 * time.Hour, Rate: decimal.RequireFromString("0.25")}
	e := newEnv(t, policy)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	// 09:00 Monday is now eight hours away
	e.clock.Advance(49 * time.Hour)

	out, err := e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	require.NoError(t, err)
	assert.True(t, out.Fee.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, out.Refund)
	assert.True(t, out.Refund.Amount.Equal(decimal.NewFromInt(30)))
}

func TestCancelRetriesFailedRefund(t *testing.T) {
	policy := FeeWindowPolicy{Window: 24 * time.Hour, Rate: decimal.RequireFromString("0.25")}
	e := newEnv(t, policy)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	e.clock.Advance(49 * time.Hour)
	e.gateway.FailNext(payments.ErrGatewayUnavailable)

	out, err := e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	var payErr *PaymentError
	require.ErrorAs(t, err, &payErr)
	assert.True(t, payErr.Retryable)
	assert.Equal(t, availability.StatusCancelled, out.Appointment.Status)
	assert.Equal(t, availability.PaymentPaid, out.Appointment.PaymentStatus)
	assert.Empty(t, e.gateway.Refunds())

	// the retry keeps the fee charged at cancellation even after the start time
	e.clock.Advance(10 * time.Hour)
	out, err = e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, availability.PaymentRefunded, out.Appointment.PaymentStatus)
	require.NotNil(t, out.Refund)
	assert.True(t, out.Refund.Amount.Equal(decimal.NewFromInt(30)))
	assert.Len(t, e.gateway.Refunds(), 1)

	_, err = e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	assert.ErrorIs(t, err, availability.ErrInvalidStatusTransition)
}

func TestCancellationDeniedAfterStart(t *testing.T) {
	policy := FeeWindowPolicy{Window: 24 * time.Hour, Rate: decimal.RequireFromString("0.25")}
	e := newEnv(t, policy)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	e.clock.Advance(58 * time.Hour)

	_, err := e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	assert.ErrorIs(t, err, ErrCancellationDenied)

	out, err := e.coord.CancelAppointment(ctx, identity.Provider{ID: e.provider}, *r.AppointmentID)
	require.NoError(t, err)
	assert.True(t, out.Fee.IsZero())
}

func TestOrphanCancelPolicyCancelsBookedSlots(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)

	handler := e.coord.OrphanHandler(config.OrphanCancel)
	require.NoError(t, handler(ctx, e.provider, []availability.Slot{*slot}))

	appt, err := e.slots.GetAppointment(ctx, *r.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, availability.StatusCancelled, appt.Status)
	assert.Equal(t, availability.PaymentRefunded, appt.PaymentStatus)
	assert.Len(t, e.gateway.Refunds(), 1)
}

func TestOrphanHonorPolicyKeepsBookings(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	r := e.confirmed(t, identity.Patient{ID: uuid.New()})

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	require.NoError(t, e.coord.OrphanHandler(config.OrphanHonor)(ctx, e.provider, []availability.Slot{*slot}))

	appt, err := e.slots.GetAppointment(ctx, *r.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, availability.StatusConfirmed, appt.Status)
}

func TestHonoredOrphanIsNotReofferedAfterCancel(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	patient := identity.Patient{ID: uuid.New()}
	r := e.confirmed(t, patient)

	res, err := e.slots.ReplaceOpenSlots(ctx, e.provider, monday, nil)
	require.NoError(t, err)
	require.NoError(t, e.coord.OrphanHandler(config.OrphanHonor)(ctx, e.provider, res.Orphaned))

	out, err := e.coord.CancelAppointment(ctx, patient, *r.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, availability.PaymentRefunded, out.Appointment.PaymentStatus)

	slot, err := e.slots.GetSlot(ctx, e.slot.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotCancelled, slot.Status)
	open, err := e.slots.ListOpen(ctx, e.provider, nil)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHonoredOrphanHoldIsNotReoffered(t *testing.T) {
	for name, finish := range map[string]func(e *env, patient identity.Patient, r *Reservation) error{
		"abandoned": func(e *env, patient identity.Patient, r *Reservation) error {
			_, err := e.coord.Abandon(context.Background(), patient, r.ID)
			return err
		},
		"expired": func(e *env, _ identity.Patient, _ *Reservation) error {
			e.clock.Advance(11 * time.Minute)
			n, err := e.coord.ExpireStale(context.Background())
			if n != 1 {
				return assert.AnError
			}
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, nil)
			ctx := context.Background()
			patient := identity.Patient{ID: uuid.New()}

			r, err := e.coord.SelectSlot(ctx, patient, e.slot.ID)
			require.NoError(t, err)
			res, err := e.slots.ReplaceOpenSlots(ctx, e.provider, monday, nil)
			require.NoError(t, err)
			require.Len(t, res.Orphaned, 1)
			require.NoError(t, e.coord.OrphanHandler(config.OrphanHonor)(ctx, e.provider, res.Orphaned))

			require.NoError(t, finish(e, patient, r))

			open, err := e.slots.ListOpen(ctx, e.provider, nil)
			require.NoError(t, err)
			assert.Empty(t, open)
			_, err = e.coord.SelectSlot(ctx, identity.Patient{ID: uuid.New()}, e.slot.ID)
			assert.ErrorIs(t, err, availability.ErrConflict)
		})
	}
}
