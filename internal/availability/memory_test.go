package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-10-19 is a Monday.
var monday = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSlot(providerID uuid.UUID, date time.Time, start int) Slot {
	return Slot{
		ID:          SlotID(providerID, date, start),
		ProviderID:  providerID,
		Date:        date,
		StartMinute: start,
		EndMinute:   start + 30,
		Status:      SlotOpen,
	}
}

func seededRepo(t *testing.T, slots ...Slot) (*MemoryRepository, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: monday.Add(-48 * time.Hour)}
	repo := NewMemoryRepository(10 * time.Minute).WithClock(clock.Now)
	if len(slots) > 0 {
		_, err := repo.ReplaceOpenSlots(context.Background(), slots[0].ProviderID, monday, slots)
		require.NoError(t, err)
	}
	return repo, clock
}

func TestSlotIDIsDeterministic(t *testing.T) {
	provider := uuid.New()
	a := SlotID(provider, monday, 540)
	b := SlotID(provider, monday.Add(13*time.Hour), 540)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SlotID(provider, monday, 570))
	assert.NotEqual(t, a, SlotID(uuid.New(), monday, 540))
}

func TestHoldOnlyFromOpen(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	held, err := repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, SlotHeld, held.Status)
	require.NotNil(t, held.HeldBy)
	assert.Equal(t, patient, *held.HeldBy)

	_, err = repo.Hold(ctx, slot.ID, uuid.New())
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, SlotHeld, conflict.From)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = repo.Hold(ctx, uuid.New(), patient)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestConcurrentHoldsYieldOneWinner(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)

	const contenders = 32
	var wins, conflicts int32
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.Hold(context.Background(), slot.ID, uuid.New())
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, contenders-1, conflicts)
}

func TestHoldExpiresLazily(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, clock := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)

	open, err := repo.ListOpen(ctx, provider, nil)
	require.NoError(t, err)
	assert.Empty(t, open)

	clock.Advance(10 * time.Minute)

	open, err = repo.ListOpen(ctx, provider, nil)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Nil(t, open[0].HoldExpiresAt)

	_, err = repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExpireHoldsSweep(t *testing.T) {
	provider := uuid.New()
	a, b := newSlot(provider, monday, 540), newSlot(provider, monday, 600)
	repo, clock := seededRepo(t, a, b)
	ctx := context.Background()

	_, err := repo.Hold(ctx, a.ID, uuid.New())
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, err = repo.Hold(ctx, b.ID, uuid.New())
	require.NoError(t, err)

	expired, err := repo.ExpireHolds(ctx, clock.Now().Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, expired)

	got, err := repo.GetSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotHeld, got.Status)
}

func TestBookRequiresOwnHold(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient})
	assert.ErrorIs(t, err, ErrConflict, "booking an open slot")

	_, err = repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)

	_, err = repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: uuid.New()})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "held by another patient", conflict.Reason)

	appt, err := repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient, IdempotencyKey: "key-1", PaymentReference: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, PaymentPaid, appt.PaymentStatus)
	assert.Equal(t, provider, appt.ProviderID)

	got, err := repo.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, got.Status)
	assert.Nil(t, got.HoldExpiresAt)
}

func TestBookIsIdempotentPerKey(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)

	req := BookRequest{SlotID: slot.ID, PatientID: patient, IdempotencyKey: "same"}
	first, err := repo.Book(ctx, req)
	require.NoError(t, err)
	second, err := repo.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := repo.ListAppointments(ctx, AppointmentFilter{PatientID: &patient})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCancelReopensSlotAndAllowsRebooking(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)
	appt, err := repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient, IdempotencyKey: "k"})
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = repo.Cancel(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	open, err := repo.ListOpen(ctx, provider, nil)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)
	again, err := repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.NotEqual(t, appt.ID, again.ID)
}

func TestCompletedAppointmentCannotBeCancelled(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, slot.ID, patient)
	require.NoError(t, err)
	appt, err := repo.Book(ctx, BookRequest{SlotID: slot.ID, PatientID: patient})
	require.NoError(t, err)

	_, err = repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusInProgress)
	require.NoError(t, err)
	_, err = repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = repo.UpdateAppointmentStatus(ctx, appt.ID, StatusInProgress, StatusCompleted)
	require.NoError(t, err)

	_, err = repo.Cancel(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = repo.SetPaymentStatus(ctx, appt.ID, PaymentUnpaid, PaymentRefunded)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestReplaceOpenSlots(t *testing.T) {
	provider := uuid.New()
	keep := newSlot(provider, monday, 540)
	drop := newSlot(provider, monday, 600)
	held := newSlot(provider, monday, 660)
	booked := newSlot(provider, monday, 720)
	repo, _ := seededRepo(t, keep, drop, held, booked)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, held.ID, uuid.New())
	require.NoError(t, err)
	_, err = repo.Hold(ctx, booked.ID, patient)
	require.NoError(t, err)
	_, err = repo.Book(ctx, BookRequest{SlotID: booked.ID, PatientID: patient})
	require.NoError(t, err)

	added := newSlot(provider, monday.AddDate(0, 0, 7), 540)
	res, err := repo.ReplaceOpenSlots(ctx, provider, monday, []Slot{keep, added})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{drop.ID}, res.Superseded)
	assert.Equal(t, []uuid.UUID{added.ID}, res.Added)
	assert.Empty(t, res.Reopened)
	require.Len(t, res.Orphaned, 2)
	assert.Equal(t, held.ID, res.Orphaned[0].ID)
	assert.Equal(t, booked.ID, res.Orphaned[1].ID)

	got, err := repo.GetSlot(ctx, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, got.Status, "booked slots survive a template change")

	open, err := repo.ListOpen(ctx, provider, nil)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, keep.ID, open[0].ID)
	assert.Equal(t, added.ID, open[1].ID)

	// restoring the old template brings the superseded slot back under the same id
	res, err = repo.ReplaceOpenSlots(ctx, provider, monday, []Slot{keep, drop, added})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{drop.ID}, res.Reopened)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Superseded)
}

func TestReplaceOpenSlotsIsIdempotent(t *testing.T) {
	provider := uuid.New()
	slots := []Slot{newSlot(provider, monday, 540), newSlot(provider, monday, 600)}
	repo, _ := seededRepo(t, slots...)

	res, err := repo.ReplaceOpenSlots(context.Background(), provider, monday, slots)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Superseded)
	assert.Empty(t, res.Reopened)
	assert.Empty(t, res.Orphaned)
}

func TestListOpenFiltersByDateRange(t *testing.T) {
	provider := uuid.New()
	a := newSlot(provider, monday, 540)
	b := newSlot(provider, monday.AddDate(0, 0, 7), 540)
	repo, _ := seededRepo(t, a, b)

	open, err := repo.ListOpen(context.Background(), provider, &DateRange{From: monday.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)

	open, err = repo.ListOpen(context.Background(), provider, &DateRange{To: monday})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
}

func TestSlotTimes(t *testing.T) {
	s := newSlot(uuid.New(), monday, 9*60)
	s.Timezone = "America/New_York"
	assert.Equal(t, "09:00", s.StartTime())
	assert.Equal(t, "09:30", s.EndTime())
	assert.Equal(t, time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC), s.StartsAt().UTC())
}

func TestRetiredSlotsLeaveServiceWhenFreed(t *testing.T) {
	provider := uuid.New()
	booked, released, lapsed := newSlot(provider, monday, 540), newSlot(provider, monday, 600), newSlot(provider, monday, 660)
	repo, clock := seededRepo(t, booked, released, lapsed)
	ctx := context.Background()
	patient := uuid.New()

	_, err := repo.Hold(ctx, booked.ID, patient)
	require.NoError(t, err)
	appt, err := repo.Book(ctx, BookRequest{SlotID: booked.ID, PatientID: patient, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = repo.Hold(ctx, released.ID, uuid.New())
	require.NoError(t, err)
	_, err = repo.Hold(ctx, lapsed.ID, uuid.New())
	require.NoError(t, err)

	// the template no longer covers Monday at all
	res, err := repo.ReplaceOpenSlots(ctx, provider, monday, nil)
	require.NoError(t, err)
	require.Len(t, res.Orphaned, 3)
	for _, s := range res.Orphaned {
		assert.True(t, s.Retired)
	}

	_, err = repo.Cancel(ctx, appt.ID)
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, released.ID))
	clock.Advance(11 * time.Minute)
	expired, err := repo.ExpireHolds(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{lapsed.ID}, expired)

	for _, id := range []uuid.UUID{booked.ID, released.ID, lapsed.ID} {
		s, err := repo.GetSlot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, SlotCancelled, s.Status)
		assert.False(t, s.Retired)
	}
	open, err := repo.ListOpen(ctx, provider, nil)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRetiredSlotCoveredAgainReopens(t *testing.T) {
	provider := uuid.New()
	slot := newSlot(provider, monday, 540)
	repo, _ := seededRepo(t, slot)
	ctx := context.Background()

	_, err := repo.Hold(ctx, slot.ID, uuid.New())
	require.NoError(t, err)
	_, err = repo.ReplaceOpenSlots(ctx, provider, monday, nil)
	require.NoError(t, err)
	_, err = repo.ReplaceOpenSlots(ctx, provider, monday, []Slot{slot})
	require.NoError(t, err)

	require.NoError(t, repo.Release(ctx, slot.ID))
	got, err := repo.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotOpen, got.Status)
}
