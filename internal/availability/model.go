package availability

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

type SlotStatus string

const (
	SlotOpen      SlotStatus = "open"
	SlotHeld      SlotStatus = "held"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in-progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
)

// Cancellable reports whether an appointment in status s may still be cancelled.
func (s AppointmentStatus) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// slotNamespace seeds deterministic slot ids.
var slotNamespace = uuid.MustParse("6f1c8a52-3d0e-4b8e-9a51-4f0f6f9e2c11")

// SlotID is stable for a provider, calendar date and start minute, so regenerating
// the same template maps onto the same rows.
func SlotID(providerID uuid.UUID, date time.Time, startMinute int) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%d", providerID, schedule.Date(date).Format(time.DateOnly), startMinute)
	return uuid.NewSHA1(slotNamespace, []byte(key))
}

type Slot struct {
	ID            uuid.UUID
	ProviderID    uuid.UUID
	Date          time.Time // midnight UTC of the calendar date
	StartMinute   int
	EndMinute     int
	Timezone      string
	Status        SlotStatus
	HeldBy        *uuid.UUID
	HoldExpiresAt *time.Time
	// Retired is set on a held or booked slot the template no longer covers.
	// Once freed it is cancelled rather than reopened.
	Retired   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FromGenerated turns generator output into an open slot.
func FromGenerated(g schedule.GeneratedSlot) Slot {
	return Slot{
		ID:          SlotID(g.ProviderID, g.Date, g.StartMinute),
		ProviderID:  g.ProviderID,
		Date:        schedule.Date(g.Date),
		StartMinute: g.StartMinute,
		EndMinute:   g.EndMinute,
		Timezone:    g.Timezone,
		Status:      SlotOpen,
	}
}

func (s Slot) StartTime() string { return schedule.ClockString(s.StartMinute) }
func (s Slot) EndTime() string   { return schedule.ClockString(s.EndMinute) }

// StartsAt is the instant the slot begins in the provider's timezone.
func (s Slot) StartsAt() time.Time { return s.at(s.StartMinute) }
func (s Slot) EndsAt() time.Time   { return s.at(s.EndMinute) }

func (s Slot) at(minute int) time.Time {
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	y, m, d := s.Date.Date()
	return time.Date(y, m, d, 0, minute, 0, 0, loc)
}

// holdExpired reports whether a held slot's hold has lapsed at now.
func (s Slot) holdExpired(now time.Time) bool {
	return s.Status == SlotHeld && s.HoldExpiresAt != nil && !s.HoldExpiresAt.After(now)
}

// free ends a hold or booking. A retired slot leaves service instead of reopening.
func (s *Slot) free(now time.Time) {
	s.Status = SlotOpen
	if s.Retired {
		s.Status = SlotCancelled
	}
	s.Retired = false
	s.HeldBy = nil
	s.HoldExpiresAt = nil
	s.UpdatedAt = now
}

func (s Slot) clone() Slot {
	out := s
	if s.HeldBy != nil {
		v := *s.HeldBy
		out.HeldBy = &v
	}
	if s.HoldExpiresAt != nil {
		v := *s.HoldExpiresAt
		out.HoldExpiresAt = &v
	}
	return out
}

type Appointment struct {
	ID               uuid.UUID
	SlotID           uuid.UUID
	ProviderID       uuid.UUID
	PatientID        uuid.UUID
	Status           AppointmentStatus
	PaymentStatus    PaymentStatus
	PaymentReference string
	IdempotencyKey   string
	Amount           decimal.Decimal // what was charged at booking
	Currency         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppointmentDetail pairs an appointment with the slot it consumed.
type AppointmentDetail struct {
	Appointment
	Slot *Slot
}

// DateRange bounds a listing by calendar date, both ends inclusive. Zero ends are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r *DateRange) contains(d time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && d.Before(schedule.Date(r.From)) {
		return false
	}
	if !r.To.IsZero() && d.After(schedule.Date(r.To)) {
		return false
	}
	return true
}

type BookRequest struct {
	SlotID           uuid.UUID
	PatientID        uuid.UUID
	IdempotencyKey   string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
}

type AppointmentFilter struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	SlotID     *uuid.UUID
	Limit      int
	Offset     int
}

// ReconcileResult reports what a slot replacement did for one provider.
type ReconcileResult struct {
	ProviderID uuid.UUID
	Superseded []uuid.UUID // open slots no longer offered, now cancelled
	Added      []uuid.UUID // new open slots
	Reopened   []uuid.UUID // previously superseded slots offered again
	Orphaned   []Slot      // held or booked slots the template no longer covers
}

type EventLog struct {
	ID            int64
	EventType     string
	SlotID        *uuid.UUID
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

const (
	EventSlotHeld             = "SLOT_HELD"
	EventSlotReleased         = "SLOT_RELEASED"
	EventHoldExpired          = "HOLD_EXPIRED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventSlotsReconciled      = "SLOTS_RECONCILED"
)
