package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict                = errors.New("slot state conflict")
	ErrSlotNotFound            = errors.New("slot not found")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// ConflictError is returned when a slot transition is attempted from the wrong state:
// a lost race, an already booked slot or a lapsed hold. Callers recover by listing
// open slots again.
type ConflictError struct {
	SlotID uuid.UUID
	From   SlotStatus
	To     SlotStatus
	Reason string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("slot %s is %s, cannot become %s", e.SlotID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Repository owns slot status. It is the only component allowed to change it, and
// every change is an atomic check-then-set against concurrent callers.
type Repository interface {
	ListOpen(ctx context.Context, providerID uuid.UUID, dates *DateRange) ([]Slot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)

	// Hold moves an open slot to held until now+holdTTL.
	Hold(ctx context.Context, slotID, patientID uuid.UUID) (*Slot, error)
	// Release returns a held slot to open. Releasing an open slot is a no-op.
	Release(ctx context.Context, slotID uuid.UUID) error
	// Book converts the patient's live hold into a confirmed, paid appointment.
	// A repeated key returns the appointment created the first time.
	Book(ctx context.Context, req BookRequest) (*Appointment, error)
	// Cancel cancels a pending or confirmed appointment and reopens its slot.
	Cancel(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]AppointmentDetail, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	SetPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error)

	// ExpireHolds reopens every hold that lapsed at or before now.
	ExpireHolds(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// ReplaceOpenSlots makes the provider's open slots from the given date on match slots.
	ReplaceOpenSlots(ctx context.Context, providerID uuid.UUID, from time.Time, slots []Slot) (*ReconcileResult, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

func normalizeFilter(f AppointmentFilter) AppointmentFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
