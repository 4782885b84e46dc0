package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
)

type SelectSlotRequest struct {
	SlotID string `json:"slot_id"`
}

// PaymentCallbackRequest is the body the payment gateway posts to /payments/callback.
type PaymentCallbackRequest struct {
	EventID        string `json:"event_id"`
	ReservationID  string `json:"reservation_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	Date          string     `json:"date"`
	StartTime     string     `json:"start_time"`
	EndTime       string     `json:"end_time"`
	Timezone      string     `json:"timezone,omitempty"`
	Status        string     `json:"status"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
}

func slotResponse(s availability.Slot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		ProviderID:    s.ProviderID,
		Date:          s.Date.Format(time.DateOnly),
		StartTime:     s.StartTime(),
		EndTime:       s.EndTime(),
		Timezone:      s.Timezone,
		Status:        string(s.Status),
		HoldExpiresAt: s.HoldExpiresAt,
	}
}

type AppointmentResponse struct {
	ID               uuid.UUID     `json:"id"`
	SlotID           uuid.UUID     `json:"slot_id"`
	ProviderID       uuid.UUID     `json:"provider_id"`
	PatientID        uuid.UUID     `json:"patient_id"`
	Status           string        `json:"status"`
	PaymentStatus    string        `json:"payment_status"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	Amount           string        `json:"amount"`
	Currency         string        `json:"currency"`
	CreatedAt        time.Time     `json:"created_at"`
	Slot             *SlotResponse `json:"slot,omitempty"`
}

func appointmentResponse(a availability.Appointment, slot *availability.Slot) AppointmentResponse {
	resp := AppointmentResponse{
		ID:               a.ID,
		SlotID:           a.SlotID,
		ProviderID:       a.ProviderID,
		PatientID:        a.PatientID,
		Status:           string(a.Status),
		PaymentStatus:    string(a.PaymentStatus),
		PaymentReference: a.PaymentReference,
		Amount:           a.Amount.StringFixed(2),
		Currency:         a.Currency,
		CreatedAt:        a.CreatedAt,
	}
	if slot != nil {
		s := slotResponse(*slot)
		resp.Slot = &s
	}
	return resp
}

type ReservationResponse struct {
	ID            uuid.UUID  `json:"id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	State         string     `json:"state"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	CheckoutToken string     `json:"checkout_token,omitempty"`
	Reference     string     `json:"payment_reference,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func reservationResponse(r *booking.Reservation) ReservationResponse {
	resp := ReservationResponse{
		ID:            r.ID,
		SlotID:        r.SlotID,
		ProviderID:    r.ProviderID,
		PatientID:     r.PatientID,
		State:         string(r.State),
		HoldExpiresAt: r.HoldExpiresAt,
		Amount:        r.Amount.StringFixed(2),
		Currency:      r.Currency,
		AppointmentID: r.AppointmentID,
		FailureReason: r.FailureReason,
	}
	if r.Checkout != nil {
		resp.CheckoutURL = r.Checkout.RedirectURL
		resp.CheckoutToken = r.Checkout.Token
		resp.Reference = r.Checkout.Reference
	}
	return resp
}

type CancellationResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Fee         string              `json:"fee"`
	Refunded    string              `json:"refunded"`
	RefundID    string              `json:"refund_id,omitempty"`
}

func cancellationResponse(c *booking.Cancellation) CancellationResponse {
	resp := CancellationResponse{
		Appointment: appointmentResponse(c.Appointment, nil),
		Fee:         c.Fee.StringFixed(2),
		Refunded:    decimal.Zero.StringFixed(2),
	}
	if c.Refund != nil {
		resp.Refunded = c.Refund.Amount.StringFixed(2)
		resp.RefundID = c.Refund.ID
	}
	return resp
}

type ReconcileResponse struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	Added      int            `json:"added"`
	Superseded int            `json:"superseded"`
	Reopened   int            `json:"reopened"`
	Orphaned   []SlotResponse `json:"orphaned"`
}

func reconcileResponse(res availability.ReconcileResult) ReconcileResponse {
	orphans := make([]SlotResponse, 0, len(res.Orphaned))
	for _, s := range res.Orphaned {
		orphans = append(orphans, slotResponse(s))
	}
	return ReconcileResponse{
		ProviderID: res.ProviderID,
		Added:      len(res.Added),
		Superseded: len(res.Superseded),
		Reopened:   len(res.Reopened),
		Orphaned:   orphans,
	}
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
