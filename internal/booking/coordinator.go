package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

// webhookDedupTTL is how long a payment delivery id is remembered.
const webhookDedupTTL = 24 * time.Hour

// TemplateSource supplies the consultation fee for a provider.
type TemplateSource interface {
	Get(ctx context.Context, providerID uuid.UUID) (*schedule.Template, error)
}

// Deps are the collaborators of a Coordinator. Slots, Templates and Gateway are
// required; the rest fall back to in-process implementations.
type Deps struct {
	Slots        availability.Repository
	Templates    TemplateSource
	Gateway      payments.Gateway
	Reservations ReservationStore
	Locker       redisclient.Locker
	Marker       redisclient.Marker
	Policy       CancellationPolicy
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Coordinator drives a patient from slot selection through payment to a
// confirmed appointment, and handles cancellation.
type Coordinator struct {
	slots        availability.Repository
	templates    TemplateSource
	gateway      payments.Gateway
	reservations ReservationStore
	locker       redisclient.Locker
	marker       redisclient.Marker
	policy       CancellationPolicy
	metrics      *metrics.Metrics
	log          *zap.Logger
	cfg          config.Config
	now          func() time.Time
}

func NewCoordinator(d Deps, cfg config.Config) *Coordinator {
	c := &Coordinator{
		slots:        d.Slots,
		templates:    d.Templates,
		gateway:      d.Gateway,
		reservations: d.Reservations,
		locker:       d.Locker,
		marker:       d.Marker,
		policy:       d.Policy,
		metrics:      d.Metrics,
		log:          logging.OrNop(d.Logger),
		cfg:          cfg,
		now:          time.Now,
	}
	if c.reservations == nil {
		c.reservations = NewMemoryReservationStore()
	}
	if c.locker == nil {
		c.locker = redisclient.NewMemoryLocker()
	}
	if c.marker == nil {
		c.marker = redisclient.NewMemoryMarker()
	}
	if c.policy == nil {
		c.policy = FullRefund{}
	}
	return c
}

// WithClock replaces the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// SelectSlot places a hold on the slot for the patient. A slot that is not open
// yields an *availability.ConflictError; the caller should list slots again.
func (c *Coordinator) SelectSlot(ctx context.Context, actor identity.Actor, slotID uuid.UUID) (*Reservation, error) {
	patientID, err := requirePatient(actor)
	if err != nil {
		return nil, err
	}

	slot, err := c.slots.GetSlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	amount, currency, err := c.price(ctx, slot.ProviderID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	r := newReservation(patientID, now)

	held, err := c.slots.Hold(ctx, slotID, patientID)
	if err != nil {
		if errors.Is(err, availability.ErrConflict) {
			c.metrics.ObserveHold("conflict")
			_ = r.apply(holdRejected{reason: err.Error()}, now)
			c.log.Info("slot hold rejected",
				zap.String("slot_id", slotID.String()),
				zap.String("patient_id", patientID.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	c.metrics.ObserveHold("ok")

	if err := r.apply(slotHeld{slot: *held, amount: amount, currency: currency}, now); err != nil {
		return nil, err
	}
	if err := c.reservations.Save(ctx, *r); err != nil {
		if relErr := c.slots.Release(ctx, slotID); relErr != nil {
			c.log.Error("failed to release untracked hold", zap.String("slot_id", slotID.String()), zap.Error(relErr))
		}
		return nil, fmt.Errorf("save reservation: %w", err)
	}
	c.metrics.ObserveTransition(string(StateBrowsing), string(r.State))

	c.logEvent(ctx, availability.EventSlotHeld, &slotID, nil, map[string]any{
		"reservation_id":  r.ID.String(),
		"patient_id":      patientID.String(),
		"hold_expires_at": r.HoldExpiresAt,
	})
	return r, nil
}

// ProceedToPayment starts checkout for a held reservation. Calling it again while
// the checkout is pending returns the same checkout without contacting the gateway.
func (c *Coordinator) ProceedToPayment(ctx context.Context, actor identity.Actor, reservationID uuid.UUID) (*Reservation, error) {
	var out *Reservation
	err := c.withLock(ctx, redisclient.ReservationKey(reservationID), func(ctx context.Context) error {
		r, err := c.loadOwned(ctx, actor, reservationID)
		if err != nil {
			return err
		}
		out = r

		if r.State == StateAwaitingPayment {
			return nil
		}
		if r.State != StateHeld {
			return r.invalid(paymentInitiated{})
		}

		now := c.now()
		if r.holdLapsed(now) {
			if err := c.releaseHold(ctx, r, "hold expired before payment"); err != nil {
				return err
			}
			return &availability.ConflictError{
				SlotID: r.SlotID,
				From:   availability.SlotOpen,
				To:     availability.SlotBooked,
				Reason: "hold expired before payment",
			}
		}

		checkout, err := c.gateway.Initiate(ctx, payments.InitiateRequest{
			Amount:         r.Amount,
			Currency:       r.Currency,
			IdempotencyKey: r.IdempotencyKey,
			Description:    fmt.Sprintf("Consultation %s", r.SlotID),
		})
		if err != nil {
			return &PaymentError{Status: payments.StatusFailed, Reason: "could not start checkout", Retryable: true, Err: err}
		}

		return c.step(ctx, r, paymentInitiated{checkout: *checkout})
	})
	return out, err
}

// PaymentResult is what the gateway reports for a checkout, via the payment callback.
type PaymentResult struct {
	EventID        string // gateway delivery id, used to drop duplicates
	ReservationID  uuid.UUID
	IdempotencyKey string
	Reference      string
	Status         payments.Status
	Reason         string
}

// ConfirmPayment applies a payment outcome. A paid result books the slot; a failed
// or timed out one releases it and returns a retryable *PaymentError. Repeated
// results for the same reservation return the same appointment.
func (c *Coordinator) ConfirmPayment(ctx context.Context, res PaymentResult) (*Reservation, error) {
	if !res.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidPaymentResult, res.Status)
	}

	r, err := c.lookup(ctx, res)
	if err != nil {
		return nil, err
	}
	c.metrics.ObservePayment(string(res.Status))

	marked := false
	if res.EventID != "" {
		first, err := c.marker.Mark(ctx, "payment:"+res.EventID, webhookDedupTTL)
		switch {
		case err != nil:
			c.log.Warn("payment dedup marker unavailable", zap.String("event_id", res.EventID), zap.Error(err))
		case !first:
			c.log.Info("duplicate payment delivery ignored", zap.String("event_id", res.EventID))
			return r, nil
		default:
			marked = true
		}
	}

	var out *Reservation
	err = c.withLock(ctx, redisclient.ReservationKey(r.ID), func(ctx context.Context) error {
		r, err := c.reservations.Get(ctx, r.ID)
		if err != nil {
			return err
		}
		out = r

		switch r.State {
		case StateConfirmed:
			return nil
		case StateFailed, StateReleased:
			if res.Status == payments.StatusPaid {
				return c.refundLatePayment(ctx, r, res)
			}
			return nil
		case StateAwaitingPayment:
		default:
			return r.invalid(paymentSucceeded{})
		}

		if res.Status != payments.StatusPaid {
			if err := c.slots.Release(ctx, r.SlotID); err != nil && !errors.Is(err, availability.ErrConflict) {
				return fmt.Errorf("release slot: %w", err)
			}
			if err := c.step(ctx, r, paymentFailed{status: res.Status, reason: res.Reason}); err != nil {
				return err
			}
			c.logEvent(ctx, availability.EventSlotReleased, &r.SlotID, nil, map[string]any{
				"reservation_id": r.ID.String(),
				"reason":         "payment " + string(res.Status),
			})
			return &PaymentError{Status: res.Status, Reason: res.Reason, Retryable: true}
		}

		appt, err := c.book(ctx, r, res.Reference)
		if errors.Is(err, availability.ErrConflict) {
			c.refund(ctx, r, paymentReference(r, res), "slot no longer held")
			if stepErr := c.step(ctx, r, paymentFailed{status: res.Status, reason: "slot no longer held, payment refunded"}); stepErr != nil {
				return stepErr
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("book slot: %w", err)
		}

		if err := c.step(ctx, r, paymentSucceeded{appointmentID: appt.ID}); err != nil {
			return err
		}
		c.logEvent(ctx, availability.EventAppointmentConfirmed, &r.SlotID, &appt.ID, map[string]any{
			"reservation_id": r.ID.String(),
			"reference":      appt.PaymentReference,
		})
		return nil
	})
	if marked && err != nil && !outcomeApplied(err) {
		c.forgetDelivery(ctx, res.EventID)
	}
	return out, err
}

// outcomeApplied reports whether a ConfirmPayment error still recorded the
// payment result, so a redelivery has nothing left to do.
func outcomeApplied(err error) bool {
	var perr *PaymentError
	return errors.As(err, &perr) || errors.Is(err, availability.ErrConflict)
}

// forgetDelivery lets the gateway's redelivery of an event be processed again.
func (c *Coordinator) forgetDelivery(ctx context.Context, eventID string) {
	if err := c.marker.Forget(context.WithoutCancel(ctx), "payment:"+eventID); err != nil {
		c.log.Error("failed to clear payment dedup marker", zap.String("event_id", eventID), zap.Error(err))
	}
}

// book converts the hold into an appointment. If the hold lapsed but nobody took
// the slot in the meantime, it is held again for the same patient and booked.
func (c *Coordinator) book(ctx context.Context, r *Reservation, reference string) (*availability.Appointment, error) {
	if reference == "" && r.Checkout != nil {
		reference = r.Checkout.Reference
	}
	req := availability.BookRequest{
		SlotID:           r.SlotID,
		PatientID:        r.PatientID,
		IdempotencyKey:   r.IdempotencyKey,
		PaymentReference: reference,
		Amount:           r.Amount,
		Currency:         r.Currency,
	}

	appt, err := c.slots.Book(ctx, req)
	if !errors.Is(err, availability.ErrConflict) {
		return appt, err
	}
	if _, holdErr := c.slots.Hold(ctx, r.SlotID, r.PatientID); holdErr != nil {
		return nil, err
	}
	return c.slots.Book(ctx, req)
}

// Cancellation is the outcome of cancelling a booked appointment.
type Cancellation struct {
	Appointment availability.Appointment
	Fee         decimal.Decimal
	Refund      *payments.Refund
}

// CancelAppointment cancels a pending or confirmed appointment on behalf of one of
// its participants, reopens the slot and refunds whatever the policy allows.
// Calling it again on a cancelled appointment that is still marked paid retries
// the refund under the same idempotency key.
func (c *Coordinator) CancelAppointment(ctx context.Context, actor identity.Actor, appointmentID uuid.UUID) (*Cancellation, error) {
	appt, err := c.slots.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !identity.IsParticipant(actor, appt.PatientID, appt.ProviderID) {
		return nil, identity.ErrForbidden
	}
	retry := refundOutstanding(appt)
	if !retry && !appt.Status.Cancellable() {
		return nil, fmt.Errorf("%w: appointment is %s", availability.ErrInvalidStatusTransition, appt.Status)
	}

	slot, err := c.slots.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	// a retry is priced as of the cancellation itself
	decidedAt := c.now()
	if retry {
		decidedAt = appt.UpdatedAt
	}
	decision, err := c.policy.Decide(ctx, CancellationRequest{Actor: actor, Appointment: *appt, Slot: *slot, Now: decidedAt})
	if err != nil {
		return nil, fmt.Errorf("cancellation policy: %w", err)
	}
	if !decision.Allow {
		return nil, fmt.Errorf("%w: %s", ErrCancellationDenied, decision.Reason)
	}

	out := &Cancellation{Fee: decision.Fee}
	err = c.withLock(ctx, redisclient.AppointmentKey(appointmentID), func(ctx context.Context) error {
		var (
			cancelled *availability.Appointment
			err       error
		)
		if retry {
			cancelled, err = c.slots.GetAppointment(ctx, appointmentID)
			if err != nil {
				return err
			}
			if !refundOutstanding(cancelled) {
				out.Appointment = *cancelled
				return nil
			}
			c.log.Info("retrying refund for cancelled appointment", zap.String("appointment_id", appointmentID.String()))
		} else {
			cancelled, err = c.slots.Cancel(ctx, appointmentID)
			if err != nil {
				return err
			}
			c.logEvent(ctx, availability.EventAppointmentCancelled, &cancelled.SlotID, &cancelled.ID, map[string]any{
				"by":   string(actor.Role()),
				"fee":  decision.Fee.StringFixed(2),
				"note": decision.Reason,
			})
		}
		out.Appointment = *cancelled

		if cancelled.PaymentStatus != availability.PaymentPaid || cancelled.PaymentReference == "" {
			return nil
		}
		amount := cancelled.Amount.Sub(decision.Fee)
		if !amount.IsPositive() {
			return nil
		}

		refund, err := c.gateway.Refund(ctx, payments.RefundRequest{
			Reference:      cancelled.PaymentReference,
			Amount:         amount,
			Currency:       cancelled.Currency,
			IdempotencyKey: "cancel:" + cancelled.ID.String(),
			Reason:         "appointment cancelled",
		})
		if err != nil {
			c.log.Error("refund after cancellation failed",
				zap.String("appointment_id", cancelled.ID.String()),
				zap.Error(err),
			)
			return &PaymentError{Status: payments.StatusFailed, Reason: "refund failed", Retryable: true, Err: err}
		}
		out.Refund = refund

		updated, err := c.slots.SetPaymentStatus(ctx, cancelled.ID, availability.PaymentPaid, availability.PaymentRefunded)
		if err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		out.Appointment = *updated
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// refundOutstanding reports whether a cancelled appointment still holds the
// patient's money.
func refundOutstanding(a *availability.Appointment) bool {
	return a.Status == availability.StatusCancelled &&
		a.PaymentStatus == availability.PaymentPaid &&
		a.PaymentReference != ""
}

// Abandon releases the patient's hold when they back out before paying.
func (c *Coordinator) Abandon(ctx context.Context, actor identity.Actor, reservationID uuid.UUID) (*Reservation, error) {
	var out *Reservation
	err := c.withLock(ctx, redisclient.ReservationKey(reservationID), func(ctx context.Context) error {
		r, err := c.loadOwned(ctx, actor, reservationID)
		if err != nil {
			return err
		}
		out = r
		if r.State == StateReleased {
			return nil
		}
		return c.releaseHold(ctx, r, "abandoned by patient")
	})
	return out, err
}

// ExpireStale releases reservations whose hold ran out without a payment result.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	active, err := c.reservations.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active reservations: %w", err)
	}

	now := c.now()
	expired := 0
	var errs []error
	for _, candidate := range active {
		if !candidate.holdLapsed(now) {
			continue
		}
		err := c.withLock(ctx, redisclient.ReservationKey(candidate.ID), func(ctx context.Context) error {
			r, err := c.reservations.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if r.State.Terminal() || !r.holdLapsed(now) {
				return nil
			}
			if err := c.releaseHold(ctx, r, "hold expired"); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil && !errors.Is(err, ErrBusy) {
			errs = append(errs, fmt.Errorf("expire reservation %s: %w", candidate.ID, err))
		}
	}
	return expired, errors.Join(errs...)
}

// GetReservation returns a reservation its patient (or an admin) may see.
func (c *Coordinator) GetReservation(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Reservation, error) {
	return c.loadOwned(ctx, actor, id)
}

// Helpers

func (c *Coordinator) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := c.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrBusy
	}
	return err
}

func (c *Coordinator) step(ctx context.Context, r *Reservation, ev event) error {
	from := r.State
	if err := r.apply(ev, c.now()); err != nil {
		return err
	}
	if err := c.reservations.Save(ctx, *r); err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	c.metrics.ObserveTransition(string(from), string(r.State))
	c.log.Info("reservation transition",
		zap.String("reservation_id", r.ID.String()),
		zap.String("event", ev.name()),
		zap.String("from", string(from)),
		zap.String("to", string(r.State)),
	)
	return nil
}

func (c *Coordinator) releaseHold(ctx context.Context, r *Reservation, reason string) error {
	if r.State != StateHeld && r.State != StateAwaitingPayment {
		return r.invalid(holdReleased{})
	}
	if err := c.slots.Release(ctx, r.SlotID); err != nil && !errors.Is(err, availability.ErrConflict) {
		return fmt.Errorf("release slot: %w", err)
	}
	if err := c.step(ctx, r, holdReleased{reason: reason}); err != nil {
		return err
	}
	c.logEvent(ctx, availability.EventSlotReleased, &r.SlotID, nil, map[string]any{
		"reservation_id": r.ID.String(),
		"reason":         reason,
	})
	return nil
}

// refundLatePayment returns money that arrived after the reservation had ended.
func (c *Coordinator) refundLatePayment(ctx context.Context, r *Reservation, res PaymentResult) error {
	c.refund(ctx, r, paymentReference(r, res), "payment arrived after the reservation ended")
	return &PaymentError{
		Status: payments.StatusPaid,
		Reason: fmt.Sprintf("reservation is %s, payment refunded", r.State),
	}
}

func (c *Coordinator) refund(ctx context.Context, r *Reservation, reference, reason string) {
	if reference == "" {
		c.log.Error("cannot refund without a payment reference", zap.String("reservation_id", r.ID.String()))
		return
	}
	if _, err := c.gateway.Refund(ctx, payments.RefundRequest{
		Reference:      reference,
		Amount:         r.Amount,
		Currency:       r.Currency,
		IdempotencyKey: "reservation:" + r.ID.String(),
		Reason:         reason,
	}); err != nil {
		c.log.Error("refund failed",
			zap.String("reservation_id", r.ID.String()),
			zap.String("reference", reference),
			zap.Error(err),
		)
	}
}

func paymentReference(r *Reservation, res PaymentResult) string {
	if res.Reference != "" {
		return res.Reference
	}
	if r.Checkout != nil {
		return r.Checkout.Reference
	}
	return ""
}

// lookup finds the reservation a payment result refers to. The gateway reference
// must match the checkout the reservation started.
func (c *Coordinator) lookup(ctx context.Context, res PaymentResult) (*Reservation, error) {
	var (
		r   *Reservation
		err error
	)
	switch {
	case res.ReservationID != uuid.Nil:
		r, err = c.reservations.Get(ctx, res.ReservationID)
	case res.IdempotencyKey != "":
		r, err = c.reservations.FindByKey(ctx, res.IdempotencyKey)
	default:
		return nil, fmt.Errorf("%w: reservation id or idempotency key required", ErrInvalidPaymentResult)
	}
	if err != nil {
		return nil, err
	}
	if r.Checkout != nil && r.Checkout.Reference != res.Reference {
		return nil, fmt.Errorf("%w: reference does not match checkout", ErrInvalidPaymentResult)
	}
	return r, nil
}

func (c *Coordinator) loadOwned(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Reservation, error) {
	r, err := c.reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := identity.Match(actor, identity.Cases[bool]{
		Patient:  func(p identity.Patient) bool { return p.ID == r.PatientID },
		Provider: func(identity.Provider) bool { return false },
		Admin:    func(identity.Admin) bool { return true },
	})
	if !allowed {
		return nil, identity.ErrForbidden
	}
	return r, nil
}

func (c *Coordinator) price(ctx context.Context, providerID uuid.UUID) (decimal.Decimal, string, error) {
	if c.templates == nil {
		return decimal.Zero, c.cfg.Currency, nil
	}
	t, err := c.templates.Get(ctx, providerID)
	if errors.Is(err, schedule.ErrTemplateNotFound) {
		return decimal.Zero, c.cfg.Currency, nil
	}
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("load template: %w", err)
	}
	return t.ConsultationFee, t.Currency, nil
}

func requirePatient(actor identity.Actor) (uuid.UUID, error) {
	id := identity.Match(actor, identity.Cases[uuid.UUID]{
		Patient:  func(p identity.Patient) uuid.UUID { return p.ID },
		Provider: func(identity.Provider) uuid.UUID { return uuid.Nil },
		Admin:    func(identity.Admin) uuid.UUID { return uuid.Nil },
	})
	if id == uuid.Nil {
		return uuid.Nil, identity.ErrForbidden
	}
	return id, nil
}

func (c *Coordinator) logEvent(ctx context.Context, eventType string, slotID, appointmentID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	ev := availability.EventLog{
		EventType:     eventType,
		SlotID:        slotID,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     c.now(),
	}
	if err := c.slots.InsertEvent(ctx, ev); err != nil {
		c.log.Warn("failed to insert event log", zap.String("event_type", eventType), zap.Error(err))
	}
}
