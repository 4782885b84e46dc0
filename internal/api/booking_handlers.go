package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
)

func selectSlotHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectSlotRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		res, err := c.SelectSlot(r.Context(), actorFrom(r.Context()), slotID)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, reservationResponse(res))
	}
}

func getReservationHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		res, err := c.GetReservation(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationResponse(res))
	}
}

func checkoutHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		res, err := c.ProceedToPayment(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationResponse(res))
	}
}

func abandonHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		res, err := c.Abandon(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationResponse(res))
	}
}

// paymentCallbackHandler receives gateway results. Deliveries are deduplicated by
// event_id inside the coordinator.
func paymentCallbackHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PaymentCallbackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		result := booking.PaymentResult{
			EventID:        req.EventID,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			Status:         payments.Status(req.Status),
			Reason:         req.Reason,
		}
		if req.ReservationID != "" {
			id, err := uuid.Parse(req.ReservationID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_reservation_id", "reservation_id must be a valid UUID")
				return
			}
			result.ReservationID = id
		}

		res, err := c.ConfirmPayment(r.Context(), result)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationResponse(res))
	}
}

// listAppointmentsHandler scopes the listing to the caller. Admins may filter by
// patient_id, provider_id and slot_id.
func listAppointmentsHandler(slots availability.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := availability.AppointmentFilter{}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
				return
			}
			filter.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
				return
			}
			filter.Offset = n
		}

		parse := func(name string) (*uuid.UUID, bool) {
			v := q.Get(name)
			if v == "" {
				return nil, true
			}
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
				return nil, false
			}
			return &id, true
		}

		ok := identity.Match(actorFrom(r.Context()), identity.Cases[bool]{
			Patient: func(p identity.Patient) bool {
				id := p.ID
				filter.PatientID = &id
				return true
			},
			Provider: func(p identity.Provider) bool {
				id := p.ID
				filter.ProviderID = &id
				return true
			},
			Admin: func(identity.Admin) bool {
				var ok bool
				if filter.PatientID, ok = parse("patient_id"); !ok {
					return false
				}
				if filter.ProviderID, ok = parse("provider_id"); !ok {
					return false
				}
				filter.SlotID, ok = parse("slot_id")
				return ok
			},
		})
		if !ok {
			return
		}

		details, err := slots.ListAppointments(r.Context(), filter)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		resp := make([]AppointmentResponse, 0, len(details))
		for _, d := range details {
			resp = append(resp, appointmentResponse(d.Appointment, d.Slot))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(slots availability.Repository, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		appt, err := slots.GetAppointment(r.Context(), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		if !identity.IsParticipant(actorFrom(r.Context()), appt.PatientID, appt.ProviderID) {
			writeDomainError(w, log, identity.ErrForbidden)
			return
		}
		slot, err := slots.GetSlot(r.Context(), appt.SlotID)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(*appt, slot))
	}
}

func cancelAppointmentHandler(c *booking.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		out, err := c.CancelAppointment(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			writeDomainError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, cancellationResponse(out))
	}
}
