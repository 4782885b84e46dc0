package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
	"github.com/hackgods/telehealth-scheduling/internal/consultation"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/records"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError maps errors from the core packages onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		validation *schedule.ValidationError
		conflict   *availability.ConflictError
		payment    *booking.PaymentError
		transport  *consultation.TransportError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, "invalid_template", validation.Error())
	case errors.Is(err, records.ErrInvalidRecord), errors.Is(err, booking.ErrInvalidPaymentResult):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())

	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "slot_conflict", conflict.Error())
	case errors.As(err, &payment):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{Error: "payment_failed", Details: payment.Error(), Retryable: payment.Retryable})
	case errors.As(err, &transport):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "transport_unavailable", Details: transport.Error(), Retryable: true})
	case errors.Is(err, booking.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "busy", Details: err.Error(), Retryable: true})

	case errors.Is(err, consultation.ErrStaleDraft):
		writeError(w, http.StatusConflict, "stale_draft", err.Error())
	case errors.Is(err, consultation.ErrSessionEnded),
		errors.Is(err, consultation.ErrInvalidState),
		errors.Is(err, consultation.ErrNotJoinable),
		errors.Is(err, consultation.ErrTooEarly):
		writeError(w, http.StatusConflict, "session_state", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, availability.ErrInvalidStatusTransition),
		errors.Is(err, booking.ErrCancellationDenied):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())

	case errors.Is(err, availability.ErrSlotNotFound),
		errors.Is(err, availability.ErrAppointmentNotFound),
		errors.Is(err, booking.ErrReservationNotFound),
		errors.Is(err, consultation.ErrSessionNotFound),
		errors.Is(err, schedule.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, identity.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())

	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
