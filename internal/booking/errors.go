package booking

import (
	"errors"
	"fmt"

	"github.com/hackgods/telehealth-scheduling/internal/payments"
)

var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrBusy                 = errors.New("reservation is being processed, retry shortly")
	ErrCancellationDenied   = errors.New("cancellation denied by policy")
	ErrPayment              = errors.New("payment failed")
	ErrInvalidPaymentResult = errors.New("invalid payment result")
)

// PaymentError reports a payment that did not go through. Retryable errors leave
// the patient free to select a slot again and pay.
type PaymentError struct {
	Status    payments.Status
	Reason    string
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	msg := fmt.Sprintf("payment %s", e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error { return e.Err }

func (e *PaymentError) Is(target error) bool { return target == ErrPayment }
