package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrUnknownReference     = errors.New("unknown payment reference")
	ErrFakePaymentsDisabled = errors.New("fake payments are disabled; set ALLOW_FAKE_PAYMENTS=true")
	ErrInvalidAmount        = errors.New("invalid payment amount")
)

// Gateway is the external payment processor. Results of a checkout arrive later
// through the payment callback, not from Initiate.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Checkout, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

type InitiateRequest struct {
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Description    string
}

// Checkout is what the patient is sent to in order to pay.
type Checkout struct {
	Reference   string          `json:"reference"`
	Token       string          `json:"token"`
	RedirectURL string          `json:"redirect_url"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CreatedAt   time.Time       `json:"created_at"`
}

type RefundRequest struct {
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
}

type Refund struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
}

// Status is the outcome a gateway reports for a checkout.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

func (s Status) Valid() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusTimeout
}
