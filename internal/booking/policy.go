package booking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

// CancellationRequest is what a policy sees when deciding on a cancellation.
type CancellationRequest struct {
	Actor       identity.Actor
	Appointment availability.Appointment
	Slot        availability.Slot
	Now         time.Time
}

// CancellationDecision says whether the cancellation goes ahead and how much of
// the paid amount is withheld.
type CancellationDecision struct {
	Allow  bool
	Fee    decimal.Decimal
	Reason string
}

type CancellationPolicy interface {
	Decide(ctx context.Context, req CancellationRequest) (CancellationDecision, error)
}

// FullRefund allows every cancellation and refunds everything.
type FullRefund struct{}

func (FullRefund) Decide(context.Context, CancellationRequest) (CancellationDecision, error) {
	return CancellationDecision{Allow: true, Fee: decimal.Zero}, nil
}

// FeeWindowPolicy withholds Rate of the paid amount when a patient cancels less
// than Window before the slot starts. Providers and admins always refund in full,
// and a slot that already started cannot be cancelled by the patient.
type FeeWindowPolicy struct {
	Window time.Duration
	Rate   decimal.Decimal
}

func (p FeeWindowPolicy) Decide(_ context.Context, req CancellationRequest) (CancellationDecision, error) {
	full := CancellationDecision{Allow: true, Fee: decimal.Zero}

	return identity.Match(req.Actor, identity.Cases[CancellationDecision]{
		Patient: func(identity.Patient) CancellationDecision {
			until := req.Slot.StartsAt().Sub(req.Now)
			if until <= 0 {
				return CancellationDecision{Allow: false, Reason: "consultation has already started"}
			}
			if until >= p.Window || p.Rate.IsZero() {
				return full
			}
			fee := req.Appointment.Amount.Mul(p.Rate).Round(2)
			return CancellationDecision{Allow: true, Fee: fee, Reason: "late cancellation fee"}
		},
		Provider: func(identity.Provider) CancellationDecision { return full },
		Admin:    func(identity.Admin) CancellationDecision { return full },
	}), nil
}
