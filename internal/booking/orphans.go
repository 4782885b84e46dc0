package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

// OrphanHandler returns the regenerator hook for slots a template change no
// longer covers. OrphanHonor keeps them until they are freed, after which the
// repository retires them; OrphanCancel releases held slots and cancels booked
// appointments with a full refund.
func (c *Coordinator) OrphanHandler(policy config.OrphanPolicy) availability.OrphanHandler {
	if policy != config.OrphanCancel {
		return func(_ context.Context, providerID uuid.UUID, orphans []availability.Slot) error {
			for _, s := range orphans {
				c.log.Warn("honoring slot outside template",
					zap.String("provider_id", providerID.String()),
					zap.String("slot_id", s.ID.String()),
					zap.String("status", string(s.Status)),
				)
			}
			return nil
		}
	}
	return c.cancelOrphans
}

func (c *Coordinator) cancelOrphans(ctx context.Context, providerID uuid.UUID, orphans []availability.Slot) error {
	var errs []error
	for _, s := range orphans {
		switch s.Status {
		case availability.SlotHeld:
			// a payment that still arrives finds the slot gone and is refunded
			if err := c.slots.Release(ctx, s.ID); err != nil && !errors.Is(err, availability.ErrConflict) {
				errs = append(errs, fmt.Errorf("release orphan %s: %w", s.ID, err))
				continue
			}
			c.logEvent(ctx, availability.EventSlotReleased, &s.ID, nil, map[string]any{
				"provider_id": providerID.String(),
				"reason":      "removed from template",
			})

		case availability.SlotBooked:
			slotID := s.ID
			appts, err := c.slots.ListAppointments(ctx, availability.AppointmentFilter{SlotID: &slotID, Limit: 100})
			if err != nil {
				errs = append(errs, fmt.Errorf("list appointments for orphan %s: %w", s.ID, err))
				continue
			}
			for _, a := range appts {
				if !a.Status.Cancellable() {
					continue
				}
				if _, err := c.CancelAppointment(ctx, identity.System, a.ID); err != nil {
					errs = append(errs, fmt.Errorf("cancel orphaned appointment %s: %w", a.ID, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}
