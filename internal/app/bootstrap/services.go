package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/consultation"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/payments"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
	"github.com/hackgods/telehealth-scheduling/internal/signaling"
)

// Services is the assembled application graph shared by the executables.
type Services struct {
	Templates   *schedule.Store
	Regenerator *availability.Regenerator
	Coordinator *booking.Coordinator
	Sessions    *consultation.Manager
	Gateway     payments.Gateway
}

// BuildServices wires the domain services on top of rt. Template writes feed the
// regenerator, and orphaned slots are handled per cfg.OrphanPolicy.
func BuildServices(cfg config.Config, rt *Runtime, m *metrics.Metrics, logger *zap.Logger) (*Services, error) {
	if rt == nil {
		return nil, fmt.Errorf("bootstrap: runtime is required")
	}
	log := logging.OrNop(logger)

	gateway, err := payments.NewGateway(cfg.AllowFakePayments, cfg.PublicBaseURL, log.Named("payments"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: payments: %w", err)
	}

	templates := schedule.NewStore(rt.Templates, log.Named("schedule"))
	regen := availability.NewRegenerator(rt.Slots, cfg.HorizonWeeks, log.Named("availability"))
	templates.Subscribe(func(ctx context.Context, ev schedule.TemplateChanged) error {
		err := regen.Handle(ctx, ev)
		m.ObserveRegeneration(err)
		return err
	})

	coord := booking.NewCoordinator(booking.Deps{
		Slots:        rt.Slots,
		Templates:    templates,
		Gateway:      gateway,
		Reservations: rt.Reservations,
		Locker:       rt.Locker,
		Marker:       rt.Marker,
		Policy: booking.FeeWindowPolicy{
			Window: cfg.CancellationFeeWindow,
			Rate:   cfg.CancellationFeeRate,
		},
		Metrics: m,
		Logger:  log.Named("booking"),
	}, cfg)
	regen.OnOrphans(coord.OrphanHandler(cfg.OrphanPolicy))

	issuer, err := signaling.NewJWTIssuer(cfg.SignalingSecret, cfg.SignalingIssuer, cfg.CredentialTTL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: signaling: %w", err)
	}
	sessions := consultation.NewManager(rt.Slots, issuer, rt.Records, m, cfg.JoinLeeway, log.Named("consultation"))

	return &Services{
		Templates:   templates,
		Regenerator: regen,
		Coordinator: coord,
		Sessions:    sessions,
		Gateway:     gateway,
	}, nil
}
