package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/availability"
	"github.com/hackgods/telehealth-scheduling/internal/booking"
	"github.com/hackgods/telehealth-scheduling/internal/consultation"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

type RouterConfig struct {
	Templates   *schedule.Store
	Slots       availability.Repository
	Regenerator *availability.Regenerator
	Coordinator *booking.Coordinator
	Sessions    *consultation.Manager

	Health   *HealthHandler
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *zap.Logger

	RateLimitPerMinute int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := logging.OrNop(cfg.Logger)
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log, cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Gateway webhook, authenticated by the gateway itself rather than user headers
	r.Post("/payments/callback", paymentCallbackHandler(cfg.Coordinator, log))

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Route("/providers/{providerID}", func(r chi.Router) {
			r.Get("/template", getTemplateHandler(cfg.Templates, log))
			r.Put("/template", putTemplateHandler(cfg.Templates, log))
			r.Get("/slots", listSlotsHandler(cfg.Slots, log))
			if cfg.Regenerator != nil {
				r.Get("/reconciliation", reconciliationHandler(cfg.Regenerator))
			}
		})

		r.Route("/reservations", func(r chi.Router) {
			if cfg.RateLimitPerMinute > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
			}
			r.Post("/", selectSlotHandler(cfg.Coordinator, log))
			r.Get("/{id}", getReservationHandler(cfg.Coordinator, log))
			r.Post("/{id}/checkout", checkoutHandler(cfg.Coordinator, log))
			r.Post("/{id}/abandon", abandonHandler(cfg.Coordinator, log))
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", listAppointmentsHandler(cfg.Slots, log))
			r.Get("/{id}", getAppointmentHandler(cfg.Slots, log))
			r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Coordinator, log))
			r.Post("/{id}/session", joinSessionHandler(cfg.Sessions, log))
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", sessionHandler(cfg.Sessions.Get, log))
			r.Post("/reconnect", sessionHandler(cfg.Sessions.Reconnect, log))
			r.Post("/disconnect", sessionHandler(cfg.Sessions.Disconnect, log))
			r.Patch("/media", setMediaHandler(cfg.Sessions, log))
			r.Patch("/draft", updateDraftHandler(cfg.Sessions, log))
			r.Post("/draft/save", sessionHandler(cfg.Sessions.SaveDraft, log))
			r.Post("/leave", sessionHandler(cfg.Sessions.Leave, log))
			r.Post("/complete", sessionHandler(cfg.Sessions.Complete, log))
		})
	})

	return r
}
