package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/webhook"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

type RouterConfig struct {
	Bookings      *booking.Service
	Subscriptions *webhook.Subscriptions
	Health        *HealthHandler
	// Metrics defaults to the default Prometheus registry.
	Metrics http.Handler
	Logger  *logging.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}
	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(AccountMiddleware)

		svc := cfg.Bookings
		r.Get("/availability", availabilityHandler(svc))

		r.Post("/holds", createHoldHandler(svc))
		r.Get("/holds/{id}", getHoldHandler(svc))
		r.Post("/holds/{id}/cancel", cancelHoldHandler(svc))
		r.Post("/holds/{id}/confirm", confirmHoldHandler(svc))

		r.Post("/appointments", createAppointmentHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Patch("/appointments/{id}", patchAppointmentHandler(svc))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(svc))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(svc))

		r.Put("/professionals/{id}/availability-rules/{weekday}", replaceRulesHandler(svc))
		r.Post("/blocks", createBlockHandler(svc))
		r.Delete("/blocks/{id}", deleteBlockHandler(svc))

		if subs := cfg.Subscriptions; subs != nil {
			r.Post("/webhook-subscriptions", createSubscriptionHandler(subs))
			r.Get("/webhook-subscriptions", listSubscriptionsHandler(subs))
			r.Delete("/webhook-subscriptions/{id}", disableSubscriptionHandler(subs))
			r.Get("/webhook-deliveries", listDeliveriesHandler(subs))
		}
	})

	return r
}
