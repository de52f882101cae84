package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-inventory-engine/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

type RouterConfig struct {
	// Verifier enables bearer tokens; nil trusts gateway actor headers.
	Verifier    *ActorVerifier
	Limiter     Limiter
	Rate        int
	RatePeriod  time.Duration
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The gateway callback authenticates by network placement, not actor.
	r.With(IdempotencyMiddleware(cfg.Idempotency, logger, false)).Post("/v1/payments/callback", h.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware(cfg.Verifier))
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Rate, cfg.RatePeriod))

		// Requests that issue tickets must carry an Idempotency-Key.
		r.Group(func(r chi.Router) {
			r.Use(IdempotencyMiddleware(cfg.Idempotency, logger, true))
			r.Post("/v1/holds", h.CreateHold)
			r.Post("/v1/holds/{id}/confirm", h.ConfirmHold)
			r.Post("/v1/staff/sales", h.StaffSale)
			r.Post("/v1/events/{id}/guests", h.ImportGuests)
		})

		r.Group(func(r chi.Router) {
			r.Use(IdempotencyMiddleware(cfg.Idempotency, logger, false))

			r.Get("/v1/holds/{id}", h.GetHold)
			r.Delete("/v1/holds/{id}", h.CancelHold)
			r.Post("/v1/holds/{id}/extend", h.ExtendHold)
			r.Post("/v1/holds/{id}/payment", h.AttachPayment)
			r.Get("/v1/holds/{id}/tickets", h.HoldTickets)

			r.Post("/v1/staff/allocations", h.CreateAllocation)
			r.Get("/v1/staff/allocations/{id}", h.GetAllocation)

			r.Post("/v1/events/{id}/provision", h.ProvisionEvent)
			r.Get("/v1/events/{id}/seats", h.ListSeats)
			r.Get("/v1/events/{id}/seats/{section}/{row}/{number}", h.SeatStatus)
			r.Get("/v1/tiers/{id}/availability", h.TierAvailability)

			r.Post("/v1/waitlist", h.JoinWaitlist)
			r.Get("/v1/waitlist/{id}", h.GetWaitlistEntry)
			r.Delete("/v1/waitlist/{id}", h.LeaveWaitlist)

			r.Post("/v1/tickets/{id}/void", h.VoidTicket)
			r.Post("/v1/tickets/{id}/redeem", h.RedeemTicket)
			r.Post("/v1/tickets/{id}/transfer", h.TransferTicket)
		})
	})

	return r
}
