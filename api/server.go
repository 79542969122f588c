/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends
  6. RateLimit:  Per-client token bucket on /api (optional)

ROUTE GROUPS:
  /api/wallets/*    Wallets, history, credits, conversion
  /api/payouts/*    Payout requests and decisions
  /api/admin/*      Operator actions
  /metrics          Prometheus scrape endpoint
  /healthz          Liveness and store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin; a nil limiter disables rate limiting.
func NewRouter(h *Handler, origins []string, limiter *RateLimiter) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Post("/", h.EnsureWallet)
			r.Get("/{id}", h.GetWalletByID)
			r.Post("/{id}/close", h.CloseWallet)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/transactions", h.AddTransaction)
			r.Get("/{id}/credits", h.ListCredits)
			r.Post("/{id}/credits", h.GrantCredit)
			r.Post("/{id}/consume", h.ConsumeCredits)
			r.Post("/{id}/convert", h.ConvertPoints)
			r.Get("/{id}/reconcile", h.Reconcile)
		})

		r.Route("/payouts", func(r chi.Router) {
			r.Get("/", h.ListPayouts)
			r.Post("/", h.RequestPayout)
			r.Get("/{id}", h.GetPayout)
			r.Post("/{id}/decision", h.DecidePayout)
			r.Post("/{id}/processed", h.MarkPayoutProcessed)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	return r
}
