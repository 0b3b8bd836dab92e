/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the access log
  2. RealIP:     Client address behind proxies
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards
  5. AccessLog:  zerolog access line per request (API routes)
  6. Tracing:    OpenTelemetry server span per request (API routes)

ROUTE GROUPS:
  /api/*         Engine endpoints (see handlers.go)
  /api/feed/ws   WebSocket change feed, outside the logging/tracing wrappers
                 so the connection can be hijacked
  /metrics       Prometheus
  /healthz       Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Tracing and access log
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // served at /metrics when set
	Feed           http.Handler // served at /api/feed/ws when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Traceparent"},
		ExposedHeaders: []string{"Traceparent"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Feed != nil {
		r.Method(http.MethodGet, "/api/feed/ws", opts.Feed)
	}

	r.Group(func(r chi.Router) {
		r.Use(AccessLog(h.Logger)...)
		r.Use(Tracing())

		// Tier routes
		r.Get("/api/tiers", h.ListTiers)
		r.Get("/api/stats/tiers", h.TierStats)

		// Customer routes
		r.Get("/api/customers", h.ListCustomers)
		r.Get("/api/customers/{id}", h.GetCustomer)
		r.Get("/api/customers/{id}/transactions", h.GetTransactions)
		r.Get("/api/customers/{id}/quote", h.GetQuote)
		r.Post("/api/customers/{id}/adjustments", h.AdjustCustomer)
		r.Post("/api/customers/{id}/recompute", h.RecomputeCustomer)

		// Transaction routes
		r.Post("/api/transactions", h.ApplyTransaction)
		r.Patch("/api/transactions/{id}", h.EditTransaction)
		r.Put("/api/transactions/{id}/amount", h.ChangeAmount)
		r.Delete("/api/transactions/{id}", h.RevertTransaction)

		r.Get("/api/ranking", h.Ranking)

		// Service routes
		r.Post("/api/services", h.RegisterService)
		r.Get("/api/services/{id}", h.GetService)
		r.Post("/api/services/{id}/reviews", h.AddReview)
		r.Delete("/api/services/{id}/reviews/{reviewID}", h.RemoveReview)
	})

	return r
}
