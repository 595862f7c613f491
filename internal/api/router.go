/**
 * @description
 * HTTP router setup for the payout-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the authentication and CORS settings of the router.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the payout routes.
func NewRouter(h *PayoutHandlers, cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Read-only ledger views are public.
	r.Get("/payouts/next-id", h.NextPayoutIDHandler)
	r.Get("/payouts/{id}", h.GetPayoutHandler)
	r.Get("/payouts/{id}/allocations", h.ListAllocationsHandler)
	r.Get("/payouts/{id}/claimable/{address}", h.GetClaimableHandler)
	r.Post("/payouts/{id}/claimable", h.BatchClaimableHandler)
	r.Get("/payouts/{id}/events", h.ListEventsHandler)
	r.Post("/addresses/extract", h.ExtractAddressesHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Post("/payouts", h.CreatePayoutHandler)
		r.Post("/payouts/{id}/fund", h.FundPayoutHandler)
		r.Post("/payouts/{id}/claim", h.ClaimHandler)
		r.Post("/payouts/{id}/close", h.ClosePayoutHandler)
		r.Post("/payouts/{id}/withdraw", h.WithdrawRemainingHandler)

		r.Post("/templates", h.CreateTemplateHandler)
		r.Get("/templates", h.ListTemplatesHandler)
		r.Get("/templates/{id}", h.GetTemplateHandler)
		r.Post("/templates/{id}/payouts", h.CreatePayoutFromTemplateHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/claims/reconcile", h.ReconcileClaimsHandler)
		r.Post("/deposits/reconcile", h.ReconcileDepositsHandler)
		r.Post("/ledger/audit", h.AuditLedgerHandler)
	})

	return r
}
