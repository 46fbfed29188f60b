/*
server.go - HTTP router and middleware configuration

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logging:    One zap line per request (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Origins from config

ROUTE GROUPS:
  /api/events/*      Triggers from the order and catalog subsystems
  /api/users/*       Wallet reads and redemptions
  /api/products/*    Recent earners per product
  /api/cashback/*    Quote preview
  /api/admin/*       Audit
  /api/scenarios/*   Demo data (only when enabled)
  /healthz           Store ping
  /metrics           Prometheus (only when enabled)

SECURITY NOTE:
  No authentication middleware. Put the service behind the internal
  gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/logging"
)

// RouterOptions toggles optional routes.
type RouterOptions struct {
	CORSOrigins     []string
	EnableScenarios bool
	Metrics         http.Handler // nil disables /metrics
	Logger          *zap.Logger
}

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(logger.Named("http")))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Post("/purchase-completed", h.PurchaseCompleted)
			r.Post("/review-submitted", h.ReviewSubmitted)
			r.Post("/referral", h.Referral)
			r.Post("/refund", h.Refund)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/wallet", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/redemptions", h.Redeem)
		})

		r.Get("/products/{id}/recent-earners", h.RecentEarners)
		r.Get("/cashback/quote", h.Quote)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.RunAudit)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetScenario)
			})
		}
	})

	return r
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Ledger.Store().(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, CodeStoreUnavailable, "store unreachable", nil)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
