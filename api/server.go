/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RealIP:         Client address behind proxies
  3. RequestLogger:  Structured request logging (zap)
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the operator frontend

ROUTE GROUPS:
  /api/members/*   Member directory, points and redemptions
  /api/rewards/*   Reward catalog
  /api/stats       Dashboard counters
  /api/reconciliation  Ledger-balance sweeps
  /healthz         Liveness check

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list falls back to the local frontend dev servers.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.RegisterMember)
			r.Get("/search", h.SearchMember)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/reconcile", h.Reconcile)
			r.Post("/{id}/points", h.AwardPoints)
			r.Post("/{id}/redemptions", h.RedeemReward)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Get("/{id}", h.GetReward)
		})

		r.Get("/stats", h.GetStats)

		if h.Reconciler != nil {
			r.Get("/reconciliation", h.Reconciler.ServeLastSweep)
			r.Post("/reconciliation", h.Reconciler.ServeSweep)
		}
	})

	return r
}
