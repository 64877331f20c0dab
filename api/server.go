/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/events/*         Qualifying event inbox
  /api/runs/*           Automation runs
  /api/line-items       Commission ledger
  /api/obligations/*    Payment obligations (payroll)
  /api/statements       Per-beneficiary payment statements
  /api/unresolved/*     Operator queue
  /api/network/*        Network queries
  /api/rules/*          Rule book
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness and database ping

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.IngestEvent)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.TriggerRun)
		})

		r.Get("/line-items", h.ListLineItems)
		r.Get("/statements", h.ListStatements)

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Post("/{id}/paid", h.MarkObligationPaid)
			r.Post("/{id}/cancel", h.CancelObligation)
		})

		r.Route("/unresolved", func(r chi.Router) {
			r.Get("/", h.ListUnresolved)
			r.Post("/{id}/resolve", h.ResolveUnresolved)
		})

		r.Route("/network/{id}", func(r chi.Router) {
			r.Get("/ancestors", h.GetAncestors)
			r.Get("/descendants", h.GetDescendants)
			r.Get("/direct-count", h.GetDirectCount)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.GetRules)
			r.Post("/versions", h.AddRuleVersion)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// Health reports liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "runner": h.Runner.State()})
}
