/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/ledgers/*        Credit ledgers and their audit trail
  /api/payments         Payment ingestion
  /api/packages/*       Package lifecycle
  /api/sessions/*       Scheduling gate
  /api/approvals/*      Approval queue
  /api/alerts/*         Alert feeds
  /api/learners         Learner profiles
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness + store ping

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is implemented by dependencies /healthz should check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	// Health lists dependencies checked by /healthz.
	Health map[string]Pinger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthz(opts.Health))

	r.Route("/api", func(r chi.Router) {
		r.Route("/ledgers", func(r chi.Router) {
			r.Get("/", h.ListLedgers)
			r.Post("/grant", h.GrantHours)
			r.Get("/{id}", h.GetLedger)
			r.Get("/{id}/entries", h.GetLedgerEntries)
		})

		r.Post("/payments", h.RecordPayment)

		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Get("/{id}", h.GetPackage)
			r.Post("/{id}/pause", h.RequestPause)
			r.Post("/{id}/unpause", h.UnpausePackage)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.BookSession)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/cancel", h.CancelSession)
			r.Post("/{id}/reschedule", h.RescheduleSession)
			r.Post("/{id}/complete", h.CompleteSession)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingApprovals)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/teacher", h.TeacherAlerts)
			r.Get("/learners/{id}", h.LearnerAlerts)
		})

		r.Route("/learners", func(r chi.Router) {
			r.Get("/", h.ListLearners)
			r.Put("/", h.UpsertLearner)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/digest", h.RunDigest)
		})
	})

	return r
}

func healthz(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			if err := dep.Ping(r.Context()); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
	}
}
