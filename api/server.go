/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the reception frontend
  5. Metrics:    Request counters and latency per route pattern

ROUTE GROUPS:
  /api/login            Password check (no actor required)
  /api/invoices/*       Billing and payments
  /api/patients/*       Patient registry and balances
  /api/appointments     Agenda
  /api/staff/*          Roster and payroll
  /api/expenses/*       Cash out
  /api/cuadre/*         Daily reconciliation
  /api/audit            Audit log
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

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
	"github.com/warp/clinic-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-Role"},
		AllowCredentials: true,
	}))
	r.Use(metrics.Middleware(routePattern))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant":   h.Session.Tenant(),
			"revision": h.Session.Revision(),
			"pending":  h.Session.Pending(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(withActor)

			// Invoice routes
			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/", h.CreateInvoice)
				r.Get("/{id}", h.GetInvoice)
				r.Delete("/{id}", h.DeleteInvoice)
				r.Post("/{id}/payments", h.ApplyPayment)
				r.Get("/{id}/reversals", h.ListReversals)
				r.Post("/{id}/reversals", h.ReverseLastPayment)
			})

			// Patient routes
			r.Route("/patients", func(r chi.Router) {
				r.Post("/", h.UpsertPatient)
				r.Post("/balance-payments", h.PayBalance)
				r.Get("/{id}/balance", h.PatientBalance)
			})
			r.Post("/appointments", h.UpsertAppointment)

			// Staff routes
			r.Route("/staff", func(r chi.Router) {
				r.Get("/", h.ListStaff)
				r.Post("/", h.AddPerson)
				r.Get("/salaries", h.StaffSalaries)
				r.Delete("/{id}", h.RemovePerson)
				r.Get("/{id}/commission", h.AccruedCommission)
				r.Post("/{id}/commission/pay", h.PayCommission)
				r.Get("/{id}/earnings", h.Earnings)
				r.Post("/{id}/advances", h.RecordAdvance)
				r.Post("/{id}/salary/pay", h.PaySalary)
			})

			// Cash routes
			r.Route("/expenses", func(r chi.Router) {
				r.Get("/", h.ListExpenses)
				r.Post("/", h.RegisterExpense)
				r.Delete("/{id}", h.DeleteExpense)
			})
			r.Route("/cuadre", func(r chi.Router) {
				r.Post("/", h.Reconcile)
				r.Get("/history", h.CuadreHistory)
			})

			r.Get("/audit", h.AuditLog)
		})
	})

	return r
}

// routePattern labels metrics with the matched pattern so ids do not
// explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
