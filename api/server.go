/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, also the default actor
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap access log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. Rate limit: Per client IP, when configured

ROUTE GROUPS:
  /health               Dependency checks
  /api/payments/*       Payment lifecycle
  /api/archives/*       Archive, restore, reinstate
  /api/reports/*        Read-only reports
  /api/reconciliation/* Consistency sweeps
  /api/scenarios/*      Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledger/serve.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

type RouterOptions struct {
	CORSOrigins []string
	RateLimit   int // requests per RateWindow per IP; 0 disables
	RateWindow  time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Total-Count"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if opts.RateLimit > 0 {
		window := opts.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(opts.RateLimit, window))
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Get("/number/{number}", h.GetPaymentByNumber)
			r.Get("/{id}", h.GetPayment)
			r.Delete("/{id}", h.ArchivePayment)
			r.Post("/{id}/amounts", h.AddAmount)
			r.Post("/{id}/refunds", h.ProcessRefund)
			r.Post("/{id}/write-off", h.WriteOff)
			r.Post("/{id}/fail", h.MarkFailed)
		})

		r.Route("/archives", func(r chi.Router) {
			r.Get("/", h.ListArchives)
			r.Get("/{id}", h.GetArchive)
			r.Post("/{id}/restore", h.RestoreArchive)
			r.Post("/{id}/reinstate", h.ReinstateArchive)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/outstanding", h.OutstandingReport)
			r.Get("/revenue", h.RevenueReport)
			r.Get("/breakdown", h.BreakdownReport)
			r.Get("/aging", h.AgingReport)
			r.Get("/accounts", h.AccountsReport)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/run", h.TriggerReconciliation)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
