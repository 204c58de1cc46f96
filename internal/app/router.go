package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clinicore/clinicore/internal/billing"
	"github.com/clinicore/clinicore/internal/ledger"
	"github.com/clinicore/clinicore/internal/observability"
	"github.com/clinicore/clinicore/internal/patients"
	"github.com/clinicore/clinicore/internal/payments"
	"github.com/clinicore/clinicore/internal/plans"
	"github.com/clinicore/clinicore/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	PatientsHandler *patients.Handler
	BillingHandler  *billing.Handler
	PaymentsHandler *payments.Handler
	PlansHandler    *plans.Handler
	LedgerHandler   *ledger.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Clinicore defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.PatientsHandler != nil {
		r.Route("/patients", params.PatientsHandler.MountRoutes)
	}
	if params.BillingHandler != nil {
		r.Route("/invoices", params.BillingHandler.MountRoutes)
	}
	if params.PaymentsHandler != nil {
		params.PaymentsHandler.MountRoutes(r)
	}
	if params.PlansHandler != nil {
		r.Route("/plans", params.PlansHandler.MountRoutes)
	}
	if params.LedgerHandler != nil {
		params.LedgerHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
