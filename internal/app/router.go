package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/accruals/internal/accounting"
	"github.com/odyssey-erp/accruals/internal/accrual"
	"github.com/odyssey-erp/accruals/internal/observability"
	"github.com/odyssey-erp/accruals/internal/platform/httpx"
	"github.com/odyssey-erp/accruals/internal/reconciliation"
	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/jobs"
	"github.com/odyssey-erp/accruals/report"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	AccrualHandler    *accrual.Handler
	ReportsHandler    *reconciliation.Handler
	AccountingHandler *accounting.Handler
	SalesHandler      *sales.Handler
	RendererHandler   *report.Handler
	JobHandler        *jobs.Handler
}

// NewRouter constructs the chi.Router with the API mounted under /api.
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
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.Config != nil {
			r.Use(BasicAuth(params.Config.APIUser, params.Config.APIPasswordHash, params.Logger))
		}
		if params.AccrualHandler != nil {
			r.Route("/accruals", params.AccrualHandler.MountRoutes)
		}
		if params.ReportsHandler != nil {
			r.Route("/reports", params.ReportsHandler.MountRoutes)
		}
		if params.AccountingHandler != nil {
			r.Route("/ledger", params.AccountingHandler.MountRoutes)
		}
		if params.SalesHandler != nil {
			r.Route("/sales", params.SalesHandler.MountRoutes)
		}
		if params.RendererHandler != nil {
			r.Route("/renderer", params.RendererHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", r.URL.Path)
	})
	return r
}
