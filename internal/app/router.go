package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/apflow/apflow/internal/approval"
	audithttp "github.com/apflow/apflow/internal/audit/http"
	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/feedback"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/observability"
	"github.com/apflow/apflow/internal/rules"
	"github.com/apflow/apflow/internal/users"
	"github.com/apflow/apflow/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	InvoiceHandler   *invoice.Handler
	ApprovalHandler  *approval.Handler
	ExceptionHandler *exception.Handler
	RulesHandler     *rules.Handler
	FeedbackHandler  *feedback.Handler
	UsersHandler     *users.Handler
	AuditHandler     *audithttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with apflow defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if params.InvoiceHandler != nil {
			api.Route("/invoices", params.InvoiceHandler.MountRoutes)
		}
		if params.ApprovalHandler != nil {
			api.Route("/approvals", params.ApprovalHandler.MountRoutes)
		}
		if params.ExceptionHandler != nil {
			api.Route("/exceptions", params.ExceptionHandler.MountRoutes)
		}
		if params.RulesHandler != nil {
			api.Route("/rules", params.RulesHandler.MountRoutes)
		}
		if params.FeedbackHandler != nil {
			api.Route("/feedback", params.FeedbackHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			api.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			api.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			api.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
