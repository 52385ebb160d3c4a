package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bookshelf/internal/audit"
	"github.com/odyssey-erp/bookshelf/internal/catalog"
	"github.com/odyssey-erp/bookshelf/internal/observability"
	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
	"github.com/odyssey-erp/bookshelf/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Metrics        *observability.Metrics
	RBACMiddleware rbac.Middleware
	RBACHandler    *rbac.Handler
	CatalogHandler *catalog.Handler
	AuditHandler   *audit.Handler
	JobHandler     *jobs.Handler
}

// NewRouter constructs the chi.Router with bookshelf defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
		RBAC:    params.RBACMiddleware,
	}) {
		r.Use(mw)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.CatalogHandler != nil {
		r.Route("/books", params.CatalogHandler.MountBookRoutes)
		r.Route("/authors", params.CatalogHandler.MountAuthorRoutes)
	}
	if params.RBACHandler != nil {
		r.Route("/rbac", params.RBACHandler.MountRoutes)
		params.RBACHandler.MountDashboard(r)
	}
	if params.AuditHandler != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequirePrincipal)
			r.Use(params.RBACMiddleware.RequireAny(rbac.Permission{Resource: rbac.ResourceGroup, Action: rbac.ActionView}))
			params.AuditHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
