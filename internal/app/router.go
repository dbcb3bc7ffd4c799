package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	activityhttp "github.com/meridian-books/meridian/internal/activity/http"
	"github.com/meridian-books/meridian/internal/authz"
	"github.com/meridian-books/meridian/internal/observability"
	"github.com/meridian-books/meridian/internal/recon"
	"github.com/meridian-books/meridian/internal/shared"
	"github.com/meridian-books/meridian/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	ReconHandler    *recon.Handler
	ActivityHandler *activityhttp.Handler
	JobHandler      *jobs.Handler
	Authz           authz.Middleware
	TenantResolver  shared.TenantResolver
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
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

	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(TenantMiddleware(params.TenantResolver, params.Logger))
		if params.ReconHandler != nil {
			params.ReconHandler.MountRoutes(r)
		}
		if params.ActivityHandler != nil {
			params.ActivityHandler.MountRoutes(r, params.Authz)
		}
	})

	return r
}
