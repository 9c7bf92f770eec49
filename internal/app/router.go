package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/garageflow/garageflow/internal/auth"
	"github.com/garageflow/garageflow/internal/authz"
	"github.com/garageflow/garageflow/internal/observability"
	"github.com/garageflow/garageflow/internal/shared"
	"github.com/garageflow/garageflow/internal/users"
	"github.com/garageflow/garageflow/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	AuthHandler    *auth.Handler
	AuthzHandler   *authz.Handler
	AuthzGuard     authz.Middleware
	UsersHandler   *users.Handler
	JobsHandler    *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with GarageFlow defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", params.AuthHandler.MountRoutes)
		r.Route("/roles", params.AuthzHandler.MountRoles)
		r.Route("/permissions", params.AuthzHandler.MountPermissions)
		r.Route("/users", func(r chi.Router) {
			params.UsersHandler.MountRoutes(r)
			params.AuthzHandler.MountUserAccess(r)
		})
		if params.JobsHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.AuthzGuard.RequireAll(authz.PermUsersManagePermissions))
				params.JobsHandler.MountRoutes(r)
			})
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
