package app

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/archivio-dms/archivio-dms/internal/delegation"
	"github.com/archivio-dms/archivio-dms/internal/grants"
	"github.com/archivio-dms/archivio-dms/internal/observability"
	"github.com/archivio-dms/archivio-dms/internal/platform/httpx"
	"github.com/archivio-dms/archivio-dms/internal/resolver"
	"github.com/archivio-dms/archivio-dms/internal/shared"
	"github.com/archivio-dms/archivio-dms/jobs"
)

// RouterParams bundles the handlers mounted by NewRouter.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	GrantsHandler     *grants.Handler
	ResolverHandler   *resolver.Handler
	DelegationHandler *delegation.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter assembles the HTTP surface.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config}) {
		r.Use(mw)
	}
	if p.Metrics != nil {
		r.Use(p.Metrics.Middleware)
	}
	r.Use(actorMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/permissions", p.ResolverHandler.MountRoutes)
		r.Route("/nodes/{kind}/{id}", func(r chi.Router) {
			p.ResolverHandler.MountNodeRoutes(r)
			p.GrantsHandler.MountNodeRoutes(r)
		})
		r.Route("/grants", p.GrantsHandler.MountRoutes)
		r.Route("/delegations", p.DelegationHandler.MountRoutes)
		if p.JobsHandler != nil {
			r.Route("/jobs", p.JobsHandler.MountRoutes)
		}
	})

	return r
}

// actorMiddleware lifts the authenticated caller id injected by the edge
// gateway into the request context. Authentication itself happens upstream.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-Actor-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				r = r.WithContext(shared.ContextWithActor(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}
