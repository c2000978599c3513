// Package httpapi exposes the client-facing OpenAI-compatible surface and
// the admin control/status surface over a single chi router, grounded on
// the reference gateway's NewMux (server.go): request ID/real IP/recoverer/
// compression middleware, a security-headers shim, a central HTTPError ->
// status mapper, and a Prometheus /metrics/prom endpoint alongside the JSON
// /metrics one spec §6 requires.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"modeld/internal/lifecycle"
	"modeld/internal/proxy"
	"modeld/internal/registry"
)

// Deps bundles every collaborator the router needs. Held as a struct
// rather than free functions closing over globals, per spec §9's "model
// them as one owner struct" guidance.
type Deps struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Controller
	Forwarder *proxy.Forwarder
	Log       zerolog.Logger
	StartedAt time.Time
	CORS      []string // allowed origins; empty disables CORS entirely
}

// NewRouter builds the full gatewayd HTTP surface: client routes, admin
// routes, health/metrics, and (build-tag gated) swagger docs.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(loggingMiddleware(d.Log))
	r.Use(metricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(d.CORS) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORS,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	api := &api{d: d}

	r.Get("/v1/models", api.listModels)
	r.Post("/v1/chat/completions", d.Forwarder.ServeHTTP)
	r.Post("/v1/completions", d.Forwarder.ServeHTTP)
	r.Get("/health", api.health)
	r.Get("/metrics", api.metricsJSON)
	r.Get("/metrics/prom", metricsPromHandler())

	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/models/{name}/start", api.adminStartOne)
		ar.Post("/models/{name}/stop", api.adminStopOne)
		ar.Post("/models/{name}/reload", api.adminReloadOne)
		ar.Get("/models/{name}/status", api.adminStatusOne)
		ar.Post("/models/start-all", api.adminStartAll)
		ar.Post("/models/stop-all", api.adminStopAll)
		ar.Post("/models/restart-all", api.adminRestartAll)
		ar.Post("/groups/{group}/start", api.adminGroupStart)
		ar.Post("/groups/{group}/stop", api.adminGroupStop)
		ar.Get("/groups/status", api.adminGroupsStatus)
		ar.Get("/queue/status", api.adminQueueStatus)
		ar.Get("/queue/{name}/status", api.adminQueueStatusOne)
		ar.Post("/queue/{name}/clear", api.adminQueueClear)
	})

	MountSwagger(r)
	return r
}
