// Package httpapi assembles the chi router for the API server.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shimimasa/game-asset-manager/internal/http/handlers"
	"github.com/shimimasa/game-asset-manager/internal/infra"
	"github.com/shimimasa/game-asset-manager/internal/middleware"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
)

// Options carries the router's cross-cutting wiring.
type Options struct {
	JWTSecret      string
	APILimiter     *ratelimit.Limiter
	AllowedOrigins []string
	StaticDir      string
	Logger         infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.APILimiter != nil {
		r.Use(middleware.RateLimit(opts.APILimiter))
	}

	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", promhttp.Handler())

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/files/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Get("/files/*", fs.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Get("/me", app.Me)

		r.Route("/prompts", func(r chi.Router) {
			r.Post("/", app.CreatePrompt)
			r.Get("/", app.ListPrompts)
			r.Get("/{id}", app.GetPrompt)
			r.Put("/{id}", app.UpdatePrompt)
			r.Delete("/{id}", app.DeletePrompt)
			r.Post("/{id}/clone", app.ClonePrompt)
			r.Post("/{id}/execute", app.ExecutePrompt)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", app.ListExecutions)
			r.Get("/{id}", app.GetExecution)
			r.Post("/{id}/cancel", app.CancelExecution)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Post("/upload", app.UploadAsset)
			r.Get("/", app.ListAssets)
			r.Get("/{id}", app.GetAsset)
			r.Get("/{id}/download", app.DownloadAsset)
			r.Delete("/{id}", app.DeleteAsset)
		})
	})

	return r
}
