// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/repowatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/repowatch/internal/adapter/observability"
	"github.com/fairyhunter13/repowatch/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Trigger endpoints mutate pipeline state; rate limit per source IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/trigger/discovery", srv.TriggerDiscoveryHandler())
		wr.Post("/v1/trigger/queue-refresh", srv.TriggerQueueRefreshHandler())
		wr.Post("/v1/trigger/deep-analysis", srv.TriggerDeepAnalysisHandler())
		wr.Post("/v1/trigger/watchlist", srv.TriggerWatchlistHandler())
	})

	// Read-only endpoints
	r.Get("/v1/jobs/{id}", srv.JobHandler())
	r.Get("/v1/queue", srv.QueueHandler())
	r.Get("/v1/status", srv.StatusHandler())
	r.Get("/v1/repos", srv.ReposHandler())
	r.Get("/v1/repos/{id}", srv.RepoDetailHandler())
	r.Get("/v1/repos/{id}/history", srv.RepoHistoryHandler())
	r.Get("/v1/watchlist", srv.WatchlistHandler())
	r.Get("/v1/watchlist/export", srv.WatchlistExportHandler())
	r.Get("/v1/watchlist/dates", srv.WatchlistDatesHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return httpserver.SecurityHeaders(r)
}
