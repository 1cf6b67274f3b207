// Package app wires the HTTP surface together: router construction,
// readiness checks, and the metrics sidecar that worker binaries expose.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the API process handler with all middleware,
// the public submission routes, and the operational endpoints.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *ReadinessChecks) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// rate limit mutating routes only; polls stay cheap and unthrottled
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/v1/evaluations", srv.CreateEvaluation)
		wr.Post("/v1/evaluations:bulk", srv.BulkCreate)
		wr.Put("/v1/evaluations/{id}", srv.PatchEvaluation)
		wr.Delete("/v1/evaluations/{id}", srv.CancelEvaluation)
		wr.Post("/v1/events", srv.AppendEvent)
	})

	r.Get("/v1/evaluations", srv.ListEvaluations)
	r.Get("/v1/evaluations/running", srv.RunningEvaluations)
	r.Get("/v1/evaluations/{id}", srv.GetEvaluation)
	r.Get("/v1/evaluations/{id}/events", srv.EvaluationEvents)
	r.Get("/v1/evaluations/{id}/output", srv.EvaluationOutput)
	r.Get("/v1/statistics", srv.Statistics)
	r.Get("/v1/events", srv.ListEvents)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())

	return httpserver.SecurityHeaders(r)
}

// BuildSidecar is the minimal handler worker binaries expose on the metrics
// port: liveness, readiness, and Prometheus metrics.
func BuildSidecar(ready *ReadinessChecks) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())
	return r
}
