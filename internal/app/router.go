// Package app wires configuration, adapters, and background loops into a
// runnable orchestrator.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/botfleet/orchestrator/internal/adapter/httpserver"
	"github.com/botfleet/orchestrator/internal/adapter/observability"
	"github.com/botfleet/orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
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

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		wr.Post("/v1/jobs", srv.SubmitJobHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		wr.Post("/v1/workflows", srv.SaveWorkflowHandler())
		wr.Delete("/v1/workflows/{id}", srv.DeleteWorkflowHandler())
		wr.Post("/v1/schedules", srv.CreateScheduleHandler())
		wr.Put("/v1/schedules/{id}", srv.UpdateScheduleHandler())
		wr.Delete("/v1/schedules/{id}", srv.DeleteScheduleHandler())
		wr.Post("/v1/events", srv.TriggerEventHandler())
	})

	// Read-only endpoints.
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Get("/v1/queue/stats", srv.QueueStatsHandler())
	r.Get("/v1/workflows", srv.ListWorkflowsHandler())
	r.Get("/v1/workflows/{id}", srv.GetWorkflowHandler())
	r.Get("/v1/schedules", srv.ListSchedulesHandler())
	r.Get("/v1/schedules/{id}", srv.GetScheduleHandler())
	r.Get("/v1/schedules/{id}/sla", srv.ScheduleSLAHandler())
	r.Get("/v1/robots", srv.ListRobotsHandler())
	r.Get("/v1/robots/{id}/status", srv.RobotStatusHandler())

	// Operator endpoints, guarded by Basic Auth when credentials are configured.
	r.Group(func(ar chi.Router) {
		if cfg.AdminEnabled() {
			ar.Use(httpserver.AdminGuard(cfg.AdminUsername, cfg.AdminPassword))
		}
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		ar.Get("/v1/dlq", srv.ListDLQHandler())
		ar.Get("/v1/dlq/{id}", srv.GetDLQHandler())
		ar.Post("/v1/dlq/{id}/reprocess", srv.ReprocessDLQHandler())
		ar.Post("/v1/robots/{id}/pause", srv.RobotSignalHandler("pause"))
		ar.Post("/v1/robots/{id}/resume", srv.RobotSignalHandler("resume"))
		ar.Post("/v1/robots/{id}/shutdown", srv.RobotSignalHandler("shutdown"))
		ar.Post("/v1/robots/{id}/recover", srv.RecoverRobotHandler())
		ar.Post("/v1/robots/{id}/keys", srv.IssueKeyHandler())
		ar.Delete("/v1/robots/{id}/keys", srv.RevokeKeyHandler())
		ar.Get("/v1/audit", srv.ListAuditHandler())
		ar.Get("/v1/audit/root", srv.AuditRootHandler())
	})

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
