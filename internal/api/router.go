package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter assembles the daemon's HTTP surface: the same middleware
// chain shape the teacher uses (request ID, logging, recovery, CORS,
// body-size limit, security headers) minus the auth/RBAC layer, since
// this surface has no user/session model.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	r.Use(s.securityHeadersMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/events", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices/discovered", s.handleListDiscovered)
		r.Get("/hub/status", s.handleHubStatus)
		r.Get("/entities", s.handleListEntities)
		r.Post("/commands", s.handleSubmitCommand)
	})

	return r
}
