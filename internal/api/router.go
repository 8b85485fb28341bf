package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter constructs the HTTP route tree with middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware, outermost first.
	r.Use(s.recoveryMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated endpoints.
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleIssueToken)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket upgrade authenticates via single-use ticket in the
		// query string because browsers cannot set headers on upgrade.
		r.Get("/ws", s.handleWebSocket)

		// Everything else requires a Bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)
				r.Get("/stats", s.handleDeviceStats)
				r.Route("/{deviceID}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Put("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Get("/state", s.handleGetDeviceState)
					r.Put("/state", s.handleSetDeviceState)
					r.Get("/history", s.handleDeviceHistory)
				})
			})

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.handleListNodes)
				r.Get("/stats", s.handleNodeStats)
				r.Route("/{nodeID}", func(r chi.Router) {
					r.Get("/", s.handleGetNode)
					r.Post("/ping", s.handlePingNode)
					r.Post("/refresh", s.handleRefreshNode)
				})
			})

			r.Get("/network", s.handleNetworkStatus)

			r.Post("/system/factory-reset", s.handleFactoryReset)
		})
	})

	return r
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
