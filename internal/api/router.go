package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check in GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.scrape != nil {
			r.Method(http.MethodGet, "/metrics", s.scrape)
		}

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/revoke", s.handleRevoke)
			r.Get("/auth/sessions", s.handleSessions)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Get("/sensor-data/latest", s.handleLatestReadings)
			r.Get("/sensor-data/history", s.handleReadingHistory)
			r.Get("/mqtt/broker-status", s.handleBrokerStatus)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)

				r.Route("/users", func(r chi.Router) {
					r.Get("/", s.handleListUsers)
					r.Post("/", s.handleCreateUser)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.handleGetUser)
						r.Delete("/", s.handleDeleteUser)
						r.Patch("/status", s.handleSetUserStatus)
						r.Post("/revoke-sessions", s.handleRevokeUserSessions)
					})
				})

				r.Get("/tokens", s.handleListTokens)
				r.Post("/tokens/revoke", s.handleAdminRevokeToken)
				r.Post("/tokens/purge", s.handlePurgeTokens)
				r.Get("/audit-logs", s.handleListAuditLogs)
				r.Post("/mqtt/publish", s.handlePublish)
			})
		})
	})

	return r
}

// handleHealth reports the server version and the state of each component.
// Any failing component turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	components := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "component", name, "error", err)
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
		"websocket":  map[string]int{"clients": s.hub.ClientCount()},
	})
}
