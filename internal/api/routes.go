package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			// An empty API key leaves the intake open; the push
			// subscription is then expected to be protected at the
			// network layer.
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}
			r.Post("/notifications", h.Notify)
		})
	})

	return r
}
