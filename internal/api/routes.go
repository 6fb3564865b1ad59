package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Public routes
	r.Get("/health", h.Health)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/refresh", h.Refresh)
	r.Post("/auth/logout", h.Logout)

	// Protected routes (access token required)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.issuer))
		r.Post("/sync/push", h.SyncPush)
		r.Get("/sync/pull", h.SyncPull)
		r.Get("/changes", h.ListChanges)
		r.Post("/changes/{id}/apply", h.ApplyChange)
		r.Post("/changes/{id}/reject", h.RejectChange)
	})

	return r
}
