package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all HTTP routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Provider callbacks and public link endpoints (no auth)
	r.Post("/webhooks/email", h.HandleWebhook)
	r.Get("/unsubscribe", h.HandleUnsubscribe)

	r.Route("/api", func(r chi.Router) {
		r.Post("/resubscribe", h.HandleResubscribe)
		r.Post("/campaigns/{id}/send", h.HandleSend)
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", h.HandleListDomains)
			r.Post("/", h.HandleRegisterDomain)
			r.Post("/{name}/verify", h.HandleVerifyDomain)
		})
	})

	return r
}
