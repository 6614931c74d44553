package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/api/middleware"
	"github.com/eldtechnologies/tradechat/internal/config"
	"github.com/eldtechnologies/tradechat/internal/handlers"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg *config.Config, h *handlers.Handler, redisClient *redis.Client) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024)) // 16KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		if redisClient != nil {
			limiter := middleware.NewRateLimiter(redisClient, logger, middleware.RateLimiterConfig{
				Whitelist:        cfg.RateLimitWhitelist,
				AutoBlockEnabled: cfg.AutoBlockEnabled,
			})
			r.Use(limiter.Middleware)
		}

		r.Get("/rooms", h.ListRooms)
		r.Post("/rooms", h.CreateRoom)
		r.Post("/rooms/direct", h.DirectRoom)
		r.Post("/rooms/market", h.MarketRoom)

		r.Get("/rooms/{id}", h.GetRoom)
		r.Patch("/rooms/{id}", h.RenameRoom)
		r.Post("/rooms/{id}/members", h.AddMember)
		r.Delete("/rooms/{id}/members/me", h.LeaveRoom)

		r.Get("/rooms/{id}/messages", h.ListMessages)
		r.Post("/rooms/{id}/messages", h.PostMessage)
		r.Delete("/rooms/{id}/messages/{messageID}", h.DeleteMessage)
		r.Get("/rooms/{id}/search", h.SearchMessages)

		r.Get("/rooms/{id}/presence", h.Presence)
		r.Get("/rooms/{id}/stream", h.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}
