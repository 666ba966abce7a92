package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/api/middleware"
	"github.com/jpmcglone/menofhunger-realtime/internal/auth"
	"github.com/jpmcglone/menofhunger-realtime/internal/config"
	"github.com/jpmcglone/menofhunger-realtime/internal/gateway"
	"github.com/jpmcglone/menofhunger-realtime/internal/handlers"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(
	logger zerolog.Logger,
	cfg *config.Config,
	redisStore *store.RedisStore,
	data store.DataStore,
	gw *gateway.Gateway,
	authenticator *auth.Authenticator,
) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
		Viewer: func(r *http.Request) (string, bool) {
			viewer, err := authenticator.Authenticate(r)
			return viewer.UserID, err == nil
		},
	})
	r.Use(limiter.Middleware)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: len(cfg.AllowedOrigins) > 0,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(data, redisStore, gw, cfg.InstanceID)
	ws := gateway.NewWSHandler(gw, authenticator, cfg.AllowedOrigins, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/health", h.Health)
	r.Get("/radio/lobby", h.Lobby)
	r.Get("/presence/online", h.Online)
	r.Get("/presence/users/{id}", h.UserPresence)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authenticator.RequireViewer)

		r.Get("/ws", ws.ServeHTTP)
	})

	return r
}
