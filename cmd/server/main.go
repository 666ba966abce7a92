package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/api"
	"github.com/jpmcglone/menofhunger-realtime/internal/auth"
	"github.com/jpmcglone/menofhunger-realtime/internal/chat"
	"github.com/jpmcglone/menofhunger-realtime/internal/config"
	"github.com/jpmcglone/menofhunger-realtime/internal/gateway"
	"github.com/jpmcglone/menofhunger-realtime/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("instance", cfg.InstanceID).Logger()

	ctx := context.Background()

	// Initialize Redis store
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL, store.PresenceOptions{
		HeartbeatTTL: cfg.HeartbeatTTL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Dur("heartbeat_ttl", redisStore.HeartbeatTTL()).Msg("connected to Redis")

	// Initialize directory database
	data := openDataStore(ctx, cfg, logger)
	defer data.Close()

	gw := gateway.New(gateway.Options{
		Presence: redisStore,
		Rooms:    redisStore,
		Bus:      store.NewBus(redisStore.Client(), "", cfg.InstanceID, logger),
		Data:     data,
		Stations: cfg.Stations,
		Chat:     chat.NewBuffer(cfg.ChatBufferCap, cfg.ChatIdleStateTTL),
		Limiter: chat.NewLimiter(chat.LimiterConfig{
			BucketSize:  cfg.ChatBucketSize,
			RefillEvery: cfg.ChatRefillEvery,
			MinGap:      cfg.ChatMinGap,
			StateTTL:    cfg.ChatIdleStateTTL,
		}),
		IdleAfter:              cfg.IdleAfter,
		IdleDisconnectAfter:    cfg.IdleDisconnectAfter,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		SubscriptionCap:        cfg.SubscriptionCap,
		ContentSubscriptionCap: cfg.ContentSubscriptionCap,
		OnlineFeedLimit:        cfg.OnlineFeedSnapshotLimit,
		ChatMaxBody:            cfg.ChatMaxBody,
		Logger:                 logger,
	})
	if err := gw.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("gateway failed to start")
	}

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, "")

	// Create router
	router := api.NewRouter(logger, cfg, redisStore, data, gw, authenticator)

	// Create server. Websocket pumps manage their own deadlines after the
	// upgrade, so only the header read is bounded here.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Strs("stations", cfg.Stations).
			Msg("starting realtime server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Hijacked websockets are not tracked by the server; release them here
	gw.Shutdown(shutdownCtx)

	logger.Info().Msg("server stopped")
}

// openDataStore picks Postgres, then SQLite, then no database.
func openDataStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) store.DataStore {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg
	case cfg.SQLitePath != "":
		db, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
		return db
	default:
		logger.Warn().Msg("no database configured; enrichment and content rooms disabled")
		return store.NopStore{}
	}
}
