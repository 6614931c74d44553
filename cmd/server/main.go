package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/tradechat/internal/api"
	"github.com/eldtechnologies/tradechat/internal/config"
	"github.com/eldtechnologies/tradechat/internal/fanout"
	"github.com/eldtechnologies/tradechat/internal/handlers"
	"github.com/eldtechnologies/tradechat/internal/membership"
	"github.com/eldtechnologies/tradechat/internal/messages"
	"github.com/eldtechnologies/tradechat/internal/presence"
	"github.com/eldtechnologies/tradechat/internal/store"
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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Membership store: PostgreSQL when configured, SQLite otherwise
	var db store.DataStore
	if cfg.UsesPostgres() {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		db = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		db = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer db.Close()

	// Redis holds the message log, pub/sub, presence and rate limits
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Msg("connected to Redis")

	broker := fanout.NewRedisBroker(redisStore.Client(), fanout.DefaultBuffer, logger)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if err := broker.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("event relay stopped")
		}
	}()

	rooms := membership.NewAuthority(db, logger)
	h := handlers.NewHandler(handlers.Deps{
		Rooms:             rooms,
		Messages:          messages.NewService(redisStore, rooms, broker, logger),
		Broker:            broker,
		Tracker:           presence.NewTracker(redisStore.Client(), cfg.PresenceTTL),
		DB:                db,
		Redis:             redisStore,
		OriginPatterns:    cfg.AllowedOrigins,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	// Create router
	router := api.NewRouter(logger, cfg, h, redisStore.Client())

	// Create server. Streams stay open, so there is no server-wide write
	// timeout; the stream handler bounds each write itself.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting tradechat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Cancelling the base context ends open streams and the event relay.
	stop()
	<-brokerDone

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
