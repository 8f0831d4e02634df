package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"carechat/internal/api"
	"carechat/internal/auth"
	"carechat/internal/chat"
	"carechat/internal/config"
	"carechat/internal/db"
	"carechat/internal/directory"
	"carechat/internal/gateway"
	"carechat/internal/websocket"
)

func setupLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := setupLogger(cfg)

	// Load tests get their own database next to the working directory
	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to resolve working directory")
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create loadtest directory")
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info().Str("path", loadTestPath).Msg("using load testing database")
	}

	dbPath := cfg.CleanDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}
	database, err := db.NewDB(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	logger.Info().Str("path", dbPath).Msg("database connection established")

	ctx := context.Background()

	// Profiles are cached in Redis when configured, in memory otherwise
	var (
		cache      directory.Cache = directory.NewMemoryCache()
		redisCache *directory.RedisCache
	)
	if cfg.RedisURL != "" {
		redisCache, err = directory.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisCache.Close()
		cache = redisCache
		logger.Info().Msg("connected to Redis")
	}
	dir := directory.NewCached(directory.NewStore(database), cache, cfg.ProfileCacheTTL, logger)

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	hub := websocket.NewHub(logger, websocket.Options{
		SendBuffer:   cfg.SendBuffer,
		InboundRate:  rate.Limit(cfg.InboundRate),
		InboundBurst: cfg.InboundBurst,
	})
	svc := chat.NewService(database, dir, hub, logger)
	members := gateway.NewMembership(dir, hub, logger)
	hub.SetDispatcher(gateway.NewDispatcher(svc, members, logger))

	gw := gateway.New(tokens, dir, hub, members, gateway.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		OriginAllowed:    cfg.OriginAllowed,
	}, logger)

	handlers := api.NewHandlers(database, svc, hub, tokens, logger)
	handlers.SetSecureCookies(!cfg.IsDevelopment())
	if redisCache != nil {
		handlers.AddHealthCheck("redis", redisCache.Ping)
	}

	router := api.NewRouter(handlers, http.HandlerFunc(gw.ServeWS), cfg.AllowedOrigins)

	server := &http.Server{
		Addr:        cfg.ServerAddress,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddress).
			Str("env", cfg.Env).
			Msg("starting carechat server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown
	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
