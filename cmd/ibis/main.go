package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/mstcl/ibis/internal/app"
	"github.com/mstcl/ibis/internal/auth"
	"github.com/mstcl/ibis/internal/config"
	"github.com/mstcl/ibis/internal/federation"
	"github.com/mstcl/ibis/internal/registry"
	"github.com/mstcl/ibis/internal/resolver"
	"github.com/mstcl/ibis/internal/search"
	"github.com/mstcl/ibis/internal/store"
	"github.com/mstcl/ibis/internal/version"
)

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", "ibis").Logger()
	zlog.Logger = logger
	return logger
}

func main() {
	logger := initLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration failed")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	signer := federation.NewHMACSigner(cfg.FederationSecret)
	chain := version.NewChain()

	var cache *resolver.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = resolver.NewCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, object cache disabled")
		} else {
			defer cache.Close()
		}
	}
	objects := resolver.New(dataStore, cache, chain, signer, cfg.Domain, cfg.FetchTimeout, logger)

	followRegistry := registry.New(dataStore, logger)
	dispatcher := federation.NewDispatcher(federation.DispatcherConfig{
		Actor:           cfg.APID(),
		MaxAttempts:     cfg.DeliveryAttempts,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Backoff:         federation.DefaultBackoff(),
	}, signer, followRegistry, logger)
	receiver := federation.NewReceiver(dataStore, objects, chain, followRegistry, dispatcher, signer, logger)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	authService := auth.NewService(dataStore)

	service := app.NewService(cfg, dataStore, chain, objects, followRegistry,
		dispatcher, receiver, searchService, authService, signer, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap error, will retry on next restart")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("domain", cfg.Domain).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
