// Package main is the entry point for the QuantFleet agent scheduling core.
// It hosts the adaptive task executor, the shared resource pool, and the
// tiered cache that trading agents schedule their work through.
//
// Startup sequence:
// 1. Load configuration from environment variables (.env file)
// 2. Initialize logging
// 3. Wire all components via the DI container
// 4. Start background components (load collector, preloader, executor)
// 5. Start the operational HTTP server
// 6. Wait for shutdown signal and stop everything gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfleet/quantfleet/internal/config"
	"github.com/quantfleet/quantfleet/internal/di"
	"github.com/quantfleet/quantfleet/internal/server"
	"github.com/quantfleet/quantfleet/pkg/logger"
)

func main() {
	// Load configuration first to get the log level.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting QuantFleet")

	// Wire all components using the DI container. Everything downstream
	// (server, agents) receives its dependencies from here.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Background components: load collector, preloader, executor.
	container.Start()
	log.Info().Int("concurrency", cfg.Concurrency).Msg("Background components started")

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Config:    cfg,
		DevMode:   cfg.DevMode,
		Container: container,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Give the HTTP server up to 10 seconds to finish in-flight requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background components and release the pool and cache.
	container.Stop()

	log.Info().Msg("QuantFleet stopped")
}
