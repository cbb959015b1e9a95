// Package di provides dependency injection wiring and initialization.
package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfleet/quantfleet/internal/adaptive"
	"github.com/quantfleet/quantfleet/internal/cache"
	"github.com/quantfleet/quantfleet/internal/config"
	"github.com/quantfleet/quantfleet/internal/executor"
	"github.com/quantfleet/quantfleet/internal/preload"
	"github.com/quantfleet/quantfleet/internal/respool"
)

// loadSampleInterval paces the host gauge collector.
const loadSampleInterval = 15 * time.Second

// Wire initializes all components and returns a fully configured container.
// Order of operations:
// 1. Adaptive controller and load collector
// 2. Resource pool
// 3. Cache manager (owns the SQLite disk tier)
// 4. Preloader and executor on top of those
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	controller := adaptive.NewController(log)
	collector := adaptive.NewLoadCollector(controller, loadSampleInterval, log)

	pool := respool.New(cfg.Pool, log)

	cacheManager, err := cache.NewManager(cfg.Cache, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize cache manager: %w", err)
	}

	preloader := preload.New(cacheManager, log)
	exec := executor.New(pool, controller, cfg.Concurrency, log,
		executor.WithCacheManager(cacheManager))

	log.Info().Msg("Dependency injection wiring completed successfully")

	return &Container{
		Controller:    controller,
		LoadCollector: collector,
		Pool:          pool,
		Cache:         cacheManager,
		Preloader:     preloader,
		Executor:      exec,
		log:           log,
	}, nil
}

// Start launches every background component in dependency order.
func (c *Container) Start() {
	c.LoadCollector.Start()
	c.Preloader.Start()
	c.Executor.Start()
}

// Stop halts background components in reverse order and releases resources.
// Safe to call once after Start; no goroutines survive it.
func (c *Container) Stop() {
	c.Executor.Stop()
	c.Preloader.Stop()
	c.LoadCollector.Stop()
	c.Pool.Close()
	if err := c.Cache.Close(); err != nil {
		c.log.Error().Err(err).Msg("Failed to close cache manager")
	}
}
