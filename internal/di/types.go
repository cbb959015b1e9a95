// Package di provides dependency injection type definitions.
package di

import (
	"github.com/rs/zerolog"

	"github.com/quantfleet/quantfleet/internal/adaptive"
	"github.com/quantfleet/quantfleet/internal/cache"
	"github.com/quantfleet/quantfleet/internal/executor"
	"github.com/quantfleet/quantfleet/internal/preload"
	"github.com/quantfleet/quantfleet/internal/respool"
)

// Container holds all long-lived components for the application.
//
// It is the single source of truth for component instances: created once by
// Wire() and passed to the server and the entry point. Components receive
// their collaborators through constructors; nothing reaches for a global.
type Container struct {
	// Controller owns per-(agent, task-type) metrics and derives intervals.
	Controller *adaptive.Controller

	// LoadCollector samples host gauges and feeds the controller.
	LoadCollector *adaptive.LoadCollector

	// Pool is the shared outbound HTTP surface with rate limiting and retries.
	Pool *respool.Pool

	// Cache is the two-tier (memory + SQLite) cache.
	Cache *cache.Manager

	// Preloader refreshes configured cache entries in the background.
	Preloader *preload.Preloader

	// Executor dispatches agent cycles and ad-hoc tasks.
	Executor *executor.Executor

	log zerolog.Logger
}
