// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the scheduling and resource core configuration.
// All values can be overridden via QF_* environment variables; a .env file in
// the working directory is loaded first when present.
type Config struct {
	LogLevel string
	Port     int
	DevMode  bool

	Pool  PoolConfig
	Cache CacheConfig

	// Concurrency bounds how many tasks the executor dispatches at once.
	Concurrency int
}

// PoolConfig holds ResourcePool configuration.
type PoolConfig struct {
	MaxConnections    int           // Idle connections kept per host
	ConnectionTimeout time.Duration // Dial timeout
	RequestTimeout    time.Duration // Per-request deadline
	RetryCount        int           // Transport fault retries before giving up
	RetryDelay        time.Duration // Base backoff delay between retries
	RateLimitWindow   time.Duration // Sliding window for per-API rate limits
	MaxRequestRate    float64       // Global outbound requests/second (0 = unlimited)
}

// CacheConfig holds CacheManager configuration.
type CacheConfig struct {
	MemoryMaxSize        int           // Max entries in the memory tier
	DiskMaxSize          int           // Max entries in the persistent tier
	DefaultTTL           time.Duration // TTL applied when a caller passes none
	DiskCacheEnabled     bool
	DiskCacheDir         string
	InvalidationStrategy string // "lru" (default) or "fifo"
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	// Best-effort .env load; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:    getEnv("QF_LOG_LEVEL", "info"),
		Port:        getEnvInt("QF_PORT", 8090),
		DevMode:     getEnvBool("QF_DEV_MODE", false),
		Concurrency: getEnvInt("QF_CONCURRENCY", 8),
		Pool: PoolConfig{
			MaxConnections:    getEnvInt("QF_MAX_CONNECTIONS", 10),
			ConnectionTimeout: getEnvDuration("QF_CONNECTION_TIMEOUT", 10*time.Second),
			RequestTimeout:    getEnvDuration("QF_REQUEST_TIMEOUT", 30*time.Second),
			RetryCount:        getEnvInt("QF_HTTP_RETRY_COUNT", 3),
			RetryDelay:        getEnvDuration("QF_HTTP_RETRY_DELAY", 500*time.Millisecond),
			RateLimitWindow:   getEnvDuration("QF_RATE_LIMIT_WINDOW", 1*time.Second),
			MaxRequestRate:    getEnvFloat("QF_MAX_REQUEST_RATE", 0),
		},
		Cache: CacheConfig{
			MemoryMaxSize:        getEnvInt("QF_MEMORY_MAX_SIZE", 1000),
			DiskMaxSize:          getEnvInt("QF_DISK_MAX_SIZE", 10000),
			DefaultTTL:           getEnvDuration("QF_DEFAULT_TTL", 5*time.Minute),
			DiskCacheEnabled:     getEnvBool("QF_DISK_CACHE_ENABLED", true),
			DiskCacheDir:         getEnv("QF_DISK_CACHE_DIR", defaultCacheDir()),
			InvalidationStrategy: getEnv("QF_INVALIDATION_STRATEGY", "lru"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.Pool.MaxConnections)
	}
	if c.Cache.MemoryMaxSize < 1 {
		return fmt.Errorf("memory_max_size must be at least 1, got %d", c.Cache.MemoryMaxSize)
	}
	return nil
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data/cache"
	}
	return filepath.Join(home, ".quantfleet", "cache")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration parses either a Go duration string ("30s", "1m") or a bare
// number of seconds, matching how the deployed configs express timeouts.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
