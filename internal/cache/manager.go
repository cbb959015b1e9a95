// Package cache provides the tiered key/value cache shared by agent tasks:
// a fast in-process tier plus an optional persistent SQLite tier, with TTLs,
// tags, pattern invalidation, and proactive preloading support.
package cache

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfleet/quantfleet/internal/config"
	"github.com/quantfleet/quantfleet/internal/database"
)

// Tier selects a cache storage level.
type Tier string

const (
	// TierAuto lets reads check memory first and fall back to disk,
	// promoting disk hits into memory.
	TierAuto Tier = ""
	// TierMemory is the fast in-process tier.
	TierMemory Tier = "memory"
	// TierDisk is the persistent SQLite tier.
	TierDisk Tier = "disk"
)

// SetOptions control placement and lifetime of a cache entry.
type SetOptions struct {
	TTL  time.Duration // 0 uses the configured default TTL
	Tier Tier          // TierAuto stores in memory
	Tags []string
}

// TierStats reports hit/miss counters for one tier.
type TierStats struct {
	Entries  int     `json:"entries"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// Stats reports per-tier cache statistics.
type Stats struct {
	Memory  TierStats  `json:"memory"`
	Disk    *TierStats `json:"disk,omitempty"`
	IOFault int64      `json:"io_faults"`
}

// Manager is the tiered cache. A single mutex serializes every operation so
// concurrent tasks never observe a partially-updated tier.
type Manager struct {
	mu         sync.Mutex
	memory     *memoryTier
	disk       *diskTier // nil when the persistent tier is disabled
	db         *database.DB
	defaultTTL time.Duration
	ioFaults   int64
	log        zerolog.Logger
}

// NewManager creates the cache manager. When the persistent tier is enabled,
// its SQLite database lives under cfg.DiskCacheDir.
func NewManager(cfg config.CacheConfig, log zerolog.Logger) (*Manager, error) {
	lru := !strings.EqualFold(cfg.InvalidationStrategy, "fifo")
	componentLog := log.With().Str("component", "cache_manager").Logger()
	if lru && cfg.InvalidationStrategy != "" && !strings.EqualFold(cfg.InvalidationStrategy, "lru") {
		componentLog.Warn().
			Str("strategy", cfg.InvalidationStrategy).
			Msg("Unknown invalidation strategy, falling back to LRU")
	}

	m := &Manager{
		memory:     newMemoryTier(cfg.MemoryMaxSize, lru),
		defaultTTL: cfg.DefaultTTL,
		log:        componentLog,
	}

	if cfg.DiskCacheEnabled {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DiskCacheDir, "cache.db"),
			Profile: database.ProfileCache,
			Name:    "cache",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
		disk, err := newDiskTier(db.Conn(), cfg.DiskMaxSize, lru)
		if err != nil {
			db.Close()
			return nil, err
		}
		m.db = db
		m.disk = disk
	}

	return m, nil
}

// newManagerWithDB wires an externally opened database, used by tests.
func newManagerWithDB(cfg config.CacheConfig, db *database.DB, log zerolog.Logger) (*Manager, error) {
	lru := !strings.EqualFold(cfg.InvalidationStrategy, "fifo")
	m := &Manager{
		memory:     newMemoryTier(cfg.MemoryMaxSize, lru),
		defaultTTL: cfg.DefaultTTL,
		log:        log.With().Str("component", "cache_manager").Logger(),
	}
	if db != nil {
		disk, err := newDiskTier(db.Conn(), cfg.DiskMaxSize, lru)
		if err != nil {
			return nil, err
		}
		m.db = db
		m.disk = disk
	}
	return m, nil
}

// Set stores a value in the selected tier (memory when unspecified).
func (m *Manager) Set(key string, value interface{}, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch opts.Tier {
	case TierDisk:
		if m.disk == nil {
			return fmt.Errorf("persistent cache tier is disabled")
		}
		// I/O faults are logged and absorbed; readers see a miss.
		if err := m.disk.set(key, value, ttl, opts.Tags); err != nil {
			m.ioFault(err, key)
		}
	default:
		m.memory.set(key, value, ttl, opts.Tags)
	}
	return nil
}

// Get returns the value for an unexpired key. With TierAuto it checks memory
// first, falls back to disk, and promotes a disk hit into memory. Expired
// entries are treated as absent and lazily deleted.
func (m *Manager) Get(key string, tier Tier) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch tier {
	case TierMemory:
		return m.memory.get(key)
	case TierDisk:
		return m.diskGet(key)
	default:
		if v, ok := m.memory.get(key); ok {
			return v, true
		}
		v, ok := m.diskGet(key)
		if !ok {
			return nil, false
		}
		// Promote the disk hit with its remaining lifetime.
		if ttl, tags, err := m.disk.remainingTTL(key); err == nil && ttl > 0 {
			m.memory.set(key, v, ttl, tags)
		}
		return v, true
	}
}

// diskGet reads the persistent tier, downgrading I/O faults to misses.
// Caller must hold m.mu.
func (m *Manager) diskGet(key string) (interface{}, bool) {
	if m.disk == nil {
		return nil, false
	}
	v, ok, err := m.disk.get(key)
	if err != nil {
		m.ioFault(err, key)
		return nil, false
	}
	return v, ok
}

// Delete removes a key from the selected tier(s), reporting whether any
// entry existed.
func (m *Manager) Delete(key string, tier Tier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	if tier == TierMemory || tier == TierAuto {
		removed = m.memory.delete(key) || removed
	}
	if (tier == TierDisk || tier == TierAuto) && m.disk != nil {
		ok, err := m.disk.delete(key)
		if err != nil {
			m.ioFault(err, key)
		}
		removed = ok || removed
	}
	return removed
}

// InvalidateByPattern removes all keys matching the regex across tiers,
// returning the removed count.
func (m *Manager) InvalidateByPattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid invalidation pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.memory.invalidatePattern(re)
	if m.disk != nil {
		n, err := m.disk.invalidatePattern(re)
		removed += n
		if err != nil {
			m.ioFault(err, pattern)
		}
	}
	m.log.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Invalidated by pattern")
	return removed, nil
}

// InvalidateByTag removes all entries carrying the tag across tiers,
// returning the removed count.
func (m *Manager) InvalidateByTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.memory.invalidateTag(tag)
	if m.disk != nil {
		n, err := m.disk.invalidateTag(tag)
		removed += n
		if err != nil {
			m.ioFault(err, tag)
		}
	}
	m.log.Debug().Str("tag", tag).Int("removed", removed).Msg("Invalidated by tag")
	return removed
}

// Clear empties all tiers.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memory.clear()
	if m.disk != nil {
		if err := m.disk.clear(); err != nil {
			m.ioFault(err, "*")
		}
	}
}

// Stats reports per-tier hit/miss counts and hit ratios.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Memory: TierStats{
			Entries:  m.memory.size(),
			Hits:     m.memory.hits,
			Misses:   m.memory.misses,
			HitRatio: hitRatio(m.memory.hits, m.memory.misses),
		},
		IOFault: m.ioFaults,
	}
	if m.disk != nil {
		entries, err := m.disk.size()
		if err != nil {
			m.ioFault(err, "*")
		}
		stats.Disk = &TierStats{
			Entries:  entries,
			Hits:     m.disk.hits,
			Misses:   m.disk.misses,
			HitRatio: hitRatio(m.disk.hits, m.disk.misses),
		}
	}
	return stats
}

// Close releases the persistent tier's database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// ioFault records a persistent-tier failure. Faults are logged and treated
// as misses; they never propagate to callers of the read path.
func (m *Manager) ioFault(err error, key string) {
	m.ioFaults++
	m.log.Error().Err(err).Str("key", key).Msg("Persistent cache tier I/O fault")
}

func hitRatio(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
