package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfleet/quantfleet/internal/config"
	"github.com/quantfleet/quantfleet/internal/database"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MemoryMaxSize:        100,
		DiskMaxSize:          100,
		DefaultTTL:           time.Minute,
		InvalidationStrategy: "lru",
	}
}

// newMemoryOnlyManager builds a manager without a persistent tier.
func newMemoryOnlyManager(t *testing.T, cfg config.CacheConfig) *Manager {
	t.Helper()
	m, err := newManagerWithDB(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	return m
}

// newTieredManager builds a manager with an in-memory SQLite persistent tier.
func newTieredManager(t *testing.T, cfg config.CacheConfig) *Manager {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileCache,
		Name:    "cache-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := newManagerWithDB(cfg, db, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestManager_RoundTripAndTTLExpiry(t *testing.T) {
	m := newMemoryOnlyManager(t, testCacheConfig())

	require.NoError(t, m.Set("price:BTCUSDT", "42000.00", SetOptions{TTL: 50 * time.Millisecond}))

	v, ok := m.Get("price:BTCUSDT", TierAuto)
	require.True(t, ok)
	assert.Equal(t, "42000.00", v)

	time.Sleep(60 * time.Millisecond)
	_, ok = m.Get("price:BTCUSDT", TierAuto)
	assert.False(t, ok, "expired entries are treated as absent")
}

func TestManager_LRUCapacityEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MemoryMaxSize = 2
	m := newMemoryOnlyManager(t, cfg)

	require.NoError(t, m.Set("a", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("b", 2, SetOptions{TTL: time.Minute}))

	// Touch "a" so "b" becomes least recently used.
	_, ok := m.Get("a", TierMemory)
	require.True(t, ok)

	require.NoError(t, m.Set("c", 3, SetOptions{TTL: time.Minute}))

	_, ok = m.Get("b", TierMemory)
	assert.False(t, ok, "least-recently-used entry must be evicted")
	_, ok = m.Get("a", TierMemory)
	assert.True(t, ok)
	_, ok = m.Get("c", TierMemory)
	assert.True(t, ok)
}

func TestManager_FIFOStrategyIgnoresRecency(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MemoryMaxSize = 2
	cfg.InvalidationStrategy = "fifo"
	m := newMemoryOnlyManager(t, cfg)

	require.NoError(t, m.Set("a", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("b", 2, SetOptions{TTL: time.Minute}))
	_, _ = m.Get("a", TierMemory) // must not refresh recency under FIFO
	require.NoError(t, m.Set("c", 3, SetOptions{TTL: time.Minute}))

	_, ok := m.Get("a", TierMemory)
	assert.False(t, ok, "oldest inserted entry leaves first under FIFO")
	_, ok = m.Get("b", TierMemory)
	assert.True(t, ok)
}

func TestManager_InvalidateByTag(t *testing.T) {
	m := newMemoryOnlyManager(t, testCacheConfig())

	require.NoError(t, m.Set("ticker:BTC", 1, SetOptions{TTL: time.Minute, Tags: []string{"binance", "spot"}}))
	require.NoError(t, m.Set("ticker:ETH", 2, SetOptions{TTL: time.Minute, Tags: []string{"binance"}}))
	require.NoError(t, m.Set("ticker:SOL", 3, SetOptions{TTL: time.Minute, Tags: []string{"kraken"}}))

	removed := m.InvalidateByTag("binance")
	assert.Equal(t, 2, removed)

	_, ok := m.Get("ticker:BTC", TierMemory)
	assert.False(t, ok)
	_, ok = m.Get("ticker:SOL", TierMemory)
	assert.True(t, ok, "entries without the tag must survive")
}

func TestManager_InvalidateByPattern(t *testing.T) {
	m := newMemoryOnlyManager(t, testCacheConfig())

	require.NoError(t, m.Set("orderbook:BTCUSDT", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("orderbook:ETHUSDT", 2, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("trades:BTCUSDT", 3, SetOptions{TTL: time.Minute}))

	removed, err := m.InvalidateByPattern("^orderbook:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := m.Get("trades:BTCUSDT", TierMemory)
	assert.True(t, ok)
}

func TestManager_InvalidateByPattern_RejectsBadRegex(t *testing.T) {
	m := newMemoryOnlyManager(t, testCacheConfig())

	_, err := m.InvalidateByPattern("([")
	require.Error(t, err)
}

func TestManager_DiskTierRoundTrip(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	require.NoError(t, m.Set("funding:BTCUSDT", map[string]interface{}{"rate": "0.0001"},
		SetOptions{TTL: time.Minute, Tier: TierDisk, Tags: []string{"funding"}}))

	v, ok := m.Get("funding:BTCUSDT", TierDisk)
	require.True(t, ok)
	decoded, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "0.0001", decoded["rate"])
}

func TestManager_DiskHitPromotesToMemory(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	require.NoError(t, m.Set("k", "v", SetOptions{TTL: time.Minute, Tier: TierDisk}))

	// Unspecified tier: memory misses, disk hits, entry is promoted.
	_, ok := m.Get("k", TierAuto)
	require.True(t, ok)

	v, ok := m.Get("k", TierMemory)
	require.True(t, ok, "disk hit must be promoted into the fast tier")
	assert.Equal(t, "v", v)
}

func TestManager_DiskSubSecondTTLSurvivesImmediateRead(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	// Sub-second TTLs must not round down to an already-passed expiry.
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("tick:%d", i)
		require.NoError(t, m.Set(key, i, SetOptions{TTL: 500 * time.Millisecond, Tier: TierDisk}))
		_, ok := m.Get(key, TierDisk)
		assert.True(t, ok, "entry %s must hit immediately after Set", key)
	}
}

func TestManager_DiskInvalidateByTag_TreatsTagLiterally(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	require.NoError(t, m.Set("a", 1, SetOptions{TTL: time.Minute, Tier: TierDisk, Tags: []string{"pct%"}}))
	require.NoError(t, m.Set("b", 2, SetOptions{TTL: time.Minute, Tier: TierDisk, Tags: []string{"pctX"}}))
	require.NoError(t, m.Set("c", 3, SetOptions{TTL: time.Minute, Tier: TierDisk, Tags: []string{"snap_1"}}))
	require.NoError(t, m.Set("d", 4, SetOptions{TTL: time.Minute, Tier: TierDisk, Tags: []string{"snapX1"}}))

	removed := m.InvalidateByTag("pct%")
	assert.Equal(t, 1, removed, "%% in a tag must not act as a wildcard")
	_, ok := m.Get("b", TierDisk)
	assert.True(t, ok)

	removed = m.InvalidateByTag("snap_1")
	assert.Equal(t, 1, removed, "_ in a tag must not act as a wildcard")
	_, ok = m.Get("d", TierDisk)
	assert.True(t, ok)
}

func TestManager_DiskLazyExpiry(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	// Write an already-expired row directly; Set replaces non-positive TTLs
	// with the default.
	require.NoError(t, m.disk.set("stale", "v", -time.Second, nil))

	_, ok := m.Get("stale", TierDisk)
	assert.False(t, ok)

	stats := m.Stats()
	require.NotNil(t, stats.Disk)
	assert.Equal(t, 0, stats.Disk.Entries, "expired row is deleted on read")
}

func TestManager_DiskCapacityEviction(t *testing.T) {
	cfg := testCacheConfig()
	cfg.DiskMaxSize = 2
	m := newTieredManager(t, cfg)

	require.NoError(t, m.Set("a", 1, SetOptions{TTL: time.Minute, Tier: TierDisk}))
	require.NoError(t, m.Set("b", 2, SetOptions{TTL: time.Minute, Tier: TierDisk}))
	require.NoError(t, m.Set("c", 3, SetOptions{TTL: time.Minute, Tier: TierDisk}))

	stats := m.Stats()
	require.NotNil(t, stats.Disk)
	assert.Equal(t, 2, stats.Disk.Entries)

	_, ok := m.Get("c", TierDisk)
	assert.True(t, ok, "newest entry must be admitted")
}

func TestManager_DeleteReportsExistence(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	require.NoError(t, m.Set("mem", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("disk", 2, SetOptions{TTL: time.Minute, Tier: TierDisk}))

	assert.True(t, m.Delete("mem", TierAuto))
	assert.True(t, m.Delete("disk", TierAuto))
	assert.False(t, m.Delete("mem", TierAuto))
	assert.False(t, m.Delete("missing", TierAuto))
}

func TestManager_ClearEmptiesAllTiers(t *testing.T) {
	m := newTieredManager(t, testCacheConfig())

	require.NoError(t, m.Set("a", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, m.Set("b", 2, SetOptions{TTL: time.Minute, Tier: TierDisk}))

	m.Clear()

	_, ok := m.Get("a", TierMemory)
	assert.False(t, ok)
	_, ok = m.Get("b", TierDisk)
	assert.False(t, ok)
}

func TestManager_StatsTracksHitsAndMisses(t *testing.T) {
	m := newMemoryOnlyManager(t, testCacheConfig())

	require.NoError(t, m.Set("k", "v", SetOptions{TTL: time.Minute}))
	m.Get("k", TierMemory)       // hit
	m.Get("k", TierMemory)       // hit
	m.Get("missing", TierMemory) // miss

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Memory.Hits)
	assert.Equal(t, int64(1), stats.Memory.Misses)
	assert.InDelta(t, 2.0/3.0, stats.Memory.HitRatio, 1e-9)
	assert.Nil(t, stats.Disk)
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	cfg := testCacheConfig()
	cfg.DefaultTTL = 50 * time.Millisecond
	m := newMemoryOnlyManager(t, cfg)

	require.NoError(t, m.Set("k", "v", SetOptions{}))

	_, ok := m.Get("k", TierMemory)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = m.Get("k", TierMemory)
	assert.False(t, ok)
}
