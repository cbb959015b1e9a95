package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantfleet/quantfleet/internal/cache"
	"github.com/quantfleet/quantfleet/internal/config"
	"github.com/quantfleet/quantfleet/internal/di"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		LogLevel:    "info",
		Port:        0,
		Concurrency: 2,
		Pool: config.PoolConfig{
			MaxConnections:    5,
			ConnectionTimeout: 2 * time.Second,
			RequestTimeout:    5 * time.Second,
			RetryCount:        1,
			RetryDelay:        10 * time.Millisecond,
			RateLimitWindow:   time.Second,
		},
		Cache: config.CacheConfig{
			MemoryMaxSize:        100,
			DiskMaxSize:          1000,
			DefaultTTL:           time.Minute,
			DiskCacheEnabled:     false,
			InvalidationStrategy: "lru",
		},
	}

	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Stop)

	return New(Config{
		Log:       zerolog.Nop(),
		Config:    cfg,
		Port:      cfg.Port,
		DevMode:   true,
		Container: container,
	})
}

func TestServer_HealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "quantfleet", body["service"])
	assert.Contains(t, body, "pool")
}

func TestServer_StatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Executor.Running)
	assert.NotNil(t, body.Executor.Cache)
}

func TestServer_CacheInvalidateByPattern(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.container.Cache.Set("prices:AAPL", 1.0, cache.SetOptions{}))
	require.NoError(t, s.container.Cache.Set("prices:MSFT", 2.0, cache.SetOptions{}))
	require.NoError(t, s.container.Cache.Set("rates:EUR", 3.0, cache.SetOptions{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cache/invalidate",
		bytes.NewBufferString(`{"pattern": "^prices:"}`))
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body["removed"])

	_, found := s.container.Cache.Get("rates:EUR", cache.TierAuto)
	assert.True(t, found)
}

func TestServer_CacheInvalidateByTag(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.container.Cache.Set("a", 1, cache.SetOptions{Tags: []string{"quotes"}}))
	require.NoError(t, s.container.Cache.Set("b", 2, cache.SetOptions{Tags: []string{"other"}}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cache/invalidate",
		bytes.NewBufferString(`{"tag": "quotes"}`))
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["removed"])
}

func TestServer_CacheInvalidateRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	for name, payload := range map[string]string{
		"empty selector": `{}`,
		"both selectors": `{"pattern": "x", "tag": "y"}`,
		"malformed body": `{not json`,
		"bad regex":      `{"pattern": "["}`,
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/cache/invalidate",
			bytes.NewBufferString(payload))
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestServer_StatsStreamPushesSnapshots(t *testing.T) {
	s := newTestServer(t)

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/api/stats/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	var snapshot statsResponse
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.False(t, snapshot.Executor.Running)
}
