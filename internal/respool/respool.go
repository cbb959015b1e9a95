// Package respool manages shared outbound resources for agent tasks: pooled
// HTTP clients per host, per-API sliding-window rate limits, bounded retry,
// an ad-hoc memoization cache, and in-flight request de-duplication.
package respool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantfleet/quantfleet/internal/config"
)

// Request describes one outbound HTTP call through the pool.
type Request struct {
	Method  string
	URL     string
	Params  map[string]string // Query parameters merged into the URL
	Body    []byte
	Headers map[string]string

	// APIName + RateLimit select a sliding-window rate limit: at most
	// RateLimit requests per configured window for this named API.
	// RateLimit <= 0 disables limiting for the call.
	APIName   string
	RateLimit int

	// Timeout overrides the configured request timeout when > 0.
	Timeout time.Duration
}

// Response is the terminal result of a pooled request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Stats reports pool counters for the aggregate stats surface.
type Stats struct {
	Requests    int64   `json:"requests"`
	Errors      int64   `json:"errors"`
	ErrorRate   float64 `json:"error_rate"`
	Clients     int     `json:"clients"`
	CacheSize   int     `json:"cache_size"`
	RateWindows int     `json:"rate_windows"`
}

// Health reports per-client and limiter state for health checks.
type Health struct {
	Clients         map[string]string `json:"clients"` // host -> "open"/"closed"
	CacheSize       int               `json:"cache_size"`
	RateLimitDepths map[string]int    `json:"rate_limit_depths"`
}

// Pool owns the shared outbound resources. All agent tasks go through one
// pool; every mutating operation is guarded so concurrent tasks never observe
// a partially-updated structure.
type Pool struct {
	cfg config.PoolConfig
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
	windows map[string]*rateWindow
	closed  bool

	requests int64
	errors   int64

	cache    *simpleCache
	inflight *inflightTable
	pacer    *rate.Limiter // optional global smoothing of outbound rate
}

// New creates a resource pool from configuration.
func New(cfg config.PoolConfig, log zerolog.Logger) *Pool {
	p := &Pool{
		cfg:      cfg,
		log:      log.With().Str("component", "resource_pool").Logger(),
		clients:  make(map[string]*http.Client),
		windows:  make(map[string]*rateWindow),
		cache:    newSimpleCache(defaultCacheEntries),
		inflight: newInflightTable(),
	}
	if cfg.MaxRequestRate > 0 {
		p.pacer = rate.NewLimiter(rate.Limit(cfg.MaxRequestRate), 1)
	}
	return p
}

// GetHTTPClient returns the pooled client for a host, creating it on first use.
func (p *Pool) GetHTTPClient(host string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[host]; ok {
		return client
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        p.cfg.MaxConnections,
		MaxIdleConnsPerHost: p.cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   p.cfg.RequestTimeout,
	}
	p.clients[host] = client
	p.log.Debug().Str("host", host).Msg("Created pooled HTTP client")
	return client
}

// window returns the rate-limit window for a named API, creating it on first use.
func (p *Pool) window(apiName string) *rateWindow {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.windows[apiName]
	if !ok {
		w = newRateWindow(p.cfg.RateLimitWindow)
		p.windows[apiName] = w
	}
	return w
}

// Do executes a request through the pool: rate limit, then attempt with
// bounded retries on transport faults. The rate-limit wait never fails the
// request; only context cancellation aborts it.
func (p *Pool) Do(ctx context.Context, req Request) (*Response, error) {
	if req.APIName != "" && req.RateLimit > 0 {
		if err := p.window(req.APIName).acquire(ctx, req.RateLimit); err != nil {
			return nil, fmt.Errorf("rate limit wait aborted: %w", err)
		}
	}

	var lastErr error
	attempts := p.cfg.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff from the configured base delay.
			delay := p.cfg.RetryDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := p.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		p.log.Warn().
			Err(err).
			Str("url", req.URL).
			Int("attempt", attempt+1).
			Msg("Transport fault, will retry")
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// transportError marks a fault worth retrying (connection failure or 5xx).
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*transportError)
	return ok
}

// attempt performs a single request, updating the request/error counters.
func (p *Pool) attempt(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("resource pool is closed")
	}
	p.requests++
	p.mu.Unlock()

	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		p.countError()
		return nil, fmt.Errorf("invalid request URL %q: %w", req.URL, err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		p.countError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := p.GetHTTPClient(u.Host)
	httpResp, err := client.Do(httpReq)
	if err != nil {
		p.countError()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		p.countError()
		return nil, &transportError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	if httpResp.StatusCode >= 500 {
		p.countError()
		return nil, &transportError{err: fmt.Errorf("server returned status %d", httpResp.StatusCode)}
	}
	if httpResp.StatusCode >= 400 {
		p.countError()
		return nil, fmt.Errorf("request rejected with status %d", httpResp.StatusCode)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func (p *Pool) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// DoOnce de-duplicates concurrent identical requests: callers sharing a key
// block on a single in-flight fetch and receive the same result.
func (p *Pool) DoOnce(ctx context.Context, key string, req Request) (*Response, error) {
	val, err, _ := p.inflight.do(ctx, key, func() (interface{}, error) {
		return p.Do(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return val.(*Response), nil
}

// CacheGet reads from the pool's ad-hoc memoization cache.
func (p *Pool) CacheGet(key string) (interface{}, bool) {
	return p.cache.get(key)
}

// CacheSet writes to the pool's ad-hoc memoization cache.
func (p *Pool) CacheSet(key string, value interface{}, ttl time.Duration) {
	p.cache.set(key, value, ttl)
}

// CacheDelete removes an ad-hoc cache entry, reporting whether one existed.
func (p *Pool) CacheDelete(key string) bool {
	return p.cache.delete(key)
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	errorRate := 0.0
	if p.requests > 0 {
		errorRate = float64(p.errors) / float64(p.requests)
	}
	return Stats{
		Requests:    p.requests,
		Errors:      p.errors,
		ErrorRate:   errorRate,
		Clients:     len(p.clients),
		CacheSize:   p.cache.size(),
		RateWindows: len(p.windows),
	}
}

// HealthCheck reports per-client state, cache size, and window depths.
func (p *Pool) HealthCheck() Health {
	p.mu.Lock()
	clients := make(map[string]string, len(p.clients))
	state := "open"
	if p.closed {
		state = "closed"
	}
	for host := range p.clients {
		clients[host] = state
	}
	windows := make(map[string]*rateWindow, len(p.windows))
	for name, w := range p.windows {
		windows[name] = w
	}
	p.mu.Unlock()

	depths := make(map[string]int, len(windows))
	for name, w := range windows {
		depths[name] = w.depth()
	}

	return Health{
		Clients:         clients,
		CacheSize:       p.cache.size(),
		RateLimitDepths: depths,
	}
}

// Close releases every pooled client and clears ephemeral cache state.
// Further requests fail; Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	clients := p.clients
	p.clients = make(map[string]*http.Client)
	p.windows = make(map[string]*rateWindow)
	p.mu.Unlock()

	for host, client := range clients {
		client.CloseIdleConnections()
		p.log.Debug().Str("host", host).Msg("Closed pooled HTTP client")
	}
	p.cache.clear()
	p.log.Info().Msg("Resource pool closed")
}
