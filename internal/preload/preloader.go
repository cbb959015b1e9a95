// Package preload keeps hot cache entries warm by re-invoking registered
// loaders on a schedule, independent of consumer reads.
package preload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantfleet/quantfleet/internal/cache"
)

// LoaderFunc fetches fresh data for one preload task.
type LoaderFunc func(ctx context.Context) (interface{}, error)

// TaskConfig describes a background refresh job.
type TaskConfig struct {
	Name     string
	Loader   LoaderFunc
	Interval time.Duration // Fixed refresh interval
	Schedule string        // Optional cron expression; overrides Interval
	CacheKey string
	CacheTTL time.Duration
	Tier     cache.Tier
	Tags     []string
	Enabled  bool
}

// task is the runtime state for one registered refresh job.
type task struct {
	cfg      TaskConfig
	schedule cron.Schedule // nil for interval tasks

	enabled   bool
	runs      int64
	errors    int64
	lastRun   time.Time
	lastError string
}

// TaskStats reports one task's refresh history.
type TaskStats struct {
	Runs      int64     `json:"runs"`
	Errors    int64     `json:"errors"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats reports aggregate preloader state.
type Stats struct {
	TotalPreloads int64                `json:"total_preloads"`
	Tasks         map[string]TaskStats `json:"tasks"`
}

// Preloader runs registered loaders on their schedules and writes results
// into the cache manager.
type Preloader struct {
	cache *cache.Manager
	log   zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
	total   int64
}

// New creates a preloader writing into the given cache manager.
func New(cacheManager *cache.Manager, log zerolog.Logger) *Preloader {
	return &Preloader{
		cache: cacheManager,
		log:   log.With().Str("component", "cache_preloader").Logger(),
		tasks: make(map[string]*task),
		stop:  make(chan struct{}),
	}
}

// RegisterTask registers a background refresh job. If the preloader is
// already running and the task is enabled, its loop starts immediately.
func (p *Preloader) RegisterTask(cfg TaskConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("preload task needs a name")
	}
	if cfg.Loader == nil {
		return fmt.Errorf("preload task %q needs a loader", cfg.Name)
	}
	if cfg.CacheKey == "" {
		return fmt.Errorf("preload task %q needs a cache key", cfg.Name)
	}
	if cfg.Schedule == "" && cfg.Interval <= 0 {
		return fmt.Errorf("preload task %q needs an interval or cron schedule", cfg.Name)
	}

	var schedule cron.Schedule
	if cfg.Schedule != "" {
		parsed, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return fmt.Errorf("preload task %q has invalid schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
		schedule = parsed
	}

	p.mu.Lock()
	if _, exists := p.tasks[cfg.Name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("preload task %q already registered", cfg.Name)
	}
	t := &task{cfg: cfg, schedule: schedule, enabled: cfg.Enabled}
	p.tasks[cfg.Name] = t
	startNow := p.started
	p.mu.Unlock()

	p.log.Info().
		Str("task", cfg.Name).
		Str("cache_key", cfg.CacheKey).
		Dur("interval", cfg.Interval).
		Str("schedule", cfg.Schedule).
		Bool("enabled", cfg.Enabled).
		Msg("Registered preload task")

	if startNow {
		p.spawn(t)
	}
	return nil
}

// Start launches the refresh loop for every registered task.
func (p *Preloader) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stop:
		// Restart after a Stop needs a fresh stop channel.
		p.stop = make(chan struct{})
	default:
	}
	p.started = true
	tasks := make([]*task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		p.spawn(t)
	}
	p.log.Info().Int("tasks", len(tasks)).Msg("Cache preloader started")
}

// Stop cancels every refresh loop and waits for them to finish.
func (p *Preloader) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Cache preloader stopped")
}

// spawn runs one task's refresh loop until Stop.
func (p *Preloader) spawn(t *task) {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			timer := time.NewTimer(p.nextWait(t))
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
				p.runTask(t, false)
			}
		}
	}()
}

// nextWait returns the delay until the task's next scheduled refresh.
func (p *Preloader) nextWait(t *task) time.Duration {
	if t.schedule != nil {
		return time.Until(t.schedule.Next(time.Now()))
	}
	return t.cfg.Interval
}

// runTask invokes the loader and writes the result into the cache. A loader
// fault is counted against the task; the next scheduled refresh still fires.
// force bypasses the enabled flag for out-of-band refreshes.
func (p *Preloader) runTask(t *task, force bool) {
	p.mu.Lock()
	enabled := t.enabled
	p.mu.Unlock()
	if !enabled && !force {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	value, err := t.cfg.Loader(ctx)

	p.mu.Lock()
	t.lastRun = time.Now()
	if err != nil {
		t.errors++
		t.lastError = err.Error()
		p.mu.Unlock()
		p.log.Warn().Err(err).Str("task", t.cfg.Name).Msg("Preload loader failed")
		return
	}
	t.runs++
	p.total++
	p.mu.Unlock()

	if err := p.cache.Set(t.cfg.CacheKey, value, cache.SetOptions{
		TTL:  t.cfg.CacheTTL,
		Tier: t.cfg.Tier,
		Tags: t.cfg.Tags,
	}); err != nil {
		p.log.Warn().Err(err).Str("task", t.cfg.Name).Msg("Preload cache write failed")
	}
}

// RunTaskNow triggers an immediate out-of-band refresh for a task.
func (p *Preloader) RunTaskNow(name string) error {
	p.mu.Lock()
	t, ok := p.tasks[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown preload task: %s", name)
	}
	p.runTask(t, true)
	return nil
}

// SetEnabled toggles a task without unregistering it.
func (p *Preloader) SetEnabled(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[name]
	if !ok {
		return fmt.Errorf("unknown preload task: %s", name)
	}
	t.enabled = enabled
	return nil
}

// Stats reports total successful preloads and per-task counters.
func (p *Preloader) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		TotalPreloads: p.total,
		Tasks:         make(map[string]TaskStats, len(p.tasks)),
	}
	for name, t := range p.tasks {
		stats.Tasks[name] = TaskStats{
			Runs:      t.runs,
			Errors:    t.errors,
			Enabled:   t.enabled,
			LastRun:   t.lastRun,
			LastError: t.lastError,
		}
	}
	return stats
}
