// Package adaptive computes feedback-driven scheduling intervals from
// per-agent execution quality, market activity, and host load.
package adaptive

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Interval bounds applied after blending. A struggling agent never backs off
// past MaxInterval; an active market never polls faster than MinInterval.
const (
	MinInterval = 5 * time.Second
	MaxInterval = 1 * time.Hour
)

// Controller owns AgentMetrics and the shared market/load snapshots, and
// derives the next scheduling interval for each (agent, task-type).
type Controller struct {
	mu       sync.RWMutex
	metrics  map[string]*AgentMetrics
	market   MarketCondition
	load     SystemLoad
	adjusted int64
	log      zerolog.Logger
}

// Stats reports controller state for the aggregate stats surface.
type Stats struct {
	AgentsTracked     int             `json:"agents_tracked"`
	IntervalsAdjusted int64           `json:"intervals_adjusted"`
	Market            MarketCondition `json:"market_condition"`
	Load              SystemLoad      `json:"system_load"`
}

// NewController creates a controller with neutral snapshots.
func NewController(log zerolog.Logger) *Controller {
	return &Controller{
		metrics: make(map[string]*AgentMetrics),
		market:  DefaultMarketCondition(),
		log:     log.With().Str("component", "adaptive_controller").Logger(),
	}
}

func metricKey(agentID, taskType string) string {
	return agentID + ":" + taskType
}

// getOrCreate returns the metrics for a pair, creating them on first use.
// Caller must hold c.mu.
func (c *Controller) getOrCreate(agentID, taskType string) *AgentMetrics {
	key := metricKey(agentID, taskType)
	m, ok := c.metrics[key]
	if !ok {
		m = newAgentMetrics(agentID, taskType)
		c.metrics[key] = m
	}
	return m
}

// UpdateExecutionTime records a successful execution's elapsed time.
func (c *Controller) UpdateExecutionTime(agentID, taskType string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(agentID, taskType).recordDuration(elapsed)
}

// UpdateTimeout records a task that exceeded its allotted duration.
func (c *Controller) UpdateTimeout(agentID, taskType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(agentID, taskType)
	m.TimeoutCount++
	m.LastExecution = time.Now()
}

// UpdateError records a task fault with its message.
func (c *Controller) UpdateError(agentID, taskType, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(agentID, taskType)
	m.ErrorCount++
	m.LastError = errMsg
	m.LastExecution = time.Now()
}

// UpdateMarketCondition replaces the shared market snapshot wholesale.
func (c *Controller) UpdateMarketCondition(mc MarketCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market = mc
}

// UpdateSystemLoad replaces the shared load snapshot wholesale.
func (c *Controller) UpdateSystemLoad(sl SystemLoad) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load = sl
}

// MarketCondition returns the current market snapshot.
func (c *Controller) MarketCondition() MarketCondition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.market
}

// SystemLoad returns the current load snapshot.
func (c *Controller) SystemLoad() SystemLoad {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.load
}

// Reliability returns the current reliability score for a pair.
// A pair with no recorded outcomes scores 1.0.
func (c *Controller) Reliability(agentID, taskType string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[metricKey(agentID, taskType)]
	if !ok {
		return 1.0
	}
	return m.Reliability()
}

// CalculateInterval blends three independent monotonic factors into the next
// scheduling interval for a pair:
//   - reliability: back off as the integration struggles (1.0 -> x1, 0.0 -> x2)
//   - system load: shed load as the host saturates (0.0 -> x1, 1.0 -> x1.5)
//   - market activity: react faster in active markets (0.5 -> x1, 1.0 -> x0.6)
//
// With neutral inputs the result is exactly baseInterval.
func (c *Controller) CalculateInterval(agentID, taskType string, baseInterval time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	reliability := 1.0
	if m, ok := c.metrics[metricKey(agentID, taskType)]; ok {
		reliability = m.Reliability()
	}

	reliabilityFactor := 2.0 - reliability
	loadFactor := 1.0 + c.load.OverallLoad()/2.0
	activityFactor := 1.0 + (0.5-c.market.ActivityScore())*0.8

	interval := time.Duration(float64(baseInterval) * reliabilityFactor * loadFactor * activityFactor)

	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}

	if interval != baseInterval {
		c.adjusted++
		c.log.Debug().
			Str("agent", agentID).
			Str("task_type", taskType).
			Dur("base_interval", baseInterval).
			Dur("interval", interval).
			Float64("reliability", reliability).
			Msg("Interval adjusted from baseline")
	}

	return interval
}

// Metrics returns a copy of the metrics for a pair, and whether it exists.
func (c *Controller) Metrics(agentID, taskType string) (AgentMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[metricKey(agentID, taskType)]
	if !ok {
		return AgentMetrics{}, false
	}
	return *m, true
}

// Stats reports agents tracked, adjustment count, and current snapshots.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agents := make(map[string]struct{}, len(c.metrics))
	for _, m := range c.metrics {
		agents[m.AgentID] = struct{}{}
	}

	return Stats{
		AgentsTracked:     len(agents),
		IntervalsAdjusted: c.adjusted,
		Market:            c.market,
		Load:              c.load,
	}
}
