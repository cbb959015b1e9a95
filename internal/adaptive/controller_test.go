package adaptive

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() *Controller {
	return NewController(zerolog.Nop())
}

func TestController_ReliabilityStartsAtOne(t *testing.T) {
	c := newTestController()

	assert.Equal(t, 1.0, c.Reliability("arbitrage-1", "cycle"))
}

func TestController_ReliabilityPenalties(t *testing.T) {
	c := newTestController()

	c.UpdateTimeout("arbitrage-1", "cycle")
	assert.InDelta(t, 0.9, c.Reliability("arbitrage-1", "cycle"), 1e-9)

	c.UpdateError("arbitrage-1", "cycle", "order book fetch failed")
	assert.InDelta(t, 0.8, c.Reliability("arbitrage-1", "cycle"), 1e-9)
}

func TestController_ReliabilityFlooredAtZero(t *testing.T) {
	c := newTestController()

	for i := 0; i < 15; i++ {
		c.UpdateError("grid-1", "cycle", "boom")
	}

	assert.Equal(t, 0.0, c.Reliability("grid-1", "cycle"))
}

func TestMarketCondition_Scores(t *testing.T) {
	mc := MarketCondition{Volatility: 0.8, TradingVolume: 0.6, Liquidity: 0.4, Trend: 0.2}

	assert.InDelta(t, 0.7, mc.ActivityScore(), 1e-9)
	assert.InDelta(t, (0.8+0.4+0.2)/3, mc.OpportunityScore(), 1e-9)
}

func TestSystemLoad_Scores(t *testing.T) {
	sl := SystemLoad{CPU: 0.8, Memory: 0.6, Network: 0.4, IO: 0.2}

	assert.InDelta(t, 0.5, sl.OverallLoad(), 1e-9)
	assert.InDelta(t, 0.5, sl.AvailableCapacity(), 1e-9)
}

func TestController_CalculateInterval_NeutralBaseline(t *testing.T) {
	c := newTestController()

	interval := c.CalculateInterval("sentiment-1", "cycle", 60*time.Second)

	assert.Equal(t, 60*time.Second, interval)
	assert.Equal(t, int64(0), c.Stats().IntervalsAdjusted)
}

func TestController_CalculateInterval_RespondsToConditions(t *testing.T) {
	c := newTestController()

	c.UpdateExecutionTime("sniper-1", "cycle", 45*time.Second)
	c.UpdateTimeout("sniper-1", "cycle")
	c.UpdateMarketCondition(MarketCondition{Volatility: 0.9, TradingVolume: 0.9, Liquidity: 0.5, Trend: 0.5})
	c.UpdateSystemLoad(SystemLoad{CPU: 0.9, Memory: 0.7, Network: 0.3, IO: 0.1})

	interval := c.CalculateInterval("sniper-1", "cycle", 60*time.Second)

	assert.NotEqual(t, 60*time.Second, interval)
	assert.Equal(t, int64(1), c.Stats().IntervalsAdjusted)
}

func TestController_CalculateInterval_Directions(t *testing.T) {
	base := 60 * time.Second

	// Falling reliability scales the interval up.
	c := newTestController()
	c.UpdateTimeout("a", "cycle")
	c.UpdateTimeout("a", "cycle")
	assert.Greater(t, c.CalculateInterval("a", "cycle", base), base)

	// Rising system load scales the interval up.
	c = newTestController()
	c.UpdateSystemLoad(SystemLoad{CPU: 1, Memory: 1, Network: 1, IO: 1})
	assert.Greater(t, c.CalculateInterval("b", "cycle", base), base)

	// Rising market activity scales the interval down.
	c = newTestController()
	c.UpdateMarketCondition(MarketCondition{Volatility: 1, TradingVolume: 1, Liquidity: 0.5, Trend: 0.5})
	assert.Less(t, c.CalculateInterval("c", "cycle", base), base)
}

func TestController_CalculateInterval_Clamped(t *testing.T) {
	c := newTestController()

	// Max activity against a tiny base interval hits the floor.
	c.UpdateMarketCondition(MarketCondition{Volatility: 1, TradingVolume: 1})
	assert.Equal(t, MinInterval, c.CalculateInterval("x", "cycle", 6*time.Second))
}

func TestController_MetricsLifecycle(t *testing.T) {
	c := newTestController()

	_, ok := c.Metrics("copy-1", "cycle")
	assert.False(t, ok)

	c.UpdateExecutionTime("copy-1", "cycle", 2*time.Second)
	c.UpdateExecutionTime("copy-1", "cycle", 4*time.Second)

	m, ok := c.Metrics("copy-1", "cycle")
	require.True(t, ok)
	assert.Equal(t, 2, m.SampleCount())
	assert.Equal(t, 3*time.Second, m.AverageDuration())
	assert.False(t, m.LastExecution.IsZero())
}

func TestController_Stats(t *testing.T) {
	c := newTestController()

	c.UpdateExecutionTime("a", "cycle", time.Second)
	c.UpdateExecutionTime("a", "scan", time.Second)
	c.UpdateError("b", "cycle", "x")

	stats := c.Stats()
	assert.Equal(t, 2, stats.AgentsTracked)
	assert.Equal(t, DefaultMarketCondition(), stats.Market)
}

func TestAgentMetrics_DurationWindowBounded(t *testing.T) {
	m := newAgentMetrics("a", "cycle")

	for i := 0; i < maxRecentDurations+20; i++ {
		m.recordDuration(time.Second)
	}

	assert.Equal(t, maxRecentDurations, m.SampleCount())
}
