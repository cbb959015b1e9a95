package adaptive

import "gonum.org/v1/gonum/stat"

// MarketCondition is a process-wide snapshot of market gauges, each 0.0-1.0.
// External collectors replace it wholesale; the controller only reads it.
type MarketCondition struct {
	Volatility    float64
	TradingVolume float64
	Liquidity     float64
	Trend         float64
}

// DefaultMarketCondition returns the neutral mid-scale snapshot used until a
// collector reports real data.
func DefaultMarketCondition() MarketCondition {
	return MarketCondition{
		Volatility:    0.5,
		TradingVolume: 0.5,
		Liquidity:     0.5,
		Trend:         0.5,
	}
}

// ActivityScore summarizes how active the market currently is.
func (m MarketCondition) ActivityScore() float64 {
	return stat.Mean([]float64{m.Volatility, m.TradingVolume}, nil)
}

// OpportunityScore summarizes how attractive current conditions are.
func (m MarketCondition) OpportunityScore() float64 {
	return stat.Mean([]float64{m.Volatility, m.Liquidity, m.Trend}, nil)
}

// SystemLoad is a process-wide snapshot of host load gauges, each 0.0-1.0.
// The zero value means an idle host.
type SystemLoad struct {
	CPU     float64
	Memory  float64
	Network float64
	IO      float64
}

// OverallLoad returns the mean of the four gauges.
func (s SystemLoad) OverallLoad() float64 {
	return stat.Mean([]float64{s.CPU, s.Memory, s.Network, s.IO}, nil)
}

// AvailableCapacity returns the headroom left on the host.
func (s SystemLoad) AvailableCapacity() float64 {
	return 1.0 - s.OverallLoad()
}
