package adaptive

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// maxRecentDurations bounds the rolling execution-time window per metric.
const maxRecentDurations = 50

// reliabilityPenalty is subtracted from the reliability score for every
// recorded timeout and every recorded error.
const reliabilityPenalty = 0.1

// AgentMetrics tracks execution quality for one (agent, task-type) pair.
// Owned by the controller; mutated only through controller update calls.
type AgentMetrics struct {
	AgentID  string
	TaskType string

	recentDurations []time.Duration
	TimeoutCount    int
	ErrorCount      int
	LastExecution   time.Time
	LastError       string
}

func newAgentMetrics(agentID, taskType string) *AgentMetrics {
	return &AgentMetrics{
		AgentID:  agentID,
		TaskType: taskType,
	}
}

// recordDuration appends a duration to the bounded rolling window.
func (m *AgentMetrics) recordDuration(d time.Duration) {
	m.recentDurations = append(m.recentDurations, d)
	if len(m.recentDurations) > maxRecentDurations {
		m.recentDurations = m.recentDurations[len(m.recentDurations)-maxRecentDurations:]
	}
	m.LastExecution = time.Now()
}

// Reliability derives a 0.0-1.0 health score from recorded faults.
// Starts at 1.0, loses a fixed penalty per timeout and per error.
func (m *AgentMetrics) Reliability() float64 {
	score := 1.0 - reliabilityPenalty*float64(m.TimeoutCount+m.ErrorCount)
	if score < 0 {
		score = 0
	}
	return score
}

// AverageDuration returns the mean of the rolling execution-time window.
func (m *AgentMetrics) AverageDuration() time.Duration {
	if len(m.recentDurations) == 0 {
		return 0
	}
	secs := make([]float64, len(m.recentDurations))
	for i, d := range m.recentDurations {
		secs[i] = d.Seconds()
	}
	return time.Duration(stat.Mean(secs, nil) * float64(time.Second))
}

// SampleCount returns how many durations the rolling window currently holds.
func (m *AgentMetrics) SampleCount() int {
	return len(m.recentDurations)
}
