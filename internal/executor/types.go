// Package executor provides the priority task queue and dispatch loop every
// agent schedules work through. It owns task lifecycle, reports outcomes to
// the adaptive interval controller, and exposes the scheduling API.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantfleet/quantfleet/internal/respool"
)

// CycleTaskType is the task-type label for recurring agent cycles.
const CycleTaskType = "cycle"

// Priority orders ready tasks; dispatch always picks the numerically highest
// priority, breaking ties FIFO by enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// TaskFunc is the executable body of an AgentTask. It receives the shared
// resource pool for outbound calls and must honor context cancellation.
type TaskFunc func(ctx context.Context, pool *respool.Pool) error

// Agent is a strategy process that runs a recurring cycle. Strategies own no
// scheduling logic; they implement this interface and submit work.
type Agent interface {
	ID() string
	BaseInterval() time.Duration
	RunCycle(ctx context.Context, pool *respool.Pool) error
}

// AgentTask is one schedulable unit of work tied to an agent and task-type.
// A fresh AgentTask is created for every cycle iteration.
type AgentTask struct {
	ID       string
	AgentID  string
	TaskType string
	Priority Priority
	Run      TaskFunc
	Timeout  time.Duration

	ReadyAt    time.Time // Ready for dispatch once this passes
	EnqueuedAt time.Time
	StartedAt  time.Time // Set when the task begins executing

	seq    uint64 // FIFO tiebreak within a priority
	agent  Agent  // Non-nil for cycle tasks; drives re-enqueue
	handle *TaskHandle
}

func newTask(agentID, taskType string, fn TaskFunc, priority Priority, delay, timeout time.Duration) *AgentTask {
	now := time.Now()
	return &AgentTask{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		TaskType:   taskType,
		Priority:   priority,
		Run:        fn,
		Timeout:    timeout,
		ReadyAt:    now.Add(delay),
		EnqueuedAt: now,
		handle:     newTaskHandle(),
	}
}

// Outcome is the terminal result of one task execution.
type Outcome struct {
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// TaskHandle lets the scheduling caller observe a task's terminal outcome.
type TaskHandle struct {
	TaskID string
	done   chan struct{}
	result Outcome
}

func newTaskHandle() *TaskHandle {
	return &TaskHandle{done: make(chan struct{})}
}

// Done is closed when the task reaches a terminal state.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal result. Valid only after Done is closed.
func (h *TaskHandle) Outcome() Outcome {
	return h.result
}

// Wait blocks until the task completes or the context is cancelled.
func (h *TaskHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.done:
		return h.result, nil
	}
}

func (h *TaskHandle) resolve(outcome Outcome) {
	h.result = outcome
	close(h.done)
}
