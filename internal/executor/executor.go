package executor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfleet/quantfleet/internal/adaptive"
	"github.com/quantfleet/quantfleet/internal/cache"
	"github.com/quantfleet/quantfleet/internal/respool"
)

// healthCheckInterval paces the background health-check loop.
const healthCheckInterval = 30 * time.Second

// Stats reports executor state plus the nested pool/controller/cache stats.
type Stats struct {
	Running    bool           `json:"running"`
	Queued     int            `json:"queued"`
	InFlight   int            `json:"in_flight"`
	Agents     int            `json:"agents"`
	Pool       respool.Stats  `json:"pool"`
	Controller adaptive.Stats `json:"controller"`
	Cache      *cache.Stats   `json:"cache,omitempty"`
}

// Executor multiplexes many agents' periodic and ad-hoc tasks over one
// priority dispatch loop. One task's failure never halts the loop or other
// agents' tasks.
type Executor struct {
	pool       *respool.Pool
	controller *adaptive.Controller
	cacheStats *cache.Manager // optional, for nested stats only
	log        zerolog.Logger

	concurrency    int
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending pendingHeap
	ready   readyHeap
	running map[string]*AgentTask
	cycles  map[string]bool // agent id -> cycle queued or in flight
	seq     uint64
	started bool

	trigger  chan struct{}
	stop     chan struct{}
	slots    chan struct{}
	loopWG   sync.WaitGroup
	taskWG   sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// Option tweaks executor construction.
type Option func(*Executor)

// WithDefaultTimeout sets the timeout applied to tasks scheduled without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithCacheManager attaches a cache manager so Stats can nest its counters.
func WithCacheManager(m *cache.Manager) Option {
	return func(e *Executor) { e.cacheStats = m }
}

// New creates an executor dispatching at most concurrency tasks at once.
func New(pool *respool.Pool, controller *adaptive.Controller, concurrency int, log zerolog.Logger, opts ...Option) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	e := &Executor{
		pool:           pool,
		controller:     controller,
		log:            log.With().Str("component", "task_executor").Logger(),
		concurrency:    concurrency,
		defaultTimeout: 5 * time.Minute,
		running:        make(map[string]*AgentTask),
		cycles:         make(map[string]bool),
		trigger:        make(chan struct{}, 1),
		stop:           make(chan struct{}),
		slots:          make(chan struct{}, concurrency),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the dispatch and health-check loops.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.log.Warn().Msg("Executor already started, ignoring")
		return
	}
	select {
	case <-e.stop:
		// Restart after a Stop needs fresh channels.
		e.stop = make(chan struct{})
	default:
	}
	e.started = true
	e.baseCtx, e.cancelFn = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.loopWG.Add(2)
	go e.dispatchLoop()
	go e.healthLoop()
	e.log.Info().Int("concurrency", e.concurrency).Msg("Task executor started")
}

// Stop cancels both loops and every in-flight task, then waits for them.
// No background activity survives Stop.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.cancelFn()
	e.mu.Unlock()

	e.loopWG.Wait()
	e.taskWG.Wait()
	e.log.Info().Msg("Task executor stopped")
}

// ScheduleCycle enqueues a recurring cycle for an agent at its current
// adaptive interval. At most one cycle per agent may be active.
func (e *Executor) ScheduleCycle(agent Agent, priority Priority) error {
	e.mu.Lock()
	if e.cycles[agent.ID()] {
		e.mu.Unlock()
		return fmt.Errorf("agent %s already has a scheduled cycle", agent.ID())
	}
	e.cycles[agent.ID()] = true
	e.mu.Unlock()

	interval := e.controller.CalculateInterval(agent.ID(), CycleTaskType, agent.BaseInterval())
	e.enqueueCycle(agent, priority, interval)
	e.log.Info().
		Str("agent", agent.ID()).
		Str("priority", priority.String()).
		Dur("interval", interval).
		Msg("Scheduled agent cycle")
	return nil
}

// StopCycle removes an agent's recurring cycle. An in-flight iteration
// finishes; no further iterations are enqueued.
func (e *Executor) StopCycle(agentID string) {
	e.mu.Lock()
	delete(e.cycles, agentID)
	// Drop queued (not yet running) iterations of this cycle.
	filtered := e.ready[:0]
	for _, t := range e.ready {
		if t.agent != nil && t.AgentID == agentID {
			continue
		}
		filtered = append(filtered, t)
	}
	e.ready = filtered
	heap.Init(&e.ready)
	pendingFiltered := e.pending[:0]
	for _, t := range e.pending {
		if t.agent != nil && t.AgentID == agentID {
			continue
		}
		pendingFiltered = append(pendingFiltered, t)
	}
	e.pending = pendingFiltered
	heap.Init(&e.pending)
	e.mu.Unlock()
}

// enqueueCycle creates and enqueues one cycle iteration after delay.
func (e *Executor) enqueueCycle(agent Agent, priority Priority, delay time.Duration) {
	task := newTask(agent.ID(), CycleTaskType, agent.RunCycle, priority, delay, e.defaultTimeout)
	task.agent = agent
	e.enqueue(task)
}

// ScheduleTask enqueues a one-off task, ready only after delay. A zero
// timeout applies the executor default.
func (e *Executor) ScheduleTask(agentID, taskType string, fn TaskFunc, priority Priority, delay, timeout time.Duration) (*TaskHandle, error) {
	if fn == nil {
		return nil, errors.New("task function must not be nil")
	}
	if taskType == "" {
		taskType = "adhoc"
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	task := newTask(agentID, taskType, fn, priority, delay, timeout)
	e.enqueue(task)
	e.log.Debug().
		Str("agent", agentID).
		Str("task_type", taskType).
		Str("task_id", task.ID).
		Str("priority", priority.String()).
		Dur("delay", delay).
		Msg("Scheduled task")
	task.handle.TaskID = task.ID
	return task.handle, nil
}

// enqueue places a task on the pending or ready heap and wakes the loop.
func (e *Executor) enqueue(task *AgentTask) {
	e.mu.Lock()
	e.seq++
	task.seq = e.seq
	if time.Now().Before(task.ReadyAt) {
		heap.Push(&e.pending, task)
	} else {
		heap.Push(&e.ready, task)
	}
	e.mu.Unlock()

	select {
	case e.trigger <- struct{}{}:
	default:
		// Wakeup already pending
	}
}

// dispatchLoop drains due tasks from the pending heap, then dispatches the
// highest-priority ready task whenever a concurrency slot is free.
func (e *Executor) dispatchLoop() {
	defer e.loopWG.Done()

	for {
		// Reserve a slot before choosing a task, so a higher-priority task
		// arriving while all slots are busy still wins the next free slot.
		select {
		case <-e.stop:
			return
		case e.slots <- struct{}{}:
		}

		for {
			task, wait := e.next()
			if task != nil {
				e.launch(task)
				break
			}

			if wait <= 0 {
				wait = time.Minute
			}
			timer := time.NewTimer(wait)
			select {
			case <-e.stop:
				timer.Stop()
				<-e.slots
				return
			case <-e.trigger:
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// next promotes due pending tasks and pops the best ready task. When nothing
// is ready it returns the wait until the next pending task is due.
func (e *Executor) next() (*AgentTask, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for len(e.pending) > 0 && !now.Before(e.pending[0].ReadyAt) {
		heap.Push(&e.ready, heap.Pop(&e.pending))
	}

	if len(e.ready) > 0 {
		return heap.Pop(&e.ready).(*AgentTask), 0
	}
	if len(e.pending) > 0 {
		return nil, e.pending[0].ReadyAt.Sub(now)
	}
	return nil, 0
}

// launch marks a task running and executes it in its own goroutine, bounded
// by its timeout. All fault handling is isolated to the task.
func (e *Executor) launch(task *AgentTask) {
	e.mu.Lock()
	task.StartedAt = time.Now()
	e.running[task.ID] = task
	e.mu.Unlock()

	e.taskWG.Add(1)
	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, task.ID)
			e.mu.Unlock()
			<-e.slots
			select {
			case e.trigger <- struct{}{}:
			default:
			}
			e.taskWG.Done()
		}()

		outcome := e.execute(task)
		e.report(task, outcome)
		if task.handle != nil {
			task.handle.resolve(outcome)
		}
		if task.agent != nil {
			e.rescheduleCycle(task)
		}
	}()
}

// execute runs the task body bounded by its timeout.
func (e *Executor) execute(task *AgentTask) Outcome {
	ctx, cancel := context.WithTimeout(e.baseCtx, task.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- task.Run(ctx, e.pool)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// Cancels the in-flight execution; the body observes ctx.Done().
		err = ctx.Err()
		if errors.Is(err, context.Canceled) {
			// Shutdown: wait for the body to observe cancellation so Stop
			// leaves no task goroutine behind. Timed-out bodies that ignore
			// cancellation are abandoned and flagged by the health loop.
			<-done
		}
	}
	elapsed := time.Since(start)

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Err: err, TimedOut: true, Elapsed: elapsed}
	}
	return Outcome{Err: err, Elapsed: elapsed}
}

// report feeds the outcome into the controller. Faults are swallowed here;
// they never reach the dispatch loop.
func (e *Executor) report(task *AgentTask, outcome Outcome) {
	switch {
	case outcome.Err != nil && errors.Is(outcome.Err, context.Canceled):
		// Shutdown cancellation is not an agent fault.
		e.log.Debug().
			Str("agent", task.AgentID).
			Str("task_type", task.TaskType).
			Msg("Task cancelled during shutdown")
	case outcome.TimedOut:
		e.controller.UpdateTimeout(task.AgentID, task.TaskType)
		e.log.Warn().
			Str("agent", task.AgentID).
			Str("task_type", task.TaskType).
			Str("task_id", task.ID).
			Dur("timeout", task.Timeout).
			Msg("Task timed out")
	case outcome.Err != nil:
		e.controller.UpdateError(task.AgentID, task.TaskType, outcome.Err.Error())
		e.log.Error().
			Err(outcome.Err).
			Str("agent", task.AgentID).
			Str("task_type", task.TaskType).
			Str("task_id", task.ID).
			Msg("Task failed")
	default:
		e.controller.UpdateExecutionTime(task.AgentID, task.TaskType, outcome.Elapsed)
		e.log.Debug().
			Str("agent", task.AgentID).
			Str("task_type", task.TaskType).
			Dur("elapsed", outcome.Elapsed).
			Msg("Task completed")
	}
}

// rescheduleCycle enqueues the next iteration at the controller's interval.
// A failed iteration still reschedules; backoff comes from the interval.
func (e *Executor) rescheduleCycle(task *AgentTask) {
	e.mu.Lock()
	active := e.cycles[task.AgentID] && e.started
	e.mu.Unlock()
	if !active {
		return
	}

	interval := e.controller.CalculateInterval(task.AgentID, CycleTaskType, task.agent.BaseInterval())
	e.enqueueCycle(task.agent, task.Priority, interval)
}

// healthLoop periodically logs queue health for operators.
func (e *Executor) healthLoop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			stats := e.Stats()
			e.log.Debug().
				Int("queued", stats.Queued).
				Int("in_flight", stats.InFlight).
				Int("agents", stats.Agents).
				Msg("Executor health check")
			e.flagStaleTasks()
		}
	}
}

// flagStaleTasks warns about tasks still marked running well past their
// timeout. The timeout context should have reaped them; a stale entry means
// a task body is ignoring cancellation.
func (e *Executor) flagStaleTasks() {
	now := time.Now()
	e.mu.Lock()
	for _, task := range e.running {
		if now.Sub(task.StartedAt) > task.Timeout+healthCheckInterval {
			e.log.Warn().
				Str("agent", task.AgentID).
				Str("task_type", task.TaskType).
				Str("task_id", task.ID).
				Dur("running_for", now.Sub(task.StartedAt)).
				Msg("Task running past its timeout, body is ignoring cancellation")
		}
	}
	e.mu.Unlock()
}

// RunningTasks returns a snapshot of in-flight task IDs for introspection.
func (e *Executor) RunningTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports executor and nested component state.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	running := e.started
	queued := len(e.pending) + len(e.ready)
	inFlight := len(e.running)
	e.mu.Unlock()

	stats := Stats{
		Running:    running,
		Queued:     queued,
		InFlight:   inFlight,
		Pool:       e.pool.Stats(),
		Controller: e.controller.Stats(),
	}
	stats.Agents = stats.Controller.AgentsTracked
	if e.cacheStats != nil {
		cs := e.cacheStats.Stats()
		stats.Cache = &cs
	}
	return stats
}

// HealthCheck reports the pool's health surface.
func (e *Executor) HealthCheck() respool.Health {
	return e.pool.HealthCheck()
}
