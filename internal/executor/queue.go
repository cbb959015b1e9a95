package executor

import "container/heap"

// readyHeap orders dispatchable tasks by priority, FIFO within a priority.
// heap operations keep insertion logarithmic in queue depth.
type readyHeap []*AgentTask

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(*AgentTask))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// pendingHeap orders delayed tasks by the time they become ready.
type pendingHeap []*AgentTask

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	return h[i].ReadyAt.Before(h[j].ReadyAt)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*AgentTask))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

var (
	_ heap.Interface = (*readyHeap)(nil)
	_ heap.Interface = (*pendingHeap)(nil)
)
