package respool

import (
	"context"
	"sync"
	"time"
)

// rateWindow implements a sliding-window rate limit for one named API.
// It keeps the timestamps of recent requests; a request admits immediately
// while fewer than limit timestamps fall inside the trailing window, and
// otherwise blocks until the oldest timestamp exits the window.
type rateWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	window     time.Duration
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

// prune drops timestamps that have left the trailing window.
// Caller must hold w.mu.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// acquire blocks until a slot frees inside the window, then records the
// request. It never fails for rate-limit reasons; only context cancellation
// aborts the wait.
func (w *rateWindow) acquire(ctx context.Context, limit int) error {
	for {
		w.mu.Lock()
		now := time.Now()
		w.prune(now)
		if len(w.timestamps) < limit {
			w.timestamps = append(w.timestamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.timestamps[0].Add(w.window).Sub(now)
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// depth returns how many requests currently occupy the window.
func (w *rateWindow) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.timestamps)
}
