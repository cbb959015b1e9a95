package respool

import (
	"context"
	"sync"
)

// inflightCall is one pending request shared by every caller of the same key.
// done is closed exactly once when the first caller's fetch resolves.
type inflightCall struct {
	done chan struct{}
	val  interface{}
	err  error
}

// inflightTable de-duplicates concurrent requests by key: the first caller
// executes fn, later callers for the same key block on the same result.
// The entry is removed once resolved, so a later request fetches fresh.
type inflightTable struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

func newInflightTable() *inflightTable {
	return &inflightTable{calls: make(map[string]*inflightCall)}
}

// do executes fn once per key among concurrent callers and broadcasts the
// result. shared reports whether this caller received another call's result.
// A waiter may abandon the shared fetch through ctx; the fetch itself keeps
// running for the remaining callers.
func (t *inflightTable) do(ctx context.Context, key string, fn func() (interface{}, error)) (val interface{}, err error, shared bool) {
	t.mu.Lock()
	if call, ok := t.calls[key]; ok {
		t.mu.Unlock()
		select {
		case <-call.done:
			return call.val, call.err, true
		case <-ctx.Done():
			return nil, ctx.Err(), true
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	t.calls[key] = call
	t.mu.Unlock()

	call.val, call.err = fn()

	t.mu.Lock()
	delete(t.calls, key)
	t.mu.Unlock()
	close(call.done)

	return call.val, call.err, false
}
