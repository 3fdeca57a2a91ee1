package tasks

import (
	"context"
	"sync"
	"time"
)

// waiterRegistry hands out one-shot delivery signals per task. The
// channel is created lazily on the first waiter and closed exactly
// once when the result lands, waking every waiter at once. Entries are
// refcounted so a task nobody waits on anymore leaves nothing behind.
type waiterRegistry struct {
	mu      sync.Mutex
	entries map[string]*waiterEntry
}

type waiterEntry struct {
	ch      chan struct{}
	waiters int
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{entries: make(map[string]*waiterEntry)}
}

func (w *waiterRegistry) acquire(taskID string) *waiterEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[taskID]
	if !ok {
		e = &waiterEntry{ch: make(chan struct{})}
		w.entries[taskID] = e
	}
	e.waiters++
	return e
}

func (w *waiterRegistry) release(taskID string, e *waiterEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.waiters--
	// Fire may already have replaced or removed the entry.
	if e.waiters == 0 && w.entries[taskID] == e {
		delete(w.entries, taskID)
	}
}

// Wait blocks until the task's signal fires, the timeout lapses or the
// context ends. Returns true when the signal fired.
func (w *waiterRegistry) Wait(ctx context.Context, taskID string, d time.Duration) bool {
	e := w.acquire(taskID)
	defer w.release(taskID, e)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fire wakes all waiters for a task. Safe to call with no waiters.
func (w *waiterRegistry) Fire(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[taskID]; ok {
		close(e.ch)
		delete(w.entries, taskID)
	}
}

func (w *waiterRegistry) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
