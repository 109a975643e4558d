package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// waiter is a single-assignment result slot. The first resolve wins; later
// calls are ignored.
type waiter[R any] struct {
	done   chan struct{}
	once   sync.Once
	result R

	// unix nanos of the last time a listener gave up, 0 while listened to
	gaveUp atomic.Int64
}

func newWaiter[R any]() *waiter[R] {
	return &waiter[R]{done: make(chan struct{})}
}

func (w *waiter[R]) resolve(r R) bool {
	resolved := false
	w.once.Do(func() {
		w.result = r
		close(w.done)
		resolved = true
	})
	return resolved
}

func (w *waiter[R]) listen() {
	w.gaveUp.Store(0)
}

func (w *waiter[R]) abandon(at time.Time) {
	w.gaveUp.Store(at.UnixNano())
}

func (w *waiter[R]) abandonedAt() (time.Time, bool) {
	n := w.gaveUp.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
