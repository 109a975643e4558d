// Package broker correlates work handed to a remote poller with the callers
// waiting on its outcome.
//
// A caller enqueues an operation and blocks on its ticket. The remote side
// polls for the oldest pending operation, runs it, and submits a result that
// wakes the caller. The remote side is never reachable directly; everything
// flows through Poll and Submit.
package broker

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout          = errors.New("operation timed out")
	ErrUnknownOperation = errors.New("operation not found")
)

// Status is the dispatch state of an operation. It only moves forward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
)

// Operation is one unit of work offered to the remote poller.
type Operation[P any] struct {
	ID           string
	Kind         string
	Target       string
	Payload      P
	Status       Status
	CreatedAt    time.Time
	DispatchedAt time.Time

	seq uint64
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	observers []Observer
	now       func() time.Time
}

// WithObserver registers observers notified of every state change.
func WithObserver(obs ...Observer) Option {
	return func(o *options) {
		for _, ob := range obs {
			if ob != nil {
				o.observers = append(o.observers, ob)
			}
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Broker tracks pending operations of payload type P and the waiters
// expecting a result of type R.
type Broker[P, R any] struct {
	queue     string
	observers []Observer
	now       func() time.Time

	mu      sync.Mutex
	seq     uint64
	ops     map[string]*Operation[P]
	waiters map[string]*waiter[R]
	order   []string // ids still pending, oldest first
}

// New creates a broker. The queue name tags events emitted to observers.
func New[P, R any](queue string, opts ...Option) *Broker[P, R] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[P, R]{
		queue:     queue,
		observers: o.observers,
		now:       o.now,
		ops:       make(map[string]*Operation[P]),
		waiters:   make(map[string]*waiter[R]),
	}
}

// Queue returns the name this broker was created with.
func (b *Broker[P, R]) Queue() string {
	return b.queue
}

// Ticket is the caller's handle on an enqueued operation. Waiting on the
// ticket observes the result even if it was submitted before Wait was called.
type Ticket[P, R any] struct {
	ID string

	broker *Broker[P, R]
	waiter *waiter[R]
}

// Wait blocks until the result arrives, the timeout elapses or ctx is done.
// A timeout of zero or less waits on ctx alone.
func (t *Ticket[P, R]) Wait(ctx context.Context, timeout time.Duration) (R, error) {
	return t.broker.await(ctx, t.ID, t.waiter, timeout)
}

// Enqueue registers a pending operation and returns immediately.
func (b *Broker[P, R]) Enqueue(kind, target string, payload P) *Ticket[P, R] {
	id := uuid.New().String()
	w := newWaiter[R]()
	now := b.now()

	b.mu.Lock()
	b.seq++
	op := &Operation[P]{
		ID:        id,
		Kind:      kind,
		Target:    target,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		seq:       b.seq,
	}
	b.ops[id] = op
	b.waiters[id] = w
	b.order = append(b.order, id)
	b.mu.Unlock()

	b.emit(EventEnqueued, id, kind, target)
	return &Ticket[P, R]{ID: id, broker: b, waiter: w}
}

// Poll hands out the oldest pending operation accepted by match (nil accepts
// all) and marks it dispatched. The returned value is a copy.
func (b *Broker[P, R]) Poll(match func(Operation[P]) bool) (Operation[P], bool) {
	b.mu.Lock()
	for i, id := range b.order {
		op := b.ops[id]
		if match != nil && !match(*op) {
			continue
		}
		op.Status = StatusDispatched
		op.DispatchedAt = b.now()
		b.order = slices.Delete(b.order, i, i+1)
		snap := *op
		b.mu.Unlock()

		b.emit(EventDispatched, snap.ID, snap.Kind, snap.Target)
		return snap, true
	}
	b.mu.Unlock()

	var zero Operation[P]
	return zero, false
}

// Submit delivers the result for id and forgets the operation. It reports
// whether a waiter was found; unknown, empty and repeated ids are ignored.
func (b *Broker[P, R]) Submit(id string, result R) bool {
	if id == "" {
		return false
	}

	b.mu.Lock()
	w, ok := b.waiters[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	op := b.ops[id]
	b.removeLocked(id, op)
	b.mu.Unlock()

	w.resolve(result)
	if op != nil {
		b.emit(EventCompleted, id, op.Kind, op.Target)
	}
	return true
}

// WaitFor waits on a live operation by id. Prefer Ticket.Wait, which cannot
// miss a result submitted before the wait starts.
func (b *Broker[P, R]) WaitFor(ctx context.Context, id string, timeout time.Duration) (R, error) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	b.mu.Unlock()
	if !ok {
		var zero R
		return zero, ErrUnknownOperation
	}
	return b.await(ctx, id, w, timeout)
}

func (b *Broker[P, R]) await(ctx context.Context, id string, w *waiter[R], timeout time.Duration) (R, error) {
	w.listen()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-w.done:
		return w.result, nil
	case <-expired:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	// A result that raced the timer still wins.
	select {
	case <-w.done:
		return w.result, nil
	default:
	}

	w.abandon(b.now())
	if op, ok := b.Get(id); ok {
		b.emit(EventTimedOut, id, op.Kind, op.Target)
	}
	var zero R
	return zero, err
}

// Get returns a copy of a live operation.
func (b *Broker[P, R]) Get(id string) (Operation[P], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	op, ok := b.ops[id]
	if !ok {
		var zero Operation[P]
		return zero, false
	}
	return *op, true
}

// Status returns the status of a live operation, or "" if none exists.
func (b *Broker[P, R]) Status(id string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if op, ok := b.ops[id]; ok {
		return op.Status
	}
	return ""
}

// Len returns the number of live operations, pending or dispatched.
func (b *Broker[P, R]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Snapshot returns copies of all live operations in enqueue order.
func (b *Broker[P, R]) Snapshot() []Operation[P] {
	b.mu.Lock()
	out := make([]Operation[P], 0, len(b.ops))
	for _, op := range b.ops {
		out = append(out, *op)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Sweep drops operations whose waiter gave up at or before cutoff and
// returns how many were removed. A later Submit for a swept id is a no-op.
func (b *Broker[P, R]) Sweep(cutoff time.Time) int {
	var swept []Operation[P]

	b.mu.Lock()
	for id, w := range b.waiters {
		at, ok := w.abandonedAt()
		if !ok || at.After(cutoff) {
			continue
		}
		op := b.ops[id]
		b.removeLocked(id, op)
		if op != nil {
			swept = append(swept, *op)
		}
	}
	b.mu.Unlock()

	for _, op := range swept {
		b.emit(EventSwept, op.ID, op.Kind, op.Target)
	}
	return len(swept)
}

// removeLocked deletes id from every index. Caller holds b.mu.
func (b *Broker[P, R]) removeLocked(id string, op *Operation[P]) {
	delete(b.waiters, id)
	delete(b.ops, id)
	if op != nil && op.Status == StatusPending {
		if i := slices.Index(b.order, id); i >= 0 {
			b.order = slices.Delete(b.order, i, i+1)
		}
	}
}

func (b *Broker[P, R]) emit(typ EventType, id, kind, target string) {
	if len(b.observers) == 0 {
		return
	}
	ev := Event{
		Queue:  b.queue,
		Type:   typ,
		ID:     id,
		Kind:   kind,
		Target: target,
		At:     b.now(),
	}
	for _, o := range b.observers {
		o.Observe(ev)
	}
}
