package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueuePollSubmit(t *testing.T) {
	b := New[string, string]("test")

	ticket := b.Enqueue("read", "C:\\test.txt", "")
	if ticket.ID == "" {
		t.Fatal("expected non-empty ticket id")
	}

	op, ok := b.Poll(nil)
	if !ok {
		t.Fatal("expected a pending operation")
	}
	if op.ID != ticket.ID || op.Kind != "read" || op.Target != "C:\\test.txt" {
		t.Errorf("unexpected operation: %+v", op)
	}
	if op.Status != StatusDispatched {
		t.Errorf("expected dispatched snapshot, got %s", op.Status)
	}
	if got := b.Status(ticket.ID); got != StatusDispatched {
		t.Errorf("expected stored status dispatched, got %q", got)
	}

	if !b.Submit(ticket.ID, "done") {
		t.Fatal("expected submit to match")
	}

	res, err := ticket.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res != "done" {
		t.Errorf("expected 'done', got %q", res)
	}
	if b.Len() != 0 {
		t.Errorf("expected no live operations, got %d", b.Len())
	}
	if _, ok := b.Get(ticket.ID); ok {
		t.Error("expected operation to be removed after submit")
	}
}

func TestPollFIFO(t *testing.T) {
	b := New[string, string]("test")

	a := b.Enqueue("read", "a", "")
	c := b.Enqueue("list", "b", "")

	first, ok := b.Poll(nil)
	if !ok || first.ID != a.ID {
		t.Fatalf("expected first poll to return A, got %+v", first)
	}
	second, ok := b.Poll(nil)
	if !ok || second.ID != c.ID {
		t.Fatalf("expected second poll to return B, got %+v", second)
	}
	if _, ok := b.Poll(nil); ok {
		t.Error("expected no more pending operations")
	}
}

func TestPollSkipsDispatched(t *testing.T) {
	b := New[string, string]("test")

	b.Enqueue("read", "a", "")
	b.Poll(nil)
	second := b.Enqueue("list", "b", "")

	op, ok := b.Poll(nil)
	if !ok {
		t.Fatal("expected pending operation")
	}
	if op.ID != second.ID {
		t.Errorf("expected second operation, got %s", op.ID)
	}
}

func TestPollEmpty(t *testing.T) {
	b := New[string, string]("test")
	if _, ok := b.Poll(nil); ok {
		t.Error("expected no operation from empty broker")
	}
}

func TestPollMatch(t *testing.T) {
	b := New[string, bool]("test")

	b.Enqueue("Write", "session1", "x")
	other := b.Enqueue("Write", "session2", "y")

	op, ok := b.Poll(func(op Operation[string]) bool { return op.Target == "session2" })
	if !ok || op.ID != other.ID {
		t.Fatalf("expected session2 operation, got %+v", op)
	}
	if _, ok := b.Poll(func(op Operation[string]) bool { return op.Target == "session2" }); ok {
		t.Error("expected no further session2 operation")
	}
	if _, ok := b.Poll(func(op Operation[string]) bool { return op.Target == "session1" }); !ok {
		t.Error("expected session1 operation to remain pending")
	}
}

func TestSubmitIdempotent(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("read", "a", "")

	if b.Submit("", "x") {
		t.Error("empty id must not match")
	}
	if b.Submit("never-enqueued", "x") {
		t.Error("unknown id must not match")
	}
	if !b.Submit(ticket.ID, "first") {
		t.Fatal("first submit should match")
	}
	if b.Submit(ticket.ID, "second") {
		t.Error("duplicate submit must not match")
	}

	res, err := ticket.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res != "first" {
		t.Errorf("expected first result to win, got %q", res)
	}
}

func TestSubmitBeforePollRemovesFromQueue(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("read", "a", "")

	if !b.Submit(ticket.ID, "early") {
		t.Fatal("expected submit to match")
	}
	if _, ok := b.Poll(nil); ok {
		t.Error("resolved operation must not be offered to pollers")
	}
}

func TestWaitTimeout(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("list", "C:\\", "")

	start := time.Now()
	_, err := ticket.Wait(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 90*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout fired after %v", elapsed)
	}
	// Timeout leaves the operation in place; only submit purges it.
	if b.Len() != 1 {
		t.Errorf("expected operation to survive timeout, got %d live", b.Len())
	}
	if !b.Submit(ticket.ID, "late") {
		t.Error("late submit should still consume the operation")
	}
	if b.Len() != 0 {
		t.Errorf("expected late submit to purge, got %d live", b.Len())
	}
}

func TestWaitContextCancel(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("read", "a", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ticket.Wait(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWaitForByID(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("read", "a", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Submit(ticket.ID, "ok")
	}()

	res, err := b.WaitFor(context.Background(), ticket.ID, time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res != "ok" {
		t.Errorf("expected 'ok', got %q", res)
	}

	if _, err := b.WaitFor(context.Background(), "missing", time.Second); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestSweepRemovesAbandoned(t *testing.T) {
	b := New[string, string]("test")

	abandoned := b.Enqueue("read", "a", "")
	live := b.Enqueue("read", "b", "")

	if _, err := abandoned.Wait(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	if n := b.Sweep(time.Now()); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, ok := b.Get(abandoned.ID); ok {
		t.Error("expected abandoned operation to be swept")
	}
	if _, ok := b.Get(live.ID); !ok {
		t.Error("expected listened-to operation to survive sweep")
	}
	if b.Submit(abandoned.ID, "late") {
		t.Error("submit after sweep must be a no-op")
	}

	op, ok := b.Poll(nil)
	if !ok || op.ID != live.ID {
		t.Errorf("expected only the live operation to be pollable, got %+v", op)
	}
}

func TestSweepHonoursCutoff(t *testing.T) {
	b := New[string, string]("test")
	ticket := b.Enqueue("read", "a", "")
	ticket.Wait(context.Background(), time.Millisecond)

	if n := b.Sweep(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("expected nothing swept before cutoff, got %d", n)
	}
}

func TestConcurrentPollersNeverShareOperation(t *testing.T) {
	b := New[int, int]("test")

	const total = 200
	for i := 0; i < total; i++ {
		b.Enqueue("op", "", i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				op, ok := b.Poll(nil)
				if !ok {
					return
				}
				mu.Lock()
				seen[op.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct operations, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("operation %s dispatched %d times", id, n)
		}
	}
}

func TestConcurrentSubmitSingleWinner(t *testing.T) {
	b := New[string, int]("test")
	ticket := b.Enqueue("op", "", "")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if b.Submit(ticket.ID, v) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning submit, got %d", wins)
	}
}

func TestObserverEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []EventType
	)
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
		if e.Queue != "files" {
			t.Errorf("expected queue 'files', got %q", e.Queue)
		}
	})

	b := New[string, string]("files", WithObserver(obs))
	ticket := b.Enqueue("read", "a", "")
	b.Poll(nil)
	b.Submit(ticket.ID, "x")

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventEnqueued, EventDispatched, EventCompleted}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestSnapshotOrder(t *testing.T) {
	b := New[string, string]("test")
	ids := []string{
		b.Enqueue("a", "", "").ID,
		b.Enqueue("b", "", "").ID,
		b.Enqueue("c", "", "").ID,
	}
	b.Poll(nil)

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(snap))
	}
	for i, op := range snap {
		if op.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], op.ID)
		}
	}
	if snap[0].Status != StatusDispatched || snap[1].Status != StatusPending {
		t.Errorf("unexpected statuses: %s, %s", snap[0].Status, snap[1].Status)
	}
}
