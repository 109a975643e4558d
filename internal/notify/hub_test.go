package notify

import (
	"testing"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/broker"
)

func waitForClients(h *Hub, n int) bool {
	for i := 0; i < 100; i++ {
		if h.ClientCount() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func receive(t *testing.T, ch chan Wake) (Wake, bool) {
	t.Helper()
	select {
	case w, ok := <-ch:
		return w, ok
	case <-time.After(time.Second):
		return Wake{}, false
	}
}

func TestHubBroadcastsEnqueues(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	a := make(chan Wake, 4)
	b := make(chan Wake, 4)
	hub.Register(&Subscriber{Out: a})
	hub.Register(&Subscriber{Out: b})
	if !waitForClients(hub, 2) {
		t.Fatal("clients did not register")
	}

	hub.Observe(broker.Event{Queue: "files", Type: broker.EventEnqueued, ID: "1"})

	for name, ch := range map[string]chan Wake{"a": a, "b": b} {
		w, ok := receive(t, ch)
		if !ok {
			t.Fatalf("%s: expected wake", name)
		}
		if w.Type != "wake" || w.Queue != "files" {
			t.Errorf("%s: unexpected wake %+v", name, w)
		}
	}
}

func TestHubIgnoresOtherEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	ch := make(chan Wake, 4)
	hub.Register(&Subscriber{Out: ch})
	waitForClients(hub, 1)

	hub.Observe(broker.Event{Queue: "files", Type: broker.EventDispatched})
	hub.Observe(broker.Event{Queue: "files", Type: broker.EventCompleted})

	select {
	case w := <-ch:
		t.Errorf("unexpected wake %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubApprovalWakesAreSessionScoped(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	mine := make(chan Wake, 4)
	other := make(chan Wake, 4)
	unscoped := make(chan Wake, 4)
	hub.Register(&Subscriber{SessionID: "session1", Out: mine})
	hub.Register(&Subscriber{SessionID: "session2", Out: other})
	hub.Register(&Subscriber{Out: unscoped})
	waitForClients(hub, 3)

	hub.Observe(broker.Event{Queue: "approvals", Type: broker.EventEnqueued, Target: "session1"})

	if w, ok := receive(t, mine); !ok || w.SessionID != "session1" {
		t.Errorf("session1 subscriber expected wake, got %+v", w)
	}
	if _, ok := receive(t, unscoped); !ok {
		t.Error("unscoped subscriber expected wake")
	}
	select {
	case w := <-other:
		t.Errorf("session2 subscriber must not be woken, got %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubFullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	ch := make(chan Wake, 1)
	hub.Register(&Subscriber{Out: ch})
	waitForClients(hub, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Observe(broker.Event{Queue: "commands", Type: broker.EventEnqueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
}

func TestHubUnregisterAndStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := make(chan Wake, 1)
	b := make(chan Wake, 1)
	hub.Register(&Subscriber{Out: a})
	hub.Register(&Subscriber{Out: b})
	waitForClients(hub, 2)

	hub.Unregister(a)
	if _, ok := receive(t, a); ok {
		t.Error("unregistered channel should be closed")
	}

	hub.Stop()
	if _, ok := receive(t, b); ok {
		t.Error("stop should close remaining channels")
	}
	if hub.Register(&Subscriber{Out: make(chan Wake)}) {
		t.Error("register after stop must fail")
	}
}
