// Package notify fans broker activity out to connected agents so they can
// poll right away instead of waiting for their next tick.
package notify

import (
	"sync"

	"github.com/hyper-ai-inc/pullbroker/internal/broker"
)

// Wake tells an agent that a queue has new work.
type Wake struct {
	Type      string `json:"type"`
	Queue     string `json:"queue"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscriber is one connected agent. Approval wakes are delivered only when
// SessionID is empty or matches the approval's session.
type Subscriber struct {
	SessionID string
	Out       chan Wake
}

// Hub broadcasts wakes to subscribers. Run must be running for Register and
// Unregister to complete.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Wake]*Subscriber

	register   chan *Subscriber
	unregister chan chan Wake
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Wake]*Subscriber),
		register:   make(chan *Subscriber),
		unregister: make(chan chan Wake),
		stop:       make(chan struct{}),
	}
}

// Run processes registrations until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.Out] = sub
			h.mu.Unlock()

		case out := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[out]; ok {
				delete(h.clients, out)
				close(out)
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for out := range h.clients {
				close(out)
				delete(h.clients, out)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a subscriber. It returns false once the hub is stopped.
func (h *Hub) Register(sub *Subscriber) bool {
	select {
	case h.register <- sub:
		return true
	case <-h.stop:
		return false
	}
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(out chan Wake) {
	select {
	case h.unregister <- out:
	case <-h.stop:
	}
}

// Stop shuts the hub down and closes every subscriber channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Observe implements broker.Observer. Only enqueues produce a wake.
func (h *Hub) Observe(e broker.Event) {
	if e.Type != broker.EventEnqueued {
		return
	}
	w := Wake{Type: "wake", Queue: e.Queue}
	if e.Queue == "approvals" {
		w.SessionID = e.Target
	}
	h.broadcast(w)
}

// broadcast never blocks; a subscriber with a full buffer already has a
// wake pending.
func (h *Hub) broadcast(w Wake) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for out, sub := range h.clients {
		if w.SessionID != "" && sub.SessionID != "" && sub.SessionID != w.SessionID {
			continue
		}
		select {
		case out <- w:
		default:
		}
	}
}
