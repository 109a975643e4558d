package broker

import "time"

// EventType names a broker state change.
type EventType string

const (
	EventEnqueued   EventType = "enqueued"
	EventDispatched EventType = "dispatched"
	EventCompleted  EventType = "completed"
	EventTimedOut   EventType = "timed_out"
	EventSwept      EventType = "swept"
)

// Event describes one state change of one operation.
type Event struct {
	Queue  string    `json:"queue"`
	Type   EventType `json:"type"`
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
}

// Observer receives broker events. Observe is called without any broker lock
// held but on the caller's goroutine, so it must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
