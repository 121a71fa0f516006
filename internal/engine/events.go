package engine

import "time"

// Event represents an engine lifecycle event.
// Minimal and stable: name + handle ID and optional fields via key/values.
type Event struct {
	Name     string         `json:"name"`
	HandleID string         `json:"handle_id,omitempty"`
	Time     time.Time      `json:"time"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// EventPublisher receives events from the engine. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MultiPublisher fans an event out to several publishers in order.
type MultiPublisher []EventPublisher

func (mp MultiPublisher) Publish(e Event) {
	for _, p := range mp {
		if p != nil {
			p.Publish(e)
		}
	}
}

func (e *Engine) publish(name, handleID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	e.publisher.Publish(Event{Name: name, HandleID: handleID, Time: time.Now(), Fields: fields})
}
