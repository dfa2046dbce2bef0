package adapter

import (
	"sync"
	"time"
)

// Emitter is the event fan-out shared by adapter implementations. Events
// are delivered to listeners in registration order, synchronously from the
// emitting goroutine, so per-producer ordering is preserved.
type Emitter struct {
	deviceID string

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewEmitter creates an emitter for the given device.
func NewEmitter(deviceID string) *Emitter {
	return &Emitter{
		deviceID:  deviceID,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its removal function.
func (e *Emitter) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers an event to every listener.
func (e *Emitter) Emit(eventType EventType, mutate func(*Event)) {
	ev := Event{
		Type:     eventType,
		DeviceID: e.deviceID,
		At:       time.Now(),
	}
	if mutate != nil {
		mutate(&ev)
	}

	e.mu.Lock()
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
