package gateway

import (
	"encoding/json"
	"sync"
)

// Event is a server pushed event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// EventHandler receives events on the connection's read goroutine and must
// not block.
type EventHandler func(Event)

type listener struct {
	id uint64
	fn EventHandler
}

// listenerRegistry keeps handlers per event name in registration order.
type listenerRegistry struct {
	mu      sync.Mutex
	next    uint64
	byEvent map[string][]listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byEvent: make(map[string][]listener)}
}

func (r *listenerRegistry) add(event string, fn EventHandler) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.byEvent[event] = append(r.byEvent[event], listener{id, fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(event, id) })
	}
}

func (r *listenerRegistry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byEvent[event]
	for i, l := range list {
		if l.id == id {
			// copy so snapshots handed out earlier stay intact
			next := make([]listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.byEvent, event)
			} else {
				r.byEvent[event] = next
			}
			return
		}
	}
}

func (r *listenerRegistry) snapshot(event string) []listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEvent[event]
}

func (r *listenerRegistry) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEvent[event])
}
