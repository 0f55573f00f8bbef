package streamclient

import "sync"

// EventKind identifies a client lifecycle event.
type EventKind string

const (
	EventSessionRevoked     EventKind = "session-revoked"
	EventLimitExceeded      EventKind = "limit-exceeded"
	EventConnectionLost     EventKind = "connection-lost"
	EventReconnected        EventKind = "reconnected"
	EventReconnectionFailed EventKind = "reconnection-failed"
)

// Event is the tagged payload delivered to subscribers. Slug is set for
// the per-content events (session-revoked, limit-exceeded); Err is set
// for connection-lost and reconnection-failed.
type Event struct {
	Kind EventKind
	Slug string
	Err  error
}

type subscription struct {
	id int
	fn func(Event)
}

// Dispatcher fans out typed lifecycle events to any number of
// subscribers, decoupling the connection and token layers from UI code.
// Delivery is synchronous, in subscription order.
type Dispatcher struct {
	mu   sync.Mutex
	next int
	subs map[EventKind][]subscription
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[EventKind][]subscription)}
}

// On registers fn for the given event kind and returns an unsubscribe
// func. Unsubscribing twice is harmless.
func (d *Dispatcher) On(kind EventKind, fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.subs[kind] = append(d.subs[kind], subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.subs[kind]
		for i, sub := range list {
			if sub.id == id {
				d.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (d *Dispatcher) emit(ev Event) {
	d.mu.Lock()
	list := make([]subscription, len(d.subs[ev.Kind]))
	copy(list, d.subs[ev.Kind])
	d.mu.Unlock()
	for _, sub := range list {
		sub.fn(ev)
	}
}
