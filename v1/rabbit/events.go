package rabbit

import (
	"sort"
	"sync"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventTypeConnect        EventType = "connect"
	EventTypeDisconnect     EventType = "disconnect"
	EventTypeChannelConnect EventType = "channel:connect"
	EventTypeChannelError   EventType = "channel:error"
	EventTypeChannelClose   EventType = "channel:close"
)

// Event is one of EventConnect, EventDisconnect, EventChannelConnect,
// EventChannelError or EventChannelClose.
type Event interface {
	Type() EventType
}

// EventConnect is emitted when a connection is established.
type EventConnect struct {
	// Endpoint is the redacted URL that accepted the connection.
	Endpoint string
}

// EventDisconnect is emitted when an established connection is lost. It is
// not emitted for Close.
type EventDisconnect struct {
	Err error
}

// EventChannelConnect is emitted when the channel reaches Ready.
type EventChannelConnect struct{}

// EventChannelError is emitted for every failed channel setup attempt.
type EventChannelError struct {
	Err error
	// Name is the failed step, e.g. "exchange:ex-1" or "binding:ex-1->q-1:key".
	Name string
}

// EventChannelClose is emitted when a channel is torn down: a Ready channel
// that was lost, or a failed setup attempt right after its EventChannelError.
type EventChannelClose struct {
	Err error
}

func (EventConnect) Type() EventType        { return EventTypeConnect }
func (EventDisconnect) Type() EventType     { return EventTypeDisconnect }
func (EventChannelConnect) Type() EventType { return EventTypeChannelConnect }
func (EventChannelError) Type() EventType   { return EventTypeChannelError }
func (EventChannelClose) Type() EventType   { return EventTypeChannelClose }

// Listener receives events. Listeners run synchronously on the supervisor
// goroutine and must not block for long.
type Listener func(Event)

type eventBus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventType]map[uint64]Listener
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[EventType]map[uint64]Listener)}
}

func (b *eventBus) on(t EventType, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[uint64]Listener)
	}
	b.listeners[t][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[t], id)
		})
	}
}

// emit calls the listeners of e's type in registration order, without
// holding the bus lock.
func (b *eventBus) emit(e Event) {
	b.mu.RLock()
	registered := b.listeners[e.Type()]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Listener, len(ids))
	for i, id := range ids {
		snapshot[i] = registered[id]
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		l(e)
	}
}

// emit delivers e on the supervisor goroutine. While listeners run, Close
// must not wait for that goroutine to exit.
func (rb *RabbitClient) emit(e Event) {
	rb.listening.Add(1)
	defer rb.listening.Add(-1)
	rb.events.emit(e)
}

// On registers l for events of type t and returns a function that removes it.
func (rb *RabbitClient) On(t EventType, l Listener) (unsubscribe func()) {
	return rb.events.on(t, l)
}

// OnConnect registers fn for connect events.
func (rb *RabbitClient) OnConnect(fn func(endpoint string)) (unsubscribe func()) {
	return rb.On(EventTypeConnect, func(e Event) {
		fn(e.(EventConnect).Endpoint)
	})
}

// OnDisconnect registers fn for disconnect events.
func (rb *RabbitClient) OnDisconnect(fn func(err error)) (unsubscribe func()) {
	return rb.On(EventTypeDisconnect, func(e Event) {
		fn(e.(EventDisconnect).Err)
	})
}
