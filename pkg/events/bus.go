package events

import (
	"fmt"
	"sync"

	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// Listener receives published events. It is called synchronously on the
// publishing goroutine and must not block.
type Listener func(Event)

// Bus dispatches events to listeners in subscription order
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []subscription
	logger    logging.Logger
}

type subscription struct {
	id       int
	listener Listener
}

func NewBus(logger logging.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a listener and returns a function that removes it
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, listener: listener})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.listeners {
			if sub.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every listener. A panicking listener is logged and
// does not prevent delivery to the others.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	listeners := make([]subscription, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, sub := range listeners {
		b.deliver(sub.listener, ev)
	}
}

func (b *Bus) deliver(listener Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Event listener panicked, kind: %s, panic: %v", ev.Kind(), fmt.Sprint(r))
		}
	}()
	listener(ev)
}
