package bus

import (
	"strings"
	"sync"
)

// Bus is the in-process publish/subscribe conduit between the relay
// pipeline and its observers (metrics, tests). Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling a
// connection goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Non-blocking; full subscribers drop the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in all event kinds starting with prefix
// (the empty prefix matches everything). Returns the receive channel
// and an unsubscribe function. Unsubscribing closes the channel; the
// write lock guarantees no publish is mid-send at that point.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
