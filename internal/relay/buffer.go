package relay

import (
	"sync"

	"github.com/quietwire/server/internal/protocol"
)

// Queue holds per-recipient FIFO buffers of outbound events awaiting a
// live connection. Drain removes a recipient's slice atomically, so a
// concurrent enqueue lands either in the drained batch or in a fresh
// buffer for the next flush, never in both.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]protocol.ServerEvent
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string][]protocol.ServerEvent)}
}

// Enqueue appends an event to the recipient's buffer.
func (q *Queue) Enqueue(recipient string, evt protocol.ServerEvent) {
	q.mu.Lock()
	q.pending[recipient] = append(q.pending[recipient], evt)
	q.mu.Unlock()
}

// Drain removes and returns the recipient's buffered events in arrival
// order. Returns nil when nothing is pending.
func (q *Queue) Drain(recipient string) []protocol.ServerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	evts := q.pending[recipient]
	delete(q.pending, recipient)
	return evts
}

// Len reports how many events are pending for the recipient.
func (q *Queue) Len(recipient string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[recipient])
}
