package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/protocol"
)

// Pusher is the write side of a live connection. Push must be safe for
// concurrent use; Close must be idempotent.
type Pusher interface {
	Push(evt protocol.ServerEvent) error
	Close() error
}

// Entry is one live identified connection. Done is closed when the
// entry leaves the registry, which stops its announce loop.
type Entry struct {
	Identifier string
	Username   string
	Conn       Pusher

	done     chan struct{}
	doneOnce sync.Once
}

// Done returns a channel closed when the entry is removed or replaced.
func (e *Entry) Done() <-chan struct{} { return e.done }

func (e *Entry) cancel() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Registry maps identifiers to their single live connection. A second
// identify for the same identifier supersedes the first: last writer
// wins, the old connection is cancelled and closed.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		log:     log.Named("registry"),
	}
}

// Set binds a connection to an identifier and returns the new entry.
// Any previous entry for the identifier is cancelled before the new one
// becomes visible, and its connection is closed.
func (r *Registry) Set(identifier, username string, conn Pusher) *Entry {
	entry := &Entry{
		Identifier: identifier,
		Username:   username,
		Conn:       conn,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.entries[identifier]
	if prev != nil {
		prev.cancel()
	}
	r.entries[identifier] = entry
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Conn.Close()
		r.log.Info("connection superseded", zap.String("identifier", identifier))
	}
	return entry
}

// Remove drops the entry only if it is still the current one for its
// identifier. A stale entry, already superseded by a newer connection,
// is cancelled without touching the map. Reports whether the identifier
// went offline.
func (r *Registry) Remove(entry *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.cancel()
	if r.entries[entry.Identifier] != entry {
		return false
	}
	delete(r.entries, entry.Identifier)
	return true
}

// Get returns the live entry for an identifier, or nil.
func (r *Registry) Get(identifier string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[identifier]
}

// Online reports whether the identifier has a live connection.
func (r *Registry) Online(identifier string) bool {
	return r.Get(identifier) != nil
}

// Identifiers returns a snapshot of all online identifiers.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
