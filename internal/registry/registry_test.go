package registry

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	pushed []protocol.ServerEvent
	closed bool
}

func (c *fakeConn) Push(evt protocol.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, evt)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSetAndGet(t *testing.T) {
	r := New(zap.NewNop())

	conn := &fakeConn{}
	entry := r.Set("A1B2C3D4", "alice", conn)

	got := r.Get("A1B2C3D4")
	if got != entry {
		t.Fatal("Get should return the entry just set")
	}
	if !r.Online("A1B2C3D4") {
		t.Error("identifier should be online")
	}
	if r.Online("FFFFFFFF") {
		t.Error("unknown identifier should be offline")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestSetSupersedesPrevious(t *testing.T) {
	r := New(zap.NewNop())

	old := &fakeConn{}
	first := r.Set("A1B2C3D4", "alice", old)

	fresh := &fakeConn{}
	second := r.Set("A1B2C3D4", "alice", fresh)

	if !old.isClosed() {
		t.Error("superseded connection should be closed")
	}
	select {
	case <-first.Done():
	default:
		t.Error("superseded entry should be cancelled")
	}
	if r.Get("A1B2C3D4") != second {
		t.Error("registry should hold the newer entry")
	}
}

func TestRemoveStaleEntryKeepsCurrent(t *testing.T) {
	r := New(zap.NewNop())

	first := r.Set("A1B2C3D4", "alice", &fakeConn{})
	second := r.Set("A1B2C3D4", "alice", &fakeConn{})

	// The superseded connection's disconnect must not evict the
	// current one.
	if wentOffline := r.Remove(first); wentOffline {
		t.Error("removing a stale entry should not report offline")
	}
	if r.Get("A1B2C3D4") != second {
		t.Error("current entry should survive stale removal")
	}

	if wentOffline := r.Remove(second); !wentOffline {
		t.Error("removing the current entry should report offline")
	}
	if r.Online("A1B2C3D4") {
		t.Error("identifier should be offline after removal")
	}
	select {
	case <-second.Done():
	default:
		t.Error("removed entry should be cancelled")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(zap.NewNop())

	entry := r.Set("A1B2C3D4", "alice", &fakeConn{})
	if !r.Remove(entry) {
		t.Fatal("first removal should report offline")
	}
	if r.Remove(entry) {
		t.Error("second removal should be a no-op")
	}
}

func TestIdentifiersSnapshot(t *testing.T) {
	r := New(zap.NewNop())

	r.Set("A1B2C3D4", "alice", &fakeConn{})
	r.Set("E5F60718", "bob", &fakeConn{})

	ids := r.Identifiers()
	if len(ids) != 2 {
		t.Fatalf("got %d identifiers, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["A1B2C3D4"] || !seen["E5F60718"] {
		t.Errorf("identifiers = %v", ids)
	}
}
