package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/registry"
)

// Fanout announces reachability changes. The audience of an identity's
// presence is everyone who holds it as a contact, never a broadcast.
type Fanout struct {
	db       ContactDirectory
	reg      *registry.Registry
	bus      *bus.Bus
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	loops map[*registry.Entry]chan struct{}
}

func NewFanout(db ContactDirectory, reg *registry.Registry, b *bus.Bus, interval time.Duration, log *zap.Logger) *Fanout {
	return &Fanout{
		db:       db,
		reg:      reg,
		bus:      b,
		interval: interval,
		log:      log.Named("fanout"),
		loops:    make(map[*registry.Entry]chan struct{}),
	}
}

// HandleConnect runs the presence side of a successful identify: tell
// the watchers this identity is online, give the new connection a
// snapshot of which of its contacts are reachable, and start the
// periodic re-announce loop tied to the entry's lifetime.
func (f *Fanout) HandleConnect(entry *registry.Entry) {
	id := entry.Identifier

	if err := f.db.TouchLastSeen(id); err != nil {
		f.log.Warn("touch last_seen failed", zap.String("identifier", id), zap.Error(err))
	}

	f.announce(id, true)
	f.publish(bus.KindPresenceOnline, id)

	_ = entry.Conn.Push(protocol.NewOnlineSet(f.onlineSnapshot(id)))

	stopped := make(chan struct{})
	f.mu.Lock()
	f.loops[entry] = stopped
	f.mu.Unlock()
	go func() {
		defer close(stopped)
		f.announceLoop(entry)
	}()
}

// HandleDisconnect removes the entry and, if the identity actually went
// offline rather than being superseded, fans the offline event out to
// its watchers. Remove cancels the announce loop, and the loop is
// joined before the offline announce goes out, so a tick already in
// flight cannot re-announce online after the offline notice.
func (f *Fanout) HandleDisconnect(entry *registry.Entry) {
	id := entry.Identifier

	wentOffline := f.reg.Remove(entry)

	f.mu.Lock()
	stopped := f.loops[entry]
	delete(f.loops, entry)
	f.mu.Unlock()
	if stopped != nil {
		<-stopped
	}

	if !wentOffline {
		return
	}

	if err := f.db.TouchLastSeen(id); err != nil {
		f.log.Warn("touch last_seen failed", zap.String("identifier", id), zap.Error(err))
	}
	f.announce(id, false)
	f.publish(bus.KindPresenceOffline, id)
}

// announce pushes a presence event to every online watcher of id. An
// identity nobody holds as a contact announces to no one.
func (f *Fanout) announce(id string, online bool) {
	owners, err := f.db.OwnersOf(id)
	if err != nil {
		f.log.Warn("owner lookup failed", zap.String("identifier", id), zap.Error(err))
		return
	}
	evt := protocol.NewPresence(id, online)
	for _, owner := range owners {
		if entry := f.reg.Get(owner); entry != nil {
			_ = entry.Conn.Push(evt)
		}
	}
}

// onlineSnapshot returns which of id's contacts are currently
// reachable, plus id itself.
func (f *Fanout) onlineSnapshot(id string) []string {
	snapshot := []string{id}
	contacts, err := f.db.ContactsOf(id)
	if err != nil {
		f.log.Warn("contact lookup failed", zap.String("identifier", id), zap.Error(err))
		return snapshot
	}
	for _, c := range contacts {
		if f.reg.Online(c) {
			snapshot = append(snapshot, c)
		}
	}
	return snapshot
}

// announceLoop re-announces online presence every interval until the
// entry leaves the registry. The watcher set is recomputed each tick,
// so contacts added mid-session start receiving the announcements.
func (f *Fanout) announceLoop(entry *registry.Entry) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-entry.Done():
			return
		case <-ticker.C:
			f.announce(entry.Identifier, true)
		}
	}
}

func (f *Fanout) publish(kind, id string) {
	f.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: id})
}
