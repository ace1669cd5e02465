package relay

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/registry"
	"github.com/quietwire/server/internal/status"
	"github.com/quietwire/server/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	pushed []protocol.ServerEvent
	fail   bool
	closed bool
}

func (c *fakeConn) Push(evt protocol.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errConnClosed
	}
	c.pushed = append(c.pushed, evt)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []protocol.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ServerEvent, len(c.pushed))
	copy(out, c.pushed)
	return out
}

// byEvent filters pushed events by outbound event name.
func (c *fakeConn) byEvent(name string) []protocol.ServerEvent {
	var out []protocol.ServerEvent
	for _, e := range c.events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db      *store.DB
	reg     *registry.Registry
	buffers *Buffers
	bus     *bus.Bus
	router  *Router
	tracker *Tracker
	fanout  *Fanout
	clears  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := zap.NewNop()
	f := &fixture{
		db:      db,
		reg:     registry.New(log),
		buffers: NewBuffers(),
		bus:     bus.New(),
	}
	f.router = NewRouter(db, f.reg, f.buffers, f.bus, log)
	f.tracker = NewTracker(db, f.reg, f.buffers, f.bus, log)
	f.fanout = NewFanout(db, f.reg, f.bus, time.Hour, log)
	f.clears = NewCoordinator(db, f.reg, f.buffers, f.bus, log)
	return f
}

func directMessage(id, sender, receiver string) *protocol.SendMessage {
	return &protocol.SendMessage{
		MessageID:        id,
		SenderID:         sender,
		ReceiverID:       receiver,
		EncryptedContent: "cipher",
		IV:               "iv",
	}
}

const (
	msgA = "6ba7b810-9dad-11d1-80b4-00c04fd430c1"
	msgB = "6ba7b810-9dad-11d1-80b4-00c04fd430c2"
	msgC = "6ba7b810-9dad-11d1-80b4-00c04fd430c3"
)

func TestSendPersistsBeforeRouting(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not persisted")
	}
	if m.Status != status.Sent {
		t.Errorf("status = %q, want sent", m.Status)
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	msg := directMessage("not-a-uuid", "alice", "bob")
	if err := f.router.Send(msg); err == nil {
		t.Fatal("expected validation error")
	}
	if n := f.buffers.Messages.Len("bob"); n != 0 {
		t.Errorf("buffered %d events for a rejected send", n)
	}
}

func TestSendConfirmsSentToSender(t *testing.T) {
	f := newFixture(t)

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	confirms := alice.byEvent(protocol.EventStatusChanged)
	if len(confirms) != 1 {
		t.Fatalf("got %d status events at sender, want 1", len(confirms))
	}
	p := confirms[0].Data.(protocol.StatusPayload)
	if p.MessageID != msgA || p.Value != "sent" {
		t.Errorf("confirmation = %+v, want sent for %s", p, msgA)
	}
}

func TestSendDeliversLiveWhenRecipientOnline(t *testing.T) {
	f := newFixture(t)

	bob := &fakeConn{}
	f.reg.Set("bob", "bob", bob)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	msgs := bob.byEvent(protocol.EventMessage)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages at bob, want 1", len(msgs))
	}
	p := msgs[0].Data.(protocol.MessagePayload)
	if p.Sender != "alice" || p.Encrypted != "cipher" {
		t.Errorf("payload = %+v", p)
	}
	if n := f.buffers.Messages.Len("bob"); n != 0 {
		t.Errorf("live delivery should not buffer, got %d", n)
	}
}

func TestSendBuffersWhenRecipientOffline(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if n := f.buffers.Messages.Len("bob"); n != 1 {
		t.Fatalf("buffered %d events, want 1", n)
	}
}

func TestSendBuffersWhenPushFails(t *testing.T) {
	f := newFixture(t)

	bob := &fakeConn{fail: true}
	f.reg.Set("bob", "bob", bob)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if n := f.buffers.Messages.Len("bob"); n != 1 {
		t.Fatalf("failed push should buffer, got %d", n)
	}
}

func TestFlushDrainsBuffersInOrder(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{msgA, msgB, msgC} {
		if err := f.router.Send(directMessage(id, "alice", "bob")); err != nil {
			t.Fatal(err)
		}
	}

	bob := &fakeConn{}
	entry := f.reg.Set("bob", "bob", bob)
	f.router.Flush(entry)

	msgs := bob.byEvent(protocol.EventMessage)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{msgA, msgB, msgC} {
		if got := msgs[i].Data.(protocol.MessagePayload).MessageID; got != want {
			t.Errorf("position %d = %s, want %s", i, got, want)
		}
	}
	if n := f.buffers.Messages.Len("bob"); n != 0 {
		t.Errorf("buffer should be empty after flush, got %d", n)
	}
}

// A restart empties the in-memory buffers, but records still marked
// `sent` must reach the recipient via the store re-scan.
func TestFlushRescansStoreAfterRestart(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	// Simulate the restart by dropping the buffered copy.
	f.buffers.Messages.Drain("bob")

	bob := &fakeConn{}
	entry := f.reg.Set("bob", "bob", bob)
	f.router.Flush(entry)

	msgs := bob.byEvent(protocol.EventMessage)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages from re-scan, want 1", len(msgs))
	}
	if got := msgs[0].Data.(protocol.MessagePayload).MessageID; got != msgA {
		t.Errorf("message = %s, want %s", got, msgA)
	}
}

func TestFlushDoesNotDuplicateBufferedMessages(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	bob := &fakeConn{}
	entry := f.reg.Set("bob", "bob", bob)
	f.router.Flush(entry)

	if msgs := bob.byEvent(protocol.EventMessage); len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (buffer copy and store row are the same message)", len(msgs))
	}
}

func TestSendChatFansOutPerRecipient(t *testing.T) {
	f := newFixture(t)

	bob := &fakeConn{}
	f.reg.Set("bob", "bob", bob)

	msg := &protocol.SendChatMessage{
		MessageID:        msgA,
		ChatID:           "room1",
		SenderID:         "alice",
		Recipients:       []string{"alice", "bob", "carol"},
		EncryptedContent: "cipher",
		IV:               "iv",
	}
	if err := f.router.SendChat(msg); err != nil {
		t.Fatal(err)
	}

	// Online recipient got it live, offline one was buffered, the
	// sender was skipped.
	if msgs := bob.byEvent(protocol.EventMessage); len(msgs) != 1 {
		t.Errorf("bob got %d messages, want 1", len(msgs))
	}
	if n := f.buffers.Messages.Len("carol"); n != 1 {
		t.Errorf("carol buffer = %d, want 1", n)
	}
	if n := f.buffers.Messages.Len("alice"); n != 0 {
		t.Errorf("alice buffer = %d, want 0 (sender excluded)", n)
	}

	cm, err := f.db.GetChatMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if len(cm.Recipients) != 2 {
		t.Errorf("stored %d recipients, want 2", len(cm.Recipients))
	}
}

func TestHandleStatusAdvancesAndRoutesToSender(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	upd := &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "delivered"}
	if err := f.tracker.HandleStatus("bob", upd); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Delivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}

	events := alice.byEvent(protocol.EventStatusChanged)
	if len(events) != 1 {
		t.Fatalf("alice got %d status events, want 1", len(events))
	}
	p := events[0].Data.(protocol.StatusPayload)
	if p.Value != "delivered" || p.Sender != "bob" {
		t.Errorf("payload = %+v", p)
	}
}

func TestHandleStatusBuffersForOfflineSender(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	upd := &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "read"}
	if err := f.tracker.HandleStatus("bob", upd); err != nil {
		t.Fatal(err)
	}
	if n := f.buffers.Statuses.Len("alice"); n != 1 {
		t.Fatalf("status buffer = %d, want 1", n)
	}

	// The buffered status reaches alice on her next identify.
	alice := &fakeConn{}
	entry := f.reg.Set("alice", "alice", alice)
	f.router.Flush(entry)
	if events := alice.byEvent(protocol.EventStatusChanged); len(events) != 1 {
		t.Errorf("alice got %d status events after flush, want 1", len(events))
	}
}

func TestHandleStatusIgnoresRegression(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.HandleStatus("bob", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "read"}); err != nil {
		t.Fatal(err)
	}

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	// Late delivered after read: record untouched, nothing forwarded.
	if err := f.tracker.HandleStatus("bob", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "delivered"}); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Read {
		t.Errorf("status = %q, want read", m.Status)
	}
	if events := alice.byEvent(protocol.EventStatusChanged); len(events) != 0 {
		t.Errorf("regression was forwarded: %v", events)
	}
}

func TestHandleStatusSuppressesSelfAck(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	// The sender echoing delivered for its own message is dropped.
	if err := f.tracker.HandleStatus("alice", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "delivered"}); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Sent {
		t.Errorf("status = %q, want sent (self-ack must not advance)", m.Status)
	}
	if events := alice.byEvent(protocol.EventStatusChanged); len(events) != 0 {
		t.Errorf("self-ack bounced back to sender: %v", events)
	}
}

func TestHandleStatusMissingRecordFallsBackToReceiver(t *testing.T) {
	f := newFixture(t)

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	// No stored record for this id; the frame's receiver field names
	// the party the event should reach.
	upd := &protocol.UpdateStatus{
		MessageID: msgB,
		Attribute: "status",
		Value:     "read",
		Receiver:  "alice",
	}
	if err := f.tracker.HandleStatus("bob", upd); err != nil {
		t.Fatal(err)
	}

	events := alice.byEvent(protocol.EventStatusChanged)
	if len(events) != 1 {
		t.Fatalf("alice got %d status events, want 1", len(events))
	}
	if p := events[0].Data.(protocol.StatusPayload); p.MessageID != msgB {
		t.Errorf("payload = %+v", p)
	}
}

func TestHandleStatusDeletedTerminal(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.HandleStatus("bob", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "read"}); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.HandleStatus("bob", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "deleted"}); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Deleted {
		t.Errorf("status = %q, want deleted", m.Status)
	}
}

func TestHandleStatusChatRecipientIndependent(t *testing.T) {
	f := newFixture(t)

	msg := &protocol.SendChatMessage{
		MessageID:        msgA,
		ChatID:           "room1",
		SenderID:         "alice",
		Recipients:       []string{"bob", "carol"},
		EncryptedContent: "cipher",
		IV:               "iv",
	}
	if err := f.router.SendChat(msg); err != nil {
		t.Fatal(err)
	}

	if err := f.tracker.HandleStatus("bob", &protocol.UpdateStatus{MessageID: msgA, Attribute: "status", Value: "read"}); err != nil {
		t.Fatal(err)
	}

	cm, err := f.db.GetChatMessage(msgA)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range cm.Recipients {
		switch r.UserID {
		case "bob":
			if r.Status != status.Read {
				t.Errorf("bob = %q, want read", r.Status)
			}
		case "carol":
			if r.Status != status.Sent {
				t.Errorf("carol = %q, want sent", r.Status)
			}
		}
	}
}

func TestConnectAnnouncesToWatchersOnly(t *testing.T) {
	f := newFixture(t)

	// alice and carol hold bob as a contact; dave does not.
	for _, owner := range []string{"alice", "carol"} {
		if err := f.db.AddContact(owner, "bob"); err != nil {
			t.Fatal(err)
		}
	}

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)
	dave := &fakeConn{}
	f.reg.Set("dave", "dave", dave)

	bob := &fakeConn{}
	entry := f.reg.Set("bob", "bob", bob)
	f.fanout.HandleConnect(entry)
	defer f.fanout.HandleDisconnect(entry)

	events := alice.byEvent(protocol.EventPresence)
	if len(events) != 1 {
		t.Fatalf("alice got %d presence events, want 1", len(events))
	}
	p := events[0].Data.(protocol.PresencePayload)
	if p.Identifier != "bob" || !p.IsOnline {
		t.Errorf("payload = %+v", p)
	}
	if events := dave.byEvent(protocol.EventPresence); len(events) != 0 {
		t.Errorf("dave is not a watcher but got %v", events)
	}
}

func TestConnectPushesOnlineSnapshot(t *testing.T) {
	f := newFixture(t)

	for _, c := range []string{"alice", "carol"} {
		if err := f.db.AddContact("bob", c); err != nil {
			t.Fatal(err)
		}
	}
	f.reg.Set("alice", "alice", &fakeConn{})
	// carol stays offline.

	bob := &fakeConn{}
	entry := f.reg.Set("bob", "bob", bob)
	f.fanout.HandleConnect(entry)
	defer f.fanout.HandleDisconnect(entry)

	sets := bob.byEvent(protocol.EventOnlineSet)
	if len(sets) != 1 {
		t.Fatalf("bob got %d onlineSet events, want 1", len(sets))
	}
	ids := sets[0].Data.(protocol.OnlineSetPayload).Identifiers
	want := map[string]bool{"bob": true, "alice": true}
	if len(ids) != len(want) {
		t.Fatalf("snapshot = %v, want bob and alice", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected identifier %q in snapshot", id)
		}
	}
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	f := newFixture(t)

	if err := f.db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	entry := f.reg.Set("bob", "bob", &fakeConn{})
	f.fanout.HandleConnect(entry)
	f.fanout.HandleDisconnect(entry)

	events := alice.byEvent(protocol.EventPresence)
	if len(events) < 2 {
		t.Fatalf("alice got %d presence events, want online then offline", len(events))
	}
	last := events[len(events)-1].Data.(protocol.PresencePayload)
	if last.IsOnline {
		t.Error("final presence event should be offline")
	}
}

func TestSupersededDisconnectStaysOnline(t *testing.T) {
	f := newFixture(t)

	if err := f.db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	first := f.reg.Set("bob", "bob", &fakeConn{})
	f.fanout.HandleConnect(first)
	second := f.reg.Set("bob", "bob", &fakeConn{})
	f.fanout.HandleConnect(second)

	// The old connection's teardown fires after the replacement. It
	// must not announce offline while the new connection lives.
	f.fanout.HandleDisconnect(first)

	for _, e := range alice.byEvent(protocol.EventPresence) {
		if p := e.Data.(protocol.PresencePayload); !p.IsOnline {
			t.Fatal("stale disconnect announced offline")
		}
	}
	if !f.reg.Online("bob") {
		t.Error("bob should still be online")
	}

	f.fanout.HandleDisconnect(second)
}

func TestAnnounceLoopRepeatsUntilRemoved(t *testing.T) {
	f := newFixture(t)
	fanout := NewFanout(f.db, f.reg, f.bus, 10*time.Millisecond, zap.NewNop())

	if err := f.db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	entry := f.reg.Set("bob", "bob", &fakeConn{})
	fanout.HandleConnect(entry)

	deadline := time.After(2 * time.Second)
	for len(alice.byEvent(protocol.EventPresence)) < 3 {
		select {
		case <-deadline:
			t.Fatal("announce loop did not re-announce")
		case <-time.After(5 * time.Millisecond):
		}
	}

	fanout.HandleDisconnect(entry)
	// HandleDisconnect joins the loop, so the count is final once it
	// returns.
	n := len(alice.byEvent(protocol.EventPresence))
	time.Sleep(50 * time.Millisecond)
	if got := len(alice.byEvent(protocol.EventPresence)); got != n {
		t.Errorf("announce loop still running after disconnect: %d -> %d", n, got)
	}
}

func TestClearDeletesBothDirectionsAndConfirms(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Send(directMessage(msgA, "alice", "bob")); err != nil {
		t.Fatal(err)
	}
	if err := f.router.Send(directMessage(msgB, "bob", "alice")); err != nil {
		t.Fatal(err)
	}

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)
	bob := &fakeConn{}
	f.reg.Set("bob", "bob", bob)

	if err := f.clears.Clear("alice", &protocol.ClearConversation{ContactID: "bob"}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{msgA, msgB} {
		m, err := f.db.GetMessage(id)
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			t.Errorf("message %s survived the clear", id)
		}
	}
	if len(alice.byEvent(protocol.EventCleared)) != 1 {
		t.Error("initiator missing clearedConfirmation")
	}
	remotes := bob.byEvent(protocol.EventRemoteClear)
	if len(remotes) != 1 {
		t.Fatalf("bob got %d remoteClear events, want 1", len(remotes))
	}
	if p := remotes[0].Data.(protocol.RemoteClearPayload); p.ContactID != "alice" {
		t.Errorf("remoteClear names %q, want alice", p.ContactID)
	}
}

func TestClearBuffersRemoteClearForOfflineContact(t *testing.T) {
	f := newFixture(t)

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	if err := f.clears.Clear("alice", &protocol.ClearConversation{ContactID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if n := f.buffers.Clears.Len("bob"); n != 1 {
		t.Fatalf("clear buffer = %d, want 1", n)
	}

	bob := &fakeConn{}
	bobEntry := f.reg.Set("bob", "bob", bob)
	f.router.Flush(bobEntry)
	if len(bob.byEvent(protocol.EventRemoteClear)) != 1 {
		t.Error("buffered remoteClear not flushed")
	}
}

func TestClearAckRelayedToInitiator(t *testing.T) {
	f := newFixture(t)

	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	if err := f.clears.HandleAck("bob", &protocol.ClearAck{ContactID: "alice"}); err != nil {
		t.Fatal(err)
	}

	acks := alice.byEvent(protocol.EventClearAck)
	if len(acks) != 1 {
		t.Fatalf("alice got %d clearAck events, want 1", len(acks))
	}

	// Offline initiator: fire and forget, nothing buffered.
	if err := f.clears.HandleAck("bob", &protocol.ClearAck{ContactID: "nobody"}); err != nil {
		t.Fatal(err)
	}
	if n := f.buffers.Clears.Len("nobody"); n != 0 {
		t.Errorf("clearAck should not be buffered, got %d", n)
	}
}

func TestQueueDrainAtomic(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	total := 200
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue("bob", protocol.NewCleared())
		}()
	}

	var drained int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for drained < total {
			drained += len(q.Drain("bob"))
		}
	}()
	wg.Wait()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("drained %d of %d", drained, total)
	}
	if q.Len("bob") != 0 {
		t.Errorf("queue not empty after drain")
	}
}

func TestOfflineAnnounceIsFinal(t *testing.T) {
	f := newFixture(t)
	fanout := NewFanout(f.db, f.reg, f.bus, time.Millisecond, zap.NewNop())

	if err := f.db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	alice := &fakeConn{}
	f.reg.Set("alice", "alice", alice)

	// Tight connect/disconnect cycles race the announce ticker against
	// the teardown. A tick already in flight may still announce online,
	// but the offline notice must always be the last word.
	for i := 0; i < 50; i++ {
		entry := f.reg.Set("bob", "bob", &fakeConn{})
		fanout.HandleConnect(entry)
		time.Sleep(2 * time.Millisecond)
		fanout.HandleDisconnect(entry)

		events := alice.byEvent(protocol.EventPresence)
		if len(events) == 0 {
			t.Fatal("no presence events")
		}
		last := events[len(events)-1].Data.(protocol.PresencePayload)
		if last.IsOnline {
			t.Fatalf("cycle %d: online announce arrived after the offline notice", i)
		}
	}
}

// failingStore stands in for a persistence layer whose writes fail.
// Only InsertMessage is reachable in the tests that use it.
type failingStore struct {
	MessageStore
}

func (failingStore) InsertMessage(*store.Message) error {
	return errors.New("disk full")
}

func TestSendRejectedWhenPersistenceFails(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(failingStore{}, f.reg, f.buffers, f.bus, zap.NewNop())

	bob := &fakeConn{}
	f.reg.Set("bob", "bob", bob)

	err := router.Send(directMessage(msgA, "alice", "bob"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want persistence error", err)
	}
	if len(bob.events()) != 0 {
		t.Error("nothing should be delivered when the write fails")
	}
	if n := f.buffers.Messages.Len("bob"); n != 0 {
		t.Errorf("buffered %d events for a failed write", n)
	}
}
