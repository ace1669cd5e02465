package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/registry"
	"github.com/quietwire/server/internal/status"
	"github.com/quietwire/server/internal/store"
)

// Buffers groups the three pending-delivery queues. Messages, status
// events, and clear events are buffered separately and flushed in that
// order when the recipient identifies.
type Buffers struct {
	Messages *Queue
	Statuses *Queue
	Clears   *Queue
}

func NewBuffers() *Buffers {
	return &Buffers{Messages: NewQueue(), Statuses: NewQueue(), Clears: NewQueue()}
}

// Router validates, persists, and routes messages. Persistence is the
// hard gate: a message that cannot be written is rejected. Delivery
// after that point is best effort, with the buffer and the store
// re-scan covering offline and crashed recipients.
type Router struct {
	db      MessageStore
	reg     *registry.Registry
	buffers *Buffers
	bus     *bus.Bus
	log     *zap.Logger
}

func NewRouter(db MessageStore, reg *registry.Registry, buffers *Buffers, b *bus.Bus, log *zap.Logger) *Router {
	return &Router{db: db, reg: reg, buffers: buffers, bus: b, log: log.Named("router")}
}

// Send handles a direct message: persist with status `sent`, confirm
// the status back to the sender, then push live or buffer.
func (r *Router) Send(msg *protocol.SendMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	rec := &store.Message{
		MessageID:        msg.MessageID,
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		ReceiverID:       msg.ReceiverID,
		EncryptedContent: msg.EncryptedContent,
		IV:               msg.IV,
	}
	if err := r.db.InsertMessage(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.publish(bus.KindMessageStored, msg.MessageID)

	r.confirmSent(msg.SenderID, msg.MessageID, msg.ReceiverID)
	r.deliver(msg.ReceiverID, protocol.NewMessage(protocol.MessagePayload{
		MessageID: rec.MessageID,
		ChatID:    rec.ChatID,
		Sender:    rec.SenderID,
		Encrypted: rec.EncryptedContent,
		IV:        rec.IV,
		Timestamp: rec.Timestamp,
	}))
	return nil
}

// SendChat handles a multi-recipient message: one stored payload, one
// independent delivery per recipient. The sender is skipped if it
// appears in its own recipient list.
func (r *Router) SendChat(msg *protocol.SendChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	rec := &store.ChatMessage{
		MessageID:        msg.MessageID,
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		EncryptedContent: msg.EncryptedContent,
		IV:               msg.IV,
	}
	for _, recipient := range msg.Recipients {
		if recipient == msg.SenderID {
			continue
		}
		rec.Recipients = append(rec.Recipients, store.Recipient{UserID: recipient})
	}
	if err := r.db.InsertChatMessage(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.publish(bus.KindMessageStored, msg.MessageID)

	r.confirmSent(msg.SenderID, msg.MessageID, msg.ChatID)
	evt := protocol.NewMessage(protocol.MessagePayload{
		MessageID: rec.MessageID,
		ChatID:    rec.ChatID,
		Sender:    rec.SenderID,
		Encrypted: rec.EncryptedContent,
		IV:        rec.IV,
		Timestamp: rec.Timestamp,
	})
	for _, recipient := range rec.Recipients {
		r.deliver(recipient.UserID, evt)
	}
	return nil
}

// Flush replays everything pending for a freshly identified connection:
// first the in-memory buffers in FIFO order, then a store re-scan for
// records still marked `sent`. The re-scan is what survives a process
// restart; duplicates within one flush are suppressed, duplicates
// across flushes are acceptable.
func (r *Router) Flush(entry *registry.Entry) {
	id := entry.Identifier
	seen := make(map[string]bool)

	flushed := 0
	for _, evt := range r.buffers.Messages.Drain(id) {
		if p, ok := evt.Data.(protocol.MessagePayload); ok {
			seen[p.MessageID] = true
		}
		if entry.Conn.Push(evt) == nil {
			flushed++
		}
	}
	for _, evt := range r.buffers.Statuses.Drain(id) {
		if entry.Conn.Push(evt) == nil {
			flushed++
		}
	}
	for _, evt := range r.buffers.Clears.Drain(id) {
		if entry.Conn.Push(evt) == nil {
			flushed++
		}
	}

	undelivered, err := r.db.ListUndelivered(id)
	if err != nil {
		r.log.Warn("undelivered re-scan failed", zap.String("identifier", id), zap.Error(err))
	}
	for _, m := range undelivered {
		if seen[m.MessageID] {
			continue
		}
		evt := protocol.NewMessage(protocol.MessagePayload{
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			Sender:    m.SenderID,
			Encrypted: m.EncryptedContent,
			IV:        m.IV,
			Timestamp: m.Timestamp,
		})
		if entry.Conn.Push(evt) == nil {
			flushed++
		}
	}

	chats, err := r.db.ListUndeliveredChat(id)
	if err != nil {
		r.log.Warn("undelivered chat re-scan failed", zap.String("identifier", id), zap.Error(err))
	}
	for _, m := range chats {
		if seen[m.MessageID] {
			continue
		}
		evt := protocol.NewMessage(protocol.MessagePayload{
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			Sender:    m.SenderID,
			Encrypted: m.EncryptedContent,
			IV:        m.IV,
			Timestamp: m.Timestamp,
		})
		if entry.Conn.Push(evt) == nil {
			flushed++
		}
	}

	if flushed > 0 {
		r.log.Info("flushed pending deliveries", zap.String("identifier", id), zap.Int("count", flushed))
		r.publish(bus.KindBufferFlushed, id)
	}
}

// confirmSent echoes the persisted status back to the sender so its UI
// can move the message out of the pending state.
func (r *Router) confirmSent(senderID, messageID, peer string) {
	entry := r.reg.Get(senderID)
	if entry == nil {
		return
	}
	_ = entry.Conn.Push(protocol.NewStatusChanged(protocol.StatusPayload{
		MessageID: messageID,
		Attribute: "status",
		Value:     string(status.Sent),
		Sender:    peer,
	}))
}

// deliver pushes to a live connection or buffers for later. A push
// failure downgrades to buffering; delivery is best effort here because
// the store re-scan backstops it.
func (r *Router) deliver(recipient string, evt protocol.ServerEvent) {
	if entry := r.reg.Get(recipient); entry != nil {
		if err := entry.Conn.Push(evt); err == nil {
			r.publish(bus.KindDeliveredLive, recipient)
			return
		}
	}
	r.buffers.Messages.Enqueue(recipient, evt)
	r.publish(bus.KindBuffered, recipient)
}

func (r *Router) publish(kind string, payload any) {
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
