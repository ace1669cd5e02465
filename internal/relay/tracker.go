package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/registry"
	"github.com/quietwire/server/internal/status"
)

// Tracker applies delivery-status transitions and routes the resulting
// status event to the original sender. Transitions are monotonic:
// sent -> delivered -> read, with deleted terminal from any state. A
// regression leaves the record untouched and is not forwarded.
type Tracker struct {
	db      MessageStore
	reg     *registry.Registry
	buffers *Buffers
	bus     *bus.Bus
	log     *zap.Logger
}

func NewTracker(db MessageStore, reg *registry.Registry, buffers *Buffers, b *bus.Bus, log *zap.Logger) *Tracker {
	return &Tracker{db: db, reg: reg, buffers: buffers, bus: b, log: log.Named("tracker")}
}

// HandleStatus processes an updateStatus frame from emitter, the
// authenticated identifier of the connection it arrived on.
func (t *Tracker) HandleStatus(emitter string, upd *protocol.UpdateStatus) error {
	if err := upd.Validate(); err != nil {
		return err
	}
	to := status.Status(upd.Value)

	originalSender, isChat, found, err := t.resolve(upd.MessageID)
	if err != nil {
		return err
	}
	if !found {
		// Record already purged (e.g. a cleared conversation). Fall
		// back to the frame's receiver field so the event still
		// reaches the other party.
		originalSender = upd.Receiver
	}

	// A sender echoing delivered/read for its own message carries no
	// information and would bounce the event back to itself.
	if emitter == originalSender && (to == status.Delivered || to == status.Read) {
		return nil
	}

	if found {
		var applied bool
		if isChat {
			applied, err = t.db.AdvanceRecipientStatus(upd.MessageID, emitter, to)
		} else {
			applied, err = t.db.AdvanceMessageStatus(upd.MessageID, to)
		}
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
	}

	if originalSender == "" {
		return nil
	}

	evt := protocol.NewStatusChanged(protocol.StatusPayload{
		MessageID: upd.MessageID,
		Attribute: "status",
		Value:     upd.Value,
		Sender:    emitter,
	})
	if entry := t.reg.Get(originalSender); entry != nil {
		if entry.Conn.Push(evt) == nil {
			t.publish(upd.MessageID)
			return nil
		}
	}
	t.buffers.Statuses.Enqueue(originalSender, evt)
	t.publish(upd.MessageID)
	return nil
}

// resolve looks the message up in both record shapes and returns its
// original sender.
func (t *Tracker) resolve(messageID string) (sender string, isChat, found bool, err error) {
	m, err := t.db.GetMessage(messageID)
	if err != nil {
		return "", false, false, err
	}
	if m != nil {
		return m.SenderID, false, true, nil
	}
	cm, err := t.db.GetChatMessage(messageID)
	if err != nil {
		return "", false, false, err
	}
	if cm != nil {
		return cm.SenderID, true, true, nil
	}
	return "", false, false, nil
}

func (t *Tracker) publish(messageID string) {
	t.bus.Publish(bus.Event{Kind: bus.KindStatusChanged, Timestamp: time.Now(), Payload: messageID})
}
