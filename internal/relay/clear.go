package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
	"github.com/quietwire/server/internal/protocol"
	"github.com/quietwire/server/internal/registry"
)

// Coordinator runs two-phase conversation clears. Phase one deletes the
// stored records and confirms to the initiator; phase two tells the
// remote party to discard its local copy and relays its acknowledgment
// back.
type Coordinator struct {
	db      MessageStore
	reg     *registry.Registry
	buffers *Buffers
	bus     *bus.Bus
	log     *zap.Logger
}

func NewCoordinator(db MessageStore, reg *registry.Registry, buffers *Buffers, b *bus.Bus, log *zap.Logger) *Coordinator {
	return &Coordinator{db: db, reg: reg, buffers: buffers, bus: b, log: log.Named("clear")}
}

// Clear deletes every stored message between the initiator and the
// contact, in both directions, confirms to the initiator, then pushes
// or buffers the remote-clear instruction for the contact. Works for
// both live sessions and the HTTP fallback, where the initiator has no
// connection and the response itself is the confirmation.
func (c *Coordinator) Clear(initiator string, req *protocol.ClearConversation) error {
	if err := req.Validate(); err != nil {
		return err
	}

	deleted, err := c.db.DeleteConversation(initiator, req.ContactID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	c.log.Info("conversation cleared",
		zap.String("initiator", initiator),
		zap.String("contact", req.ContactID),
		zap.Int64("deleted", deleted))
	c.bus.Publish(bus.Event{Kind: bus.KindClearExecuted, Timestamp: time.Now(), Payload: req.ContactID})

	if entry := c.reg.Get(initiator); entry != nil {
		_ = entry.Conn.Push(protocol.NewCleared())
	}

	remote := protocol.NewRemoteClear(initiator)
	if entry := c.reg.Get(req.ContactID); entry != nil {
		if entry.Conn.Push(remote) == nil {
			return nil
		}
	}
	c.buffers.Clears.Enqueue(req.ContactID, remote)
	return nil
}

// HandleAck relays the remote party's completion notice back to the
// clear initiator. Fire and forget: an offline initiator misses it.
func (c *Coordinator) HandleAck(emitter string, ack *protocol.ClearAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	if entry := c.reg.Get(ack.ContactID); entry != nil {
		_ = entry.Conn.Push(protocol.NewClearAck(emitter))
	}
	return nil
}
