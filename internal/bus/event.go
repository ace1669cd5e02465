package bus

import "time"

// Event kinds published by the relay subsystem. Subscribers filter by
// namespace prefix, e.g. "relay." or "presence.".
const (
	KindMessageStored   = "relay.message_stored"
	KindDeliveredLive   = "relay.delivered_live"
	KindBuffered        = "relay.buffered"
	KindBufferFlushed   = "relay.buffer_flushed"
	KindStatusChanged   = "relay.status_changed"
	KindClearExecuted   = "relay.conversation_cleared"
	KindPresenceOnline  = "presence.online"
	KindPresenceOffline = "presence.offline"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
