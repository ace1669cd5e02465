package relay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/quietwire/server/internal/auth"
	"github.com/quietwire/server/internal/protocol"
)

// Frame source plus push sink for one client session.
type sessionConn interface {
	Pusher
	ReadFrame() ([]byte, error)
}

// Pusher mirrors registry.Pusher so the hub can be exercised without a
// real socket.
type Pusher interface {
	Push(evt protocol.ServerEvent) error
	Close() error
}

// Hub drives the per-connection session: the identify-first handshake,
// the inbound dispatch loop, and the disconnect teardown.
type Hub struct {
	verifier *auth.Verifier
	router   *Router
	tracker  *Tracker
	fanout   *Fanout
	clears   *Coordinator
	log      *zap.Logger
}

func NewHub(verifier *auth.Verifier, router *Router, tracker *Tracker, fanout *Fanout, clears *Coordinator, log *zap.Logger) *Hub {
	return &Hub{
		verifier: verifier,
		router:   router,
		tracker:  tracker,
		fanout:   fanout,
		clears:   clears,
		log:      log.Named("hub"),
	}
}

// Serve runs a client session to completion. It returns when the
// connection drops, the client misbehaves before identifying, or the
// connection is superseded by a newer identify for the same identity.
func (h *Hub) Serve(conn sessionConn) {
	identity, err := h.handshake(conn)
	if err != nil {
		_ = conn.Push(protocol.NewError("unauthorized", err.Error()))
		_ = conn.Close()
		return
	}

	entry := h.fanout.reg.Set(identity.Identifier, identity.Username, conn)
	h.log.Info("client identified", zap.String("identifier", identity.Identifier))

	_ = conn.Push(protocol.NewIdentified(identity.Identifier))
	h.fanout.HandleConnect(entry)
	h.router.Flush(entry)

	defer func() {
		h.fanout.HandleDisconnect(entry)
		_ = conn.Close()
		h.log.Info("client disconnected", zap.String("identifier", identity.Identifier))
	}()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		select {
		case <-entry.Done():
			return
		default:
		}
		h.dispatch(entry.Identifier, conn, raw)
	}
}

// handshake requires the first frame to be a valid identify carrying a
// bearer token for the claimed identifier.
func (h *Hub) handshake(conn sessionConn) (auth.Identity, error) {
	raw, err := conn.ReadFrame()
	if err != nil {
		return auth.Identity{}, err
	}
	evt, err := protocol.DecodeClientEvent(raw)
	if err != nil {
		return auth.Identity{}, err
	}
	if evt.Event != protocol.EventIdentify {
		return auth.Identity{}, errors.New("first frame must be identify")
	}
	var id protocol.Identify
	if err := protocol.DecodeInto(evt, &id); err != nil {
		return auth.Identity{}, err
	}
	identity, err := h.verifier.VerifyProof(id.Proof)
	if err != nil {
		return auth.Identity{}, err
	}
	if identity.Identifier != id.Identifier {
		return auth.Identity{}, errors.New("proof does not match identifier")
	}
	return identity, nil
}

// dispatch decodes and handles one post-handshake frame. Rejections are
// reported back on the same connection; nothing about the session
// changes.
func (h *Hub) dispatch(identifier string, conn sessionConn, raw []byte) {
	evt, err := protocol.DecodeClientEvent(raw)
	if err != nil {
		_ = conn.Push(protocol.NewError("validation_failed", err.Error()))
		return
	}

	switch evt.Event {
	case protocol.EventIdentify:
		// Already identified; ignore.
		return

	case protocol.EventSendMessage:
		var msg protocol.SendMessage
		if err := protocol.DecodeInto(evt, &msg); err != nil {
			h.reject(conn, err)
			return
		}
		msg.SenderID = identifier
		if err := h.router.Send(&msg); err != nil {
			h.reject(conn, err)
		}

	case protocol.EventSendChatMessage:
		var msg protocol.SendChatMessage
		if err := protocol.DecodeInto(evt, &msg); err != nil {
			h.reject(conn, err)
			return
		}
		msg.SenderID = identifier
		if err := h.router.SendChat(&msg); err != nil {
			h.reject(conn, err)
		}

	case protocol.EventUpdateStatus:
		var upd protocol.UpdateStatus
		if err := protocol.DecodeInto(evt, &upd); err != nil {
			h.reject(conn, err)
			return
		}
		if err := h.tracker.HandleStatus(identifier, &upd); err != nil {
			h.reject(conn, err)
		}

	case protocol.EventClearConversation:
		var req protocol.ClearConversation
		if err := protocol.DecodeInto(evt, &req); err != nil {
			h.reject(conn, err)
			return
		}
		if err := h.clears.Clear(identifier, &req); err != nil {
			h.reject(conn, err)
		}

	case protocol.EventClearAck:
		var ack protocol.ClearAck
		if err := protocol.DecodeInto(evt, &ack); err != nil {
			h.reject(conn, err)
			return
		}
		_ = h.clears.HandleAck(identifier, &ack)

	default:
		_ = conn.Push(protocol.NewError("unknown_event", "unsupported event "+evt.Event))
	}
}

func (h *Hub) reject(conn sessionConn, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, protocol.ErrValidation):
		code = "validation_failed"
	case errors.Is(err, ErrPersistence):
		code = "persistence_failed"
	}
	_ = conn.Push(protocol.NewError(code, err.Error()))
}
