// Package protocol defines the typed event envelopes exchanged over a
// client connection. Every inbound payload is validated here, at the
// boundary, before it reaches the relay pipeline.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quietwire/server/internal/status"
)

// ErrValidation marks a malformed or incomplete inbound payload. The
// request is rejected with no state change.
var ErrValidation = errors.New("validation failed")

// Inbound event names.
const (
	EventIdentify          = "identify"
	EventSendMessage       = "sendMessage"
	EventSendChatMessage   = "sendChatMessage"
	EventUpdateStatus      = "updateStatus"
	EventClearConversation = "clearConversation"
	EventClearAck          = "clearAck"
)

// Outbound event names.
const (
	EventIdentified    = "identified"
	EventMessage       = "message"
	EventStatusChanged = "statusChanged"
	EventPresence      = "presence"
	EventOnlineSet     = "onlineSet"
	EventCleared       = "clearedConfirmation"
	EventRemoteClear   = "remoteClear"
	EventError         = "error"
)

// ClientEvent is the tagged envelope for inbound frames.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the tagged envelope for outbound frames.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Identify is the authentication handshake, required as the first frame
// on every connection.
type Identify struct {
	Identifier string `json:"identifier"`
	Proof      string `json:"proof"`
}

func (e *Identify) Validate() error {
	if e.Identifier == "" {
		return fmt.Errorf("%w: identify requires identifier", ErrValidation)
	}
	if e.Proof == "" {
		return fmt.Errorf("%w: identify requires proof", ErrValidation)
	}
	return nil
}

// SendMessage carries a direct (single-recipient) encrypted payload.
type SendMessage struct {
	MessageID        string `json:"messageId"`
	ChatID           string `json:"chatId"`
	SenderID         string `json:"senderId"`
	ReceiverID       string `json:"receiverId"`
	EncryptedContent string `json:"encryptedContent"`
	IV               string `json:"iv"`
}

func (e *SendMessage) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("%w: sendMessage requires messageId", ErrValidation)
	case e.SenderID == "":
		return fmt.Errorf("%w: sendMessage requires senderId", ErrValidation)
	case e.ReceiverID == "":
		return fmt.Errorf("%w: sendMessage requires receiverId", ErrValidation)
	case e.EncryptedContent == "":
		return fmt.Errorf("%w: sendMessage requires encryptedContent", ErrValidation)
	case e.IV == "":
		return fmt.Errorf("%w: sendMessage requires iv", ErrValidation)
	}
	if _, err := uuid.Parse(e.MessageID); err != nil {
		return fmt.Errorf("%w: messageId must be a UUID", ErrValidation)
	}
	return nil
}

// SendChatMessage carries an encrypted payload addressed to a recipient
// list, one independent delivery status per recipient.
type SendChatMessage struct {
	MessageID        string   `json:"messageId"`
	ChatID           string   `json:"chatId"`
	SenderID         string   `json:"senderId"`
	Recipients       []string `json:"recipients"`
	EncryptedContent string   `json:"encryptedContent"`
	IV               string   `json:"iv"`
}

func (e *SendChatMessage) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("%w: sendChatMessage requires messageId", ErrValidation)
	case e.ChatID == "":
		return fmt.Errorf("%w: sendChatMessage requires chatId", ErrValidation)
	case e.SenderID == "":
		return fmt.Errorf("%w: sendChatMessage requires senderId", ErrValidation)
	case len(e.Recipients) == 0:
		return fmt.Errorf("%w: sendChatMessage requires recipients", ErrValidation)
	case e.EncryptedContent == "":
		return fmt.Errorf("%w: sendChatMessage requires encryptedContent", ErrValidation)
	case e.IV == "":
		return fmt.Errorf("%w: sendChatMessage requires iv", ErrValidation)
	}
	if _, err := uuid.Parse(e.MessageID); err != nil {
		return fmt.Errorf("%w: messageId must be a UUID", ErrValidation)
	}
	for _, r := range e.Recipients {
		if r == "" {
			return fmt.Errorf("%w: recipients must not contain empty identifiers", ErrValidation)
		}
	}
	return nil
}

// UpdateStatus is a delivery-status transition emitted by a recipient.
// Routing derives the destination from the stored record's sender;
// Receiver is the fallback destination when the record cannot be
// loaded. Sender is the emitting client's own view and is not
// consulted for routing.
type UpdateStatus struct {
	MessageID string `json:"messageId"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
}

func (e *UpdateStatus) Validate() error {
	switch {
	case e.MessageID == "":
		return fmt.Errorf("%w: updateStatus requires messageId", ErrValidation)
	case e.Attribute != "status":
		return fmt.Errorf("%w: updateStatus attribute must be %q", ErrValidation, "status")
	}
	if !status.Valid(status.Status(e.Value)) {
		return fmt.Errorf("%w: unknown status value %q", ErrValidation, e.Value)
	}
	return nil
}

// ClearConversation requests a two-phase delete of every message
// between the authenticated initiator and ContactID.
type ClearConversation struct {
	ContactID string `json:"contactId"`
}

func (e *ClearConversation) Validate() error {
	if e.ContactID == "" {
		return fmt.Errorf("%w: clearConversation requires contactId", ErrValidation)
	}
	return nil
}

// ClearAck is the remote peer's completion acknowledgment for a
// conversation clear. ContactID carries the identifier of the party
// that initiated the clear.
type ClearAck struct {
	ContactID string `json:"contactId"`
	From      string `json:"from"`
}

func (e *ClearAck) Validate() error {
	if e.ContactID == "" {
		return fmt.Errorf("%w: clearAck requires contactId", ErrValidation)
	}
	return nil
}

// MessagePayload is the outbound body of a relayed message.
type MessagePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
	Sender    string `json:"sender"`
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Timestamp int64  `json:"timestamp"`
}

// StatusPayload is the outbound body of a delivery-status event.
type StatusPayload struct {
	MessageID string `json:"messageId"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Sender    string `json:"sender"`
}

// PresencePayload announces a single identity going online or offline.
type PresencePayload struct {
	Identifier string `json:"identifier"`
	IsOnline   bool   `json:"isOnline"`
}

// OnlineSetPayload is the initial reachability snapshot pushed to a
// freshly identified connection.
type OnlineSetPayload struct {
	Identifiers []string `json:"identifiers"`
}

// RemoteClearPayload instructs a client to discard its local copy of
// the conversation with ContactID.
type RemoteClearPayload struct {
	ContactID string `json:"contactId"`
}

// ErrorPayload reports a rejected frame back to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewIdentified(identifier string) ServerEvent {
	return ServerEvent{Event: EventIdentified, Data: map[string]string{"identifier": identifier}}
}

func NewMessage(p MessagePayload) ServerEvent {
	return ServerEvent{Event: EventMessage, Data: p}
}

func NewStatusChanged(p StatusPayload) ServerEvent {
	return ServerEvent{Event: EventStatusChanged, Data: p}
}

func NewPresence(identifier string, online bool) ServerEvent {
	return ServerEvent{Event: EventPresence, Data: PresencePayload{Identifier: identifier, IsOnline: online}}
}

func NewOnlineSet(identifiers []string) ServerEvent {
	return ServerEvent{Event: EventOnlineSet, Data: OnlineSetPayload{Identifiers: identifiers}}
}

func NewCleared() ServerEvent {
	return ServerEvent{Event: EventCleared}
}

func NewRemoteClear(contactID string) ServerEvent {
	return ServerEvent{Event: EventRemoteClear, Data: RemoteClearPayload{ContactID: contactID}}
}

// NewClearAck echoes a clear acknowledgment to the initiator, naming
// the party that completed its local clear.
func NewClearAck(from string) ServerEvent {
	return ServerEvent{Event: EventClearAck, Data: ClearAck{ContactID: from}}
}

func NewError(code, message string) ServerEvent {
	return ServerEvent{Event: EventError, Data: ErrorPayload{Code: code, Message: message}}
}

// DecodeClientEvent parses a raw inbound frame into its envelope.
func DecodeClientEvent(raw []byte) (*ClientEvent, error) {
	var evt ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrValidation, err)
	}
	if evt.Event == "" {
		return nil, fmt.Errorf("%w: frame missing event name", ErrValidation)
	}
	return &evt, nil
}

// DecodeInto unmarshals the envelope data into the given payload and
// validates it.
func DecodeInto(evt *ClientEvent, payload interface{ Validate() error }) error {
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, payload); err != nil {
			return fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, evt.Event, err)
		}
	}
	return payload.Validate()
}
