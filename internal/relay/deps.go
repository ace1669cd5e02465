package relay

import (
	"github.com/quietwire/server/internal/status"
	"github.com/quietwire/server/internal/store"
)

// MessageStore is the persistence surface the relay routes through:
// both record shapes, their monotonic status advances, the reconnect
// re-scans, and the conversation delete.
type MessageStore interface {
	InsertMessage(m *store.Message) error
	GetMessage(messageID string) (*store.Message, error)
	AdvanceMessageStatus(messageID string, to status.Status) (bool, error)
	ListUndelivered(receiverID string) ([]store.Message, error)

	InsertChatMessage(m *store.ChatMessage) error
	GetChatMessage(messageID string) (*store.ChatMessage, error)
	AdvanceRecipientStatus(messageID, userID string, to status.Status) (bool, error)
	ListUndeliveredChat(userID string) ([]store.ChatMessage, error)

	DeleteConversation(a, b string) (int64, error)
}

// ContactDirectory resolves presence audiences and keeps the last-seen
// bookkeeping. OwnersOf is the reverse lookup: who holds this
// identifier as a contact.
type ContactDirectory interface {
	OwnersOf(identifier string) ([]string, error)
	ContactsOf(owner string) ([]string, error)
	TouchLastSeen(identifier string) error
}

var (
	_ MessageStore     = (*store.DB)(nil)
	_ ContactDirectory = (*store.DB)(nil)
)
