package store

import "github.com/quietwire/server/internal/status"

// User is a registered account. The identifier is the stable public
// handle used for routing; it is distinct from the row id.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Identifier   string
	IdentityKey  string
	SignedPreKey string
	LastSeen     int64
}

// Contact is one directed entry in an owner's address book.
type Contact struct {
	ID        int64
	Owner     string
	ContactID string
}

// Message is a direct message record: single recipient, single
// top-level delivery status.
type Message struct {
	ID               int64
	MessageID        string
	ChatID           string
	SenderID         string
	ReceiverID       string
	EncryptedContent string
	IV               string
	Status           status.Status
	Timestamp        int64
}

// ChatMessage is the multi-recipient record shape: the payload is
// stored once and each recipient carries an independent status.
type ChatMessage struct {
	ID               int64
	MessageID        string
	ChatID           string
	SenderID         string
	EncryptedContent string
	IV               string
	Timestamp        int64
	Recipients       []Recipient
}

// Recipient is one (userId, status) pair of a chat message.
type Recipient struct {
	UserID string
	Status status.Status
}
