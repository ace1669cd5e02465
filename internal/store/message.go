package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/quietwire/server/internal/status"
)

// InsertMessage persists a direct message record with its initial
// status. The message_id unique constraint makes retried sends
// idempotent at the storage layer.
func (db *DB) InsertMessage(m *Message) error {
	if m.Status == "" {
		m.Status = status.Sent
	}
	if m.ChatID == "" {
		m.ChatID = "default"
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO messages (message_id, chat_id, sender_id, receiver_id, encrypted_content, iv, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ChatID, m.SenderID, m.ReceiverID, m.EncryptedContent, m.IV, string(m.Status), m.Timestamp, time.Now().UnixMilli())
	return err
}

// GetMessage loads a direct message by its message id. Returns nil, nil
// when absent.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, message_id, chat_id, sender_id, receiver_id, encrypted_content, iv, status, timestamp
		FROM messages WHERE message_id = ?`, messageID)

	var m Message
	var st string
	err := row.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.EncryptedContent, &m.IV, &st, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = status.Status(st)
	return &m, nil
}

// AdvanceMessageStatus applies a forward-only status transition to a
// direct message. The conditional WHERE clause makes the
// read-modify-write atomic at the statement level: a concurrent update
// cannot interleave, and a regression simply matches zero rows.
// Returns whether the transition was applied.
func (db *DB) AdvanceMessageStatus(messageID string, to status.Status) (bool, error) {
	prior := status.Prior(to)
	if len(prior) == 0 {
		return false, nil
	}
	args := []any{string(to), messageID}
	marks := make([]string, len(prior))
	for i, p := range prior {
		marks[i] = "?"
		args = append(args, string(p))
	}
	res, err := db.Exec(
		`UPDATE messages SET status = ? WHERE message_id = ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListUndelivered returns a recipient's direct messages still in `sent`
// state, oldest first. This backs the reconnect re-scan that makes
// delivery at-least-once across process restarts.
func (db *DB) ListUndelivered(receiverID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, message_id, chat_id, sender_id, receiver_id, encrypted_content, iv, status, timestamp
		FROM messages WHERE receiver_id = ? AND status = ? ORDER BY timestamp ASC`,
		receiverID, string(status.Sent))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// ListConversation returns all direct messages a party sent or
// received, oldest first. Backs the HTTP polling fallback.
func (db *DB) ListConversation(party string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, message_id, chat_id, sender_id, receiver_id, encrypted_content, iv, status, timestamp
		FROM messages WHERE receiver_id = ? OR sender_id = ? ORDER BY timestamp ASC`,
		party, party)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// DeleteConversation removes every direct message exchanged between the
// two parties, in either direction, and reports how many were deleted.
func (db *DB) DeleteConversation(a, b string) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var st string
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.EncryptedContent, &m.IV, &st, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Status = status.Status(st)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
