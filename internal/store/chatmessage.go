package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quietwire/server/internal/status"
)

// InsertChatMessage persists a multi-recipient message and one `sent`
// recipient row per addressee, in a single transaction.
func (db *DB) InsertChatMessage(m *ChatMessage) error {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO chat_messages (message_id, chat_id, sender_id, encrypted_content, iv, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ChatID, m.SenderID, m.EncryptedContent, m.IV, m.Timestamp, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}

	for _, r := range m.Recipients {
		st := r.Status
		if st == "" {
			st = status.Sent
		}
		if _, err := tx.Exec(`
			INSERT INTO chat_recipients (message_id, user_id, status)
			VALUES (?, ?, ?)
			ON CONFLICT(message_id, user_id) DO NOTHING`,
			m.MessageID, r.UserID, string(st)); err != nil {
			return fmt.Errorf("insert recipient %s: %w", r.UserID, err)
		}
	}

	return tx.Commit()
}

// GetChatMessage loads a chat message and its recipient statuses.
// Returns nil, nil when absent.
func (db *DB) GetChatMessage(messageID string) (*ChatMessage, error) {
	row := db.QueryRow(`
		SELECT id, message_id, chat_id, sender_id, encrypted_content, iv, timestamp
		FROM chat_messages WHERE message_id = ?`, messageID)

	var m ChatMessage
	err := row.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.SenderID, &m.EncryptedContent, &m.IV, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT user_id, status FROM chat_recipients WHERE message_id = ? ORDER BY user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r Recipient
		var st string
		if err := rows.Scan(&r.UserID, &st); err != nil {
			return nil, err
		}
		r.Status = status.Status(st)
		m.Recipients = append(m.Recipients, r)
	}
	return &m, rows.Err()
}

// AdvanceRecipientStatus applies a forward-only transition to a single
// recipient's status on a chat message. Same conditional-update
// discipline as AdvanceMessageStatus: one statement, no regressions.
func (db *DB) AdvanceRecipientStatus(messageID, userID string, to status.Status) (bool, error) {
	prior := status.Prior(to)
	if len(prior) == 0 {
		return false, nil
	}
	args := []any{string(to), messageID, userID}
	marks := make([]string, len(prior))
	for i, p := range prior {
		marks[i] = "?"
		args = append(args, string(p))
	}
	res, err := db.Exec(
		`UPDATE chat_recipients SET status = ? WHERE message_id = ? AND user_id = ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListUndeliveredChat returns chat messages still marked `sent` for the
// given recipient, oldest first.
func (db *DB) ListUndeliveredChat(userID string) ([]ChatMessage, error) {
	rows, err := db.Query(`
		SELECT m.id, m.message_id, m.chat_id, m.sender_id, m.encrypted_content, m.iv, m.timestamp
		FROM chat_messages m
		JOIN chat_recipients r ON r.message_id = m.message_id
		WHERE r.user_id = ? AND r.status = ?
		ORDER BY m.timestamp ASC`,
		userID, string(status.Sent))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.SenderID, &m.EncryptedContent, &m.IV, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
