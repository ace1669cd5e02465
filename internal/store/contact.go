package store

import "time"

// AddContact records contactID in owner's address book. Idempotent.
func (db *DB) AddContact(owner, contactID string) error {
	_, err := db.Exec(`
		INSERT INTO contacts (owner, contact_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner, contact_id) DO NOTHING`,
		owner, contactID, time.Now().UnixMilli())
	return err
}

// RemoveContact deletes contactID from owner's address book. No-op if absent.
func (db *DB) RemoveContact(owner, contactID string) error {
	_, err := db.Exec(`DELETE FROM contacts WHERE owner = ? AND contact_id = ?`, owner, contactID)
	return err
}

// OwnersOf is the reverse lookup: every owner who has identifier in
// their contact list. This is the presence fan-out audience.
func (db *DB) OwnersOf(identifier string) ([]string, error) {
	rows, err := db.Query(`SELECT owner FROM contacts WHERE contact_id = ? ORDER BY owner`, identifier)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// ContactsOf returns the identifiers in an owner's address book.
func (db *DB) ContactsOf(owner string) ([]string, error) {
	rows, err := db.Query(`SELECT contact_id FROM contacts WHERE owner = ? ORDER BY contact_id`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}
