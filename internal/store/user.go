package store

import (
	"database/sql"
	"time"
)

// CreateUser inserts a new account row.
func (db *DB) CreateUser(u *User) error {
	res, err := db.Exec(`
		INSERT INTO users (username, password_hash, identifier, identity_key, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.Identifier, u.IdentityKey, u.LastSeen, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// GetUserByUsername returns nil, nil when absent.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.getUser(`SELECT id, username, password_hash, identifier, identity_key, signed_prekey, last_seen FROM users WHERE username = ?`, username)
}

// GetUserByIdentifier returns nil, nil when absent.
func (db *DB) GetUserByIdentifier(identifier string) (*User, error) {
	return db.getUser(`SELECT id, username, password_hash, identifier, identity_key, signed_prekey, last_seen FROM users WHERE identifier = ?`, identifier)
}

// HasIdentifier reports whether the public handle is already taken.
func (db *DB) HasIdentifier(identifier string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE identifier = ?`, identifier).Scan(&n)
	return n > 0, err
}

// TouchLastSeen records the most recent time the user was connected.
func (db *DB) TouchLastSeen(identifier string) error {
	_, err := db.Exec(`UPDATE users SET last_seen = ? WHERE identifier = ?`, time.Now().UnixMilli(), identifier)
	return err
}

func (db *DB) getUser(query string, arg any) (*User, error) {
	row := db.QueryRow(query, arg)
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Identifier, &u.IdentityKey, &u.SignedPreKey, &u.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
