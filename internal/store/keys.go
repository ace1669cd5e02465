package store

import (
	"database/sql"
	"time"
)

// KeyBundle is the material a peer needs to establish a session: the
// account's long-term keys plus one consumed one-time prekey.
type KeyBundle struct {
	IdentityKey   string
	SignedPreKey  string
	OneTimePreKey string
}

// UploadKeys replaces the account's long-term key material and appends
// the given one-time prekeys to its pool, in one transaction.
func (db *DB) UploadKeys(identifier, identityKey, signedPreKey string, oneTimePreKeys []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE users SET identity_key = ?, signed_prekey = ? WHERE identifier = ?`,
		identityKey, signedPreKey, identifier); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, k := range oneTimePreKeys {
		if _, err := tx.Exec(`INSERT INTO prekeys (identifier, prekey, created_at) VALUES (?, ?, ?)`,
			identifier, k, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TakePreKey pops one bundle for the identifier: the oldest one-time
// prekey is removed so it can never be handed out twice. Returns
// nil, nil when the account has no complete bundle left.
func (db *DB) TakePreKey(identifier string) (*KeyBundle, error) {
	u, err := db.GetUserByIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if u == nil || u.IdentityKey == "" || u.SignedPreKey == "" {
		return nil, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	var prekey string
	err = tx.QueryRow(`SELECT id, prekey FROM prekeys WHERE identifier = ? ORDER BY id ASC LIMIT 1`,
		identifier).Scan(&id, &prekey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM prekeys WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &KeyBundle{IdentityKey: u.IdentityKey, SignedPreKey: u.SignedPreKey, OneTimePreKey: prekey}, nil
}

// CountPreKeys reports how many one-time prekeys remain in the pool, so
// clients know when to top up.
func (db *DB) CountPreKeys(identifier string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM prekeys WHERE identifier = ?`, identifier).Scan(&n)
	return n, err
}
