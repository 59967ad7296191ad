// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"database/sql"
	"time"

	"github.com/NVIDIA/meshrank/cmn/cos"
)

type (
	User struct {
		ID        int64
		Email     string
		Name      string
		PassHash  string
		PassSalt  string
		GoogleSub string
		IsAdmin   bool
	}
	Session struct {
		Token     string
		UserID    int64
		CreatedAt string
		ExpiresAt string
	}
	CatalogChannel struct {
		Name         string `json:"name"`
		Emoji        string `json:"emoji,omitempty"`
		Group        string `json:"group,omitempty"`
		Code         string `json:"code,omitempty"`
		AllowPopular bool   `json:"allowPopular"`
		CreatedAt    string `json:"createdAt,omitempty"`
		Blocked      bool   `json:"blocked,omitempty"`
	}
)

// channels every user keeps regardless of their own list
var FixedChannels = []string{"#public", "#meshranksuggestions"}

func (db *DB) CreateUser(u *User) error {
	res, err := db.Exec(`INSERT INTO users (email, name, pass_hash, pass_salt, google_sub, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.Name, u.PassHash, u.PassSalt, u.GoogleSub, u.IsAdmin, cos.FormatTs(time.Now()))
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) FindUserByEmail(email string) (*User, bool) {
	return db.findUser(`SELECT id, email, name, pass_hash, pass_salt, google_sub, is_admin FROM users WHERE email = ?`, email)
}

func (db *DB) FindUserByID(id int64) (*User, bool) {
	return db.findUser(`SELECT id, email, name, pass_hash, pass_salt, google_sub, is_admin FROM users WHERE id = ?`, id)
}

func (db *DB) FindUserByGoogleSub(sub string) (*User, bool) {
	return db.findUser(`SELECT id, email, name, pass_hash, pass_salt, google_sub, is_admin FROM users WHERE google_sub = ?`, sub)
}

func (db *DB) findUser(q string, arg any) (*User, bool) {
	var (
		u                     User
		name, hash, salt, sub sql.NullString
	)
	err := db.QueryRow(q, arg).Scan(&u.ID, &u.Email, &name, &hash, &salt, &sub, &u.IsAdmin)
	if err != nil {
		return nil, false
	}
	u.Name, u.PassHash, u.PassSalt, u.GoogleSub = name.String, hash.String, salt.String, sub.String
	return &u, true
}

func (db *DB) InsertSession(s *Session) error {
	_, err := db.Exec(`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		s.Token, s.UserID, s.CreatedAt, s.ExpiresAt)
	return err
}

func (db *DB) FindSession(token string) (*Session, bool) {
	var s Session
	err := db.QueryRow(`SELECT token, user_id, created_at, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&s.Token, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, false
	}
	if t, ok := cos.ParseTs(s.ExpiresAt); ok && time.Now().After(t) {
		db.DeleteSession(token)
		return nil, false
	}
	return &s, true
}

func (db *DB) DeleteSession(token string) {
	db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
}

//
// user channels
//

func (db *DB) UserChannels(userID int64) []string {
	seen := make(map[string]struct{}, 8)
	out := make([]string, 0, 8)
	for _, name := range FixedChannels {
		seen[name] = struct{}{}
		out = append(out, name)
	}
	rows, err := db.Query(`SELECT channel_name FROM user_channels WHERE user_id = ?`, userID)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			name = cos.NormChannel(name)
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

func (db *DB) AddUserChannel(userID int64, name string) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO user_channels (user_id, channel_name) VALUES (?, ?)`,
		userID, cos.NormChannel(name))
	return err
}

// RemoveUserChannel refuses the fixed set.
func (db *DB) RemoveUserChannel(userID int64, name string) (bool, error) {
	name = cos.NormChannel(name)
	for _, fixed := range FixedChannels {
		if name == fixed {
			return false, nil
		}
	}
	_, err := db.Exec(`DELETE FROM user_channels WHERE user_id = ? AND channel_name = ?`, userID, name)
	return err == nil, err
}

//
// channels catalog
//

func (db *DB) CatalogChannels() ([]CatalogChannel, error) {
	rows, err := db.Query(`SELECT c.name, c.emoji, c.grp, c.code, c.allow_popular, c.created_at,
		EXISTS (SELECT 1 FROM channel_blocks b WHERE b.channel_name = c.name)
		FROM channels_catalog c ORDER BY c.grp, c.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CatalogChannel
	for rows.Next() {
		var (
			c                         CatalogChannel
			emoji, grp, code, created sql.NullString
		)
		if rows.Scan(&c.Name, &emoji, &grp, &code, &c.AllowPopular, &created, &c.Blocked) == nil {
			c.Emoji, c.Group, c.Code, c.CreatedAt = emoji.String, grp.String, code.String, created.String
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (db *DB) UpsertCatalogChannel(c *CatalogChannel) error {
	created := c.CreatedAt
	if created == "" {
		created = cos.FormatTs(time.Now())
	}
	_, err := db.Exec(`INSERT INTO channels_catalog (name, emoji, grp, code, allow_popular, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET emoji = excluded.emoji, grp = excluded.grp,
			code = excluded.code, allow_popular = excluded.allow_popular`,
		cos.NormChannel(c.Name), c.Emoji, c.Group, c.Code, c.AllowPopular, created)
	return err
}

func (db *DB) MoveCatalogChannel(name, group string) error {
	_, err := db.Exec(`UPDATE channels_catalog SET grp = ? WHERE name = ?`, group, cos.NormChannel(name))
	return err
}

func (db *DB) SetChannelBlocked(name string, blocked bool) error {
	name = cos.NormChannel(name)
	if blocked {
		_, err := db.Exec(`INSERT OR IGNORE INTO channel_blocks (channel_name, blocked_at) VALUES (?, ?)`,
			name, cos.FormatTs(time.Now()))
		return err
	}
	_, err := db.Exec(`DELETE FROM channel_blocks WHERE channel_name = ?`, name)
	return err
}
