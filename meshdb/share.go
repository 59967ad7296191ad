// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"time"

	"github.com/NVIDIA/meshrank/cmn/cos"
)

type ShareRow struct {
	Code      string
	MessageID string
	CreatedAt string
	ExpiresAt string
}

func (s *ShareRow) Expired(now time.Time) bool {
	t, ok := cos.ParseTs(s.ExpiresAt)
	return ok && now.After(t)
}

// FindShareByMessage returns the newest unexpired code for a message, if any.
func (db *DB) FindShareByMessage(messageID string, now time.Time) (*ShareRow, bool) {
	var s ShareRow
	err := db.QueryRow(`SELECT share_code, message_id, created_at, expires_at FROM route_share
		WHERE message_id = ? AND expires_at > ? ORDER BY created_at DESC LIMIT 1`,
		messageID, cos.FormatTs(now)).Scan(&s.Code, &s.MessageID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, false
	}
	return &s, true
}

func (db *DB) FindShareByCode(code string) (*ShareRow, bool) {
	var s ShareRow
	err := db.QueryRow(`SELECT share_code, message_id, created_at, expires_at FROM route_share
		WHERE share_code = ?`, code).Scan(&s.Code, &s.MessageID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, false
	}
	return &s, true
}

// InsertShare fails on code collision (primary key); the caller retries with
// a fresh code.
func (db *DB) InsertShare(s *ShareRow) error {
	_, err := db.Exec(`INSERT INTO route_share (share_code, message_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`, s.Code, s.MessageID, s.CreatedAt, s.ExpiresAt)
	return err
}

func (db *DB) DeleteShare(code string) {
	db.Exec(`DELETE FROM route_share WHERE share_code = ?`, code)
}

// SweepExpiredShares is best-effort: bounded delete on each share hit.
func (db *DB) SweepExpiredShares(now time.Time, limit int) int64 {
	res, err := db.Exec(`DELETE FROM route_share WHERE share_code IN (
		SELECT share_code FROM route_share WHERE expires_at <= ? LIMIT ?)`,
		cos.FormatTs(now), limit)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}
