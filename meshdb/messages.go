// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"database/sql"
	"strings"

	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/cmn/nlog"
)

type (
	MsgRow struct {
		RowID       int64
		MessageHash string
		FrameHash   string
		ChannelName string
		Sender      string
		SenderPub   string
		Body        string
		Ts          string
		PathJSON    string
		PathText    string
		PathLength  int
		Repeats     int
	}

	// per-message aggregate over message_observers
	ObsAgg struct {
		Observers  map[string]struct{}
		HopCodes   []string // union of observer-reported path tokens, first-seen order
		MaxPathLen int
	}

	ObsUpdate struct {
		RowID       int64
		MessageHash string
		ObserverID  string
		Ts          string
		TsMs        int64
		PathTokens  []string
		PathLength  int
	}
)

const msgCols = `rowid, message_hash, frame_hash, channel_name, sender, sender_pub, body, ts,
	path_json, path_text, path_length, repeats`

func scanMsgRow(rows interface{ Scan(...any) error }) (*MsgRow, error) {
	var (
		m                MsgRow
		frame, channel   sql.NullString
		sender           sql.NullString
		senderPub, body  sql.NullString
		ts, pjson, ptext sql.NullString
		plen, repeats    sql.NullInt64
	)
	if err := rows.Scan(&m.RowID, &m.MessageHash, &frame, &channel, &sender, &senderPub,
		&body, &ts, &pjson, &ptext, &plen, &repeats); err != nil {
		return nil, err
	}
	m.MessageHash = strings.ToUpper(m.MessageHash)
	m.ChannelName = channel.String
	m.FrameHash = strings.ToUpper(frame.String)
	m.Sender = sender.String
	m.SenderPub = senderPub.String
	m.Body = body.String
	m.Ts = ts.String
	m.PathJSON = pjson.String
	m.PathText = ptext.String
	m.PathLength = int(plen.Int64)
	m.Repeats = int(repeats.Int64)
	return &m, nil
}

func (db *DB) HasMessages() bool {
	var n int
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM messages)`).Scan(&n)
	return err == nil && n > 0
}

// FindMessage resolves a share id: a message hash or a frame hash, compared
// case-insensitively. The key must match a stored hash exactly; no prefix is
// stripped from it.
func (db *DB) FindMessage(key string) (*MsgRow, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return nil, cos.NewErrNotFound("message %q", key)
	}
	row := db.QueryRow(`SELECT `+msgCols+` FROM messages
		WHERE upper(message_hash) = ? OR upper(frame_hash) = ? LIMIT 1`, key, key)
	m, err := scanMsgRow(row)
	if err == sql.ErrNoRows {
		return nil, cos.NewErrNotFound("message %q", key)
	}
	return m, err
}

// ReadMessages lists channel history, newest first, optionally before a ts.
func (db *DB) ReadMessages(channel string, limit int, before string) ([]*MsgRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case channel != "" && before != "":
		rows, err = db.Query(`SELECT `+msgCols+` FROM messages
			WHERE channel_name = ? AND ts < ? ORDER BY ts DESC LIMIT ?`, channel, before, limit)
	case channel != "":
		rows, err = db.Query(`SELECT `+msgCols+` FROM messages
			WHERE channel_name = ? ORDER BY ts DESC LIMIT ?`, channel, limit)
	case before != "":
		rows, err = db.Query(`SELECT `+msgCols+` FROM messages
			WHERE ts < ? ORDER BY ts DESC LIMIT ?`, before, limit)
	default:
		rows, err = db.Query(`SELECT `+msgCols+` FROM messages ORDER BY ts DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMsgRows(rows)
}

func (db *DB) ListChannels() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT channel_name FROM messages WHERE channel_name != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// ChannelCounts24h backs the channel directory.
func (db *DB) ChannelCounts24h(sinceTs string) (map[string]int, error) {
	rows, err := db.Query(`SELECT channel_name, COUNT(*) FROM messages
		WHERE ts >= ? GROUP BY channel_name`, sinceTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if rows.Scan(&name, &n) == nil {
			out[cos.NormChannel(name)] = n
		}
	}
	return out, rows.Err()
}

func (db *DB) ReadMessagesSince(lastRowID int64, limit int) ([]*MsgRow, error) {
	rows, err := db.Query(`SELECT `+msgCols+` FROM messages WHERE rowid > ?
		ORDER BY rowid LIMIT ?`, lastRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMsgRows(rows)
}

func (db *DB) MaxMessagesRowID() int64 {
	var id sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(rowid) FROM messages`).Scan(&id); err != nil {
		nlog.Errorf("meshdb: max messages rowid: %v", err)
	}
	return id.Int64
}

func collectMsgRows(rows *sql.Rows) ([]*MsgRow, error) {
	var out []*MsgRow
	for rows.Next() {
		m, err := scanMsgRow(rows)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

//
// message_observers
//

// ReadMessageObserverAgg batches the per-message observer aggregate for the
// given hashes (single IN query).
func (db *DB) ReadMessageObserverAgg(hashes []string) (map[string]*ObsAgg, error) {
	out := make(map[string]*ObsAgg, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = strings.ToUpper(h)
	}
	rows, err := db.Query(`SELECT upper(message_hash), observer_id, path_text, path_json, path_length
		FROM message_observers WHERE upper(message_hash) IN (`+Placeholders(len(hashes))+`)`, args...)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			hash, obs    string
			ptext, pjson sql.NullString
			plen         sql.NullInt64
		)
		if rows.Scan(&hash, &obs, &ptext, &pjson, &plen) != nil {
			continue
		}
		agg := out[hash]
		if agg == nil {
			agg = &ObsAgg{Observers: make(map[string]struct{}, 4)}
			out[hash] = agg
		}
		agg.Observers[obs] = struct{}{}
		if int(plen.Int64) > agg.MaxPathLen {
			agg.MaxPathLen = int(plen.Int64)
		}
		for _, tok := range ParsePathTokens(ptext.String, pjson.String) {
			if !containsTok(agg.HopCodes, tok) {
				agg.HopCodes = append(agg.HopCodes, tok)
			}
		}
	}
	return out, rows.Err()
}

func (db *DB) ReadMessageObserverPaths(hashes []string) (map[string][][]string, error) {
	out := make(map[string][][]string, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = strings.ToUpper(h)
	}
	rows, err := db.Query(`SELECT upper(message_hash), path_text, path_json FROM message_observers
		WHERE upper(message_hash) IN (`+Placeholders(len(hashes))+`)`, args...)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			hash         string
			ptext, pjson sql.NullString
		)
		if rows.Scan(&hash, &ptext, &pjson) != nil {
			continue
		}
		if toks := ParsePathTokens(ptext.String, pjson.String); len(toks) > 0 {
			out[hash] = append(out[hash], toks)
		}
	}
	return out, rows.Err()
}

// ReadMessageObserverUpdatesSince drives the SSE packet poll and the geoscore
// feed.
func (db *DB) ReadMessageObserverUpdatesSince(lastRowID int64, limit int) ([]*ObsUpdate, int64, error) {
	rows, err := db.Query(`SELECT rowid, upper(message_hash), observer_id, ts, ts_ms, path_text, path_json, path_length
		FROM message_observers WHERE rowid > ? ORDER BY rowid LIMIT ?`, lastRowID, limit)
	if err != nil {
		return nil, lastRowID, err
	}
	defer rows.Close()
	var (
		out  []*ObsUpdate
		last = lastRowID
	)
	for rows.Next() {
		var (
			u            ObsUpdate
			ts           sql.NullString
			tsMs         sql.NullInt64
			ptext, pjson sql.NullString
			plen         sql.NullInt64
		)
		if rows.Scan(&u.RowID, &u.MessageHash, &u.ObserverID, &ts, &tsMs, &ptext, &pjson, &plen) != nil {
			continue
		}
		u.Ts = ts.String
		u.TsMs = cos.NormEpochMs(tsMs.Int64)
		u.PathTokens = ParsePathTokens(ptext.String, pjson.String)
		u.PathLength = int(plen.Int64)
		out = append(out, &u)
		if u.RowID > last {
			last = u.RowID
		}
	}
	return out, last, rows.Err()
}

func (db *DB) MaxMessageObserversRowID() int64 {
	var id sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(rowid) FROM message_observers`).Scan(&id); err != nil {
		nlog.Errorf("meshdb: max message_observers rowid: %v", err)
	}
	return id.Int64
}

// ReadEvidencePaths returns all observer-reported paths newer than tsMs, for
// the repeat-evidence pass.
func (db *DB) ReadEvidencePaths(sinceMs int64) ([][]string, error) {
	rows, err := db.Query(`SELECT path_text, path_json FROM message_observers
		WHERE ts_ms >= ? AND (path_text != '' OR path_json != '')`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]string
	for rows.Next() {
		var ptext, pjson sql.NullString
		if rows.Scan(&ptext, &pjson) != nil {
			continue
		}
		if toks := ParsePathTokens(ptext.String, pjson.String); len(toks) > 0 {
			out = append(out, toks)
		}
	}
	return out, rows.Err()
}

// ObserverPacketCounts aggregates rf_packets per observer since tsMs;
// only called when HasRfPackets().
func (db *DB) ObserverPacketCounts(sinceMs int64) (map[string]int64, error) {
	rows, err := db.Query(`SELECT observer_id, COUNT(*) FROM rf_packets
		WHERE ts_ms >= ? GROUP BY observer_id`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if rows.Scan(&id, &n) == nil {
			out[id] = n
		}
	}
	return out, rows.Err()
}

// ParsePathTokens decodes the pipe-separated path_text or the JSON array
// path_json into normalized 2-hex tokens; path_text wins when both present.
func ParsePathTokens(pathText, pathJSON string) []string {
	var raw []string
	switch {
	case pathText != "":
		raw = strings.Split(pathText, "|")
	case pathJSON != "":
		if !cos.TryUnmarshal([]byte(pathJSON), &raw) {
			return nil
		}
	default:
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, geo.NormalizePathHash(tok))
		}
	}
	return out
}

func containsTok(toks []string, tok string) bool {
	for _, t := range toks {
		if t == tok {
			return true
		}
	}
	return false
}
