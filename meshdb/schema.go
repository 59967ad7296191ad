// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/pkg/errors"
)

// The ingest side owns devices/messages/message_observers/rf_packets; this
// side owns the cache, history, share, auth, and geoscore tables. Everything
// is created idempotently so either side can start first.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		pub TEXT PRIMARY KEY,
		name TEXT,
		is_repeater INTEGER DEFAULT 0,
		is_observer INTEGER DEFAULT 0,
		last_seen TEXT,
		observer_last_seen TEXT,
		last_advert_heard_ms INTEGER,
		gps_lat REAL,
		gps_lon REAL,
		raw_json TEXT,
		hidden_on_map INTEGER DEFAULT 0,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_repeater_advert ON devices(is_repeater, last_advert_heard_ms)`,

	`CREATE TABLE IF NOT EXISTS current_repeaters (
		pub TEXT PRIMARY KEY,
		name TEXT,
		gps_lat REAL,
		gps_lon REAL,
		last_advert_heard_ms INTEGER,
		hidden_on_map INTEGER DEFAULT 0,
		gps_implausible INTEGER DEFAULT 0,
		visible INTEGER DEFAULT 1,
		is_observer INTEGER DEFAULT 0,
		best_rssi REAL,
		best_snr REAL,
		avg_rssi REAL,
		avg_snr REAL,
		total24h INTEGER DEFAULT 0,
		score INTEGER DEFAULT 0,
		color TEXT,
		quality TEXT,
		is_live INTEGER DEFAULT 0,
		stale INTEGER DEFAULT 0,
		last_seen TEXT,
		updated_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_hash TEXT PRIMARY KEY,
		frame_hash TEXT,
		channel_name TEXT,
		channel_hash TEXT,
		sender TEXT,
		sender_pub TEXT,
		body TEXT,
		ts TEXT,
		path_json TEXT,
		path_text TEXT,
		path_length INTEGER DEFAULT 0,
		repeats INTEGER DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_name, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, channel_name, ts)`,

	`CREATE TABLE IF NOT EXISTS message_observers (
		message_hash TEXT,
		observer_id TEXT,
		observer_name TEXT,
		ts TEXT,
		ts_ms INTEGER,
		path_json TEXT,
		path_text TEXT,
		path_length INTEGER DEFAULT 0,
		PRIMARY KEY (message_hash, observer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_observers_hash ON message_observers(message_hash)`,

	`CREATE TABLE IF NOT EXISTS repeater_rank_cache (id INTEGER PRIMARY KEY CHECK (id = 1), updated_at TEXT, payload TEXT)`,
	`CREATE TABLE IF NOT EXISTS observer_rank_cache (id INTEGER PRIMARY KEY CHECK (id = 1), updated_at TEXT, payload TEXT)`,
	`CREATE TABLE IF NOT EXISTS meshscore_cache (id INTEGER PRIMARY KEY CHECK (id = 1), updated_at TEXT, payload TEXT)`,

	`CREATE TABLE IF NOT EXISTS meshscore_daily (
		day TEXT PRIMARY KEY,
		score INTEGER,
		messages INTEGER,
		avg_repeats REAL,
		updated_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS repeater_rank_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT,
		total INTEGER,
		active INTEGER,
		total24h INTEGER,
		cached_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS route_share (
		share_code TEXT PRIMARY KEY,
		message_id TEXT,
		created_at TEXT,
		expires_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_route_share_expires ON route_share(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_route_share_message ON route_share(message_id)`,

	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE,
		name TEXT,
		pass_hash TEXT,
		pass_salt TEXT,
		google_sub TEXT,
		is_admin INTEGER DEFAULT 0,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER,
		created_at TEXT,
		expires_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_channels (
		user_id INTEGER,
		channel_name TEXT,
		PRIMARY KEY (user_id, channel_name)
	)`,
	`CREATE TABLE IF NOT EXISTS user_nodes (
		user_id INTEGER,
		pub TEXT,
		PRIMARY KEY (user_id, pub)
	)`,
	`CREATE TABLE IF NOT EXISTS node_profiles (
		pub TEXT PRIMARY KEY,
		bio TEXT,
		url TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_claims (
		pub TEXT PRIMARY KEY,
		user_id INTEGER,
		claimed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS channels_catalog (
		name TEXT PRIMARY KEY,
		emoji TEXT,
		grp TEXT,
		code TEXT,
		allow_popular INTEGER DEFAULT 0,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS channel_blocks (
		channel_name TEXT PRIMARY KEY,
		blocked_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS site_settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stats_5m (
		bucket_ts TEXT PRIMARY KEY,
		messages INTEGER DEFAULT 0,
		packets INTEGER DEFAULT 0,
		observers INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS geoscore_routes (
		msg_key TEXT PRIMARY KEY,
		ts_ms INTEGER,
		pubs_json TEXT,
		conf_json TEXT,
		route_conf REAL,
		unresolved INTEGER DEFAULT 0,
		max_teleport_km REAL,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS geoscore_observer_homes (
		observer_id TEXT PRIMARY KEY,
		lat REAL,
		lon REAL,
		source TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_metrics (
		name TEXT PRIMARY KEY,
		value INTEGER DEFAULT 0,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS rejected_adverts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pub TEXT,
		reason TEXT,
		recorded_at TEXT
	)`,
}

// columns added after the initial schema shipped; ALTER failures on re-run
// are the idempotency contract, not errors
var lateColumns = []struct{ table, column, typ string }{
	{"devices", "observer_last_seen", "TEXT"},
	{"devices", "hidden_on_map", "INTEGER DEFAULT 0"},
	{"current_repeaters", "stale", "INTEGER DEFAULT 0"},
	{"current_repeaters", "is_live", "INTEGER DEFAULT 0"},
	{"current_repeaters", "quality", "TEXT"},
	{"messages", "channel_hash", "TEXT"},
	{"messages", "sender_pub", "TEXT"},
	{"message_observers", "observer_name", "TEXT"},
	{"message_observers", "ts_ms", "INTEGER"},
	{"users", "google_sub", "TEXT"},
}

func (db *DB) createTables() error {
	for _, stmt := range ddl {
		if _, err := db.sq.Exec(stmt); err != nil {
			return errors.Wrap(err, "meshdb: create tables")
		}
	}
	return nil
}

func (db *DB) addMissingColumns() {
	for _, lc := range lateColumns {
		if _, err := db.sq.Exec(`ALTER TABLE ` + lc.table + ` ADD COLUMN ` + lc.column + ` ` + lc.typ); err == nil {
			nlog.Infof("meshdb: added column %s.%s", lc.table, lc.column)
		}
	}
}
