// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"database/sql"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/pkg/errors"
)

// singleton cache tables: repeater_rank_cache, observer_rank_cache, meshscore_cache

func (db *DB) GetCachePayload(table string) (payload, updatedAt string, ok bool) {
	err := db.QueryRow(`SELECT payload, updated_at FROM ` + table + ` WHERE id = 1`).Scan(&payload, &updatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			nlog.Errorf("meshdb: read %s: %v", table, err)
		}
		return "", "", false
	}
	return payload, updatedAt, payload != ""
}

func (db *DB) PutCachePayload(table, payload string) error {
	_, err := db.Exec(`INSERT INTO `+table+` (id, updated_at, payload) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, payload = excluded.payload`,
		cos.FormatTs(time.Now()), payload)
	return errors.Wrapf(err, "meshdb: persist %s", table)
}

//
// repeater rank history (at most one row per 10 minutes)
//

const historyMinGap = 10 * time.Minute

func (db *DB) AppendRankHistory(total, active, total24h int, cachedAt string) {
	var lastRec sql.NullString
	db.QueryRow(`SELECT recorded_at FROM repeater_rank_history ORDER BY id DESC LIMIT 1`).Scan(&lastRec)
	if lastRec.Valid {
		if t, ok := cos.ParseTs(lastRec.String); ok && time.Since(t) < historyMinGap {
			return
		}
	}
	if _, err := db.Exec(`INSERT INTO repeater_rank_history (recorded_at, total, active, total24h, cached_at)
		VALUES (?, ?, ?, ?, ?)`, cos.FormatTs(time.Now()), total, active, total24h, cachedAt); err != nil {
		nlog.Errorf("meshdb: rank history: %v", err)
	}
}

func (db *DB) ReadRankHistory(limit int) ([]api.RankSummary, error) {
	rows, err := db.Query(`SELECT recorded_at, total, active, total24h, cached_at
		FROM repeater_rank_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.RankSummary
	for rows.Next() {
		var (
			s        api.RankSummary
			recorded string
		)
		if rows.Scan(&recorded, &s.Total, &s.Active, &s.Total24h, &s.CachedAt) == nil {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

//
// meshscore_daily
//

func (db *DB) UpsertMeshScoreDay(d api.MeshScoreDay) error {
	_, err := db.Exec(`INSERT INTO meshscore_daily (day, score, messages, avg_repeats, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET score = excluded.score, messages = excluded.messages,
			avg_repeats = excluded.avg_repeats, updated_at = excluded.updated_at`,
		d.Day, d.Score, d.Messages, d.AvgRepeats, cos.FormatTs(time.Now()))
	return errors.Wrap(err, "meshdb: meshscore upsert")
}

func (db *DB) ReadMeshScoreDays(limit int) ([]api.MeshScoreDay, error) {
	rows, err := db.Query(`SELECT day, score, messages, avg_repeats FROM meshscore_daily
		ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.MeshScoreDay
	for rows.Next() {
		var d api.MeshScoreDay
		if rows.Scan(&d.Day, &d.Score, &d.Messages, &d.AvgRepeats) == nil {
			out = append(out, d)
		}
	}
	// ascending by date for the series contract
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

//
// current_repeaters
//

// UpsertCurrentRepeaters finalizes a rank rebuild in one small transaction.
func (db *DB) UpsertCurrentRepeaters(items []api.RankItem) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "meshdb: current_repeaters begin")
	}
	now := cos.FormatTs(time.Now())
	stmt, err := tx.Prepare(`INSERT INTO current_repeaters
		(pub, name, gps_lat, gps_lon, last_advert_heard_ms, visible, best_rssi, best_snr, avg_rssi, avg_snr,
		 total24h, score, color, quality, is_live, stale, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pub) DO UPDATE SET
			name = excluded.name, gps_lat = excluded.gps_lat, gps_lon = excluded.gps_lon,
			last_advert_heard_ms = excluded.last_advert_heard_ms, visible = 1,
			best_rssi = excluded.best_rssi, best_snr = excluded.best_snr,
			avg_rssi = excluded.avg_rssi, avg_snr = excluded.avg_snr,
			total24h = excluded.total24h, score = excluded.score, color = excluded.color,
			quality = excluded.quality, is_live = excluded.is_live, stale = excluded.stale,
			last_seen = excluded.last_seen, updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "meshdb: current_repeaters prepare")
	}
	defer stmt.Close()
	for i := range items {
		it := &items[i]
		var lat, lon any
		if it.Gps != nil {
			lat, lon = it.Gps.Lat, it.Gps.Lon
		}
		stale := !it.IsLive
		if _, err := stmt.Exec(it.Pub, it.Name, lat, lon, it.LastAdvertIngestMs,
			it.BestRssi, it.BestSnr, it.AvgRssi, it.AvgSnr, it.Total24h, it.Score, it.Color,
			it.Quality, it.IsLive, stale, it.LastSeen, now); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "meshdb: current_repeaters upsert")
		}
	}
	return errors.Wrap(tx.Commit(), "meshdb: current_repeaters commit")
}

// UpdateRepeaterScores is the 5-minute scoring task's narrow write.
func (db *DB) UpdateRepeaterScores(scores map[string]int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	now := cos.FormatTs(time.Now())
	for pub, score := range scores {
		if _, err := tx.Exec(`UPDATE current_repeaters SET score = ?, updated_at = ? WHERE pub = ?`,
			score, now, pub); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SweepVisibility hides repeaters not heard within the active window while
// retaining their rows for history.
func (db *DB) SweepVisibility(cutoffMs int64) (int64, error) {
	res, err := db.Exec(`UPDATE current_repeaters SET visible = 0
		WHERE visible = 1 AND (last_advert_heard_ms IS NULL OR last_advert_heard_ms < ?)`, cutoffMs)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

//
// site settings
//

func (db *DB) GetSetting(key string) (string, bool) {
	var v string
	if err := db.QueryRow(`SELECT value FROM site_settings WHERE key = ?`, key).Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

func (db *DB) PutSetting(key, value string) error {
	_, err := db.Exec(`INSERT INTO site_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, cos.FormatTs(time.Now()))
	return err
}

//
// stats_5m
//

func (db *DB) BumpStatsBucket(bucketTs string, messages, packets, observers int) error {
	_, err := db.Exec(`INSERT INTO stats_5m (bucket_ts, messages, packets, observers) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket_ts) DO UPDATE SET
			messages = stats_5m.messages + excluded.messages,
			packets = stats_5m.packets + excluded.packets,
			observers = MAX(stats_5m.observers, excluded.observers)`,
		bucketTs, messages, packets, observers)
	return err
}

func (db *DB) LatestStatsBucket() (bucketTs string, messages, packets, observers int) {
	db.QueryRow(`SELECT bucket_ts, messages, packets, observers FROM stats_5m
		ORDER BY bucket_ts DESC LIMIT 1`).Scan(&bucketTs, &messages, &packets, &observers)
	return
}

//
// ingest metrics (written by the ingest side; surfaced in /api/health)
//

func (db *DB) ReadIngestMetrics() map[string]int64 {
	out := make(map[string]int64)
	rows, err := db.Query(`SELECT name, value FROM ingest_metrics`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			v    int64
		)
		if rows.Scan(&name, &v) == nil {
			out[name] = v
		}
	}
	return out
}
