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
)

func (db *DB) UpsertGeoRoute(r *api.GeoRoute) error {
	_, err := db.Exec(`INSERT INTO geoscore_routes
		(msg_key, ts_ms, pubs_json, conf_json, route_conf, unresolved, max_teleport_km, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_key) DO UPDATE SET ts_ms = excluded.ts_ms, pubs_json = excluded.pubs_json,
			conf_json = excluded.conf_json, route_conf = excluded.route_conf,
			unresolved = excluded.unresolved, max_teleport_km = excluded.max_teleport_km,
			updated_at = excluded.updated_at`,
		r.MsgKey, r.TsMs, string(cos.MustMarshal(r.Pubs)), string(cos.MustMarshal(r.Confidences)),
		r.RouteConf, r.Unresolved, r.MaxTeleportKm, cos.FormatTs(time.Now()))
	return err
}

func (db *DB) ReadGeoRoute(msgKey string) (*api.GeoRoute, bool) {
	var (
		r          api.GeoRoute
		pubs, conf sql.NullString
	)
	err := db.QueryRow(`SELECT msg_key, ts_ms, pubs_json, conf_json, route_conf, unresolved, max_teleport_km
		FROM geoscore_routes WHERE msg_key = ?`, msgKey).
		Scan(&r.MsgKey, &r.TsMs, &pubs, &conf, &r.RouteConf, &r.Unresolved, &r.MaxTeleportKm)
	if err != nil {
		return nil, false
	}
	cos.TryUnmarshal([]byte(pubs.String), &r.Pubs)
	cos.TryUnmarshal([]byte(conf.String), &r.Confidences)
	return &r, true
}

func (db *DB) GeoRouteStats() (total, unresolved int64) {
	db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(unresolved), 0) FROM geoscore_routes`).Scan(&total, &unresolved)
	return
}

//
// observer homes
//

type ObserverHome struct {
	ObserverID string  `json:"observerId"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Source     string  `json:"source"`
}

func (db *DB) ReplaceObserverHomes(homes []ObserverHome) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM geoscore_observer_homes`); err != nil {
		tx.Rollback()
		return err
	}
	now := cos.FormatTs(time.Now())
	for _, h := range homes {
		if _, err := tx.Exec(`INSERT INTO geoscore_observer_homes (observer_id, lat, lon, source, updated_at)
			VALUES (?, ?, ?, ?, ?)`, h.ObserverID, h.Lat, h.Lon, h.Source, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (db *DB) ReadObserverHomes() map[string]ObserverHome {
	out := make(map[string]ObserverHome)
	rows, err := db.Query(`SELECT observer_id, lat, lon, source FROM geoscore_observer_homes`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var h ObserverHome
		if rows.Scan(&h.ObserverID, &h.Lat, &h.Lon, &h.Source) == nil {
			out[h.ObserverID] = h
		}
	}
	return out
}
