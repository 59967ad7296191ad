// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb

import (
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/cmn/mono"
	"github.com/NVIDIA/meshrank/cmn/nlog"
)

type (
	DeviceSnap struct {
		ByPub     map[string]*api.Device
		ByHash    map[string][]*api.Device // hashByte -> devices sharing it
		UpdatedAt time.Time
	}
	ObserverSnap struct {
		ByID      map[string]*api.Observer
		UpdatedAt time.Time
	}

	devCacheEntry struct {
		snap   *DeviceSnap
		expiry int64 // mono nanos
	}
	obsCacheEntry struct {
		snap   *ObserverSnap
		expiry int64
	}
	atomicDevCache struct{ p atomic.Pointer[devCacheEntry] }
	atomicObsCache struct{ p atomic.Pointer[obsCacheEntry] }
)

// raw_json as the ingest decoder writes it; only the fields this side reads
type rawDevice struct {
	Role     string `json:"role"`
	AppFlags struct {
		RoleCode int    `json:"roleCode"`
		RoleName string `json:"roleName"`
	} `json:"appFlags"`
	DeviceRole     string `json:"deviceRole"`
	VerifiedAdvert bool   `json:"verifiedAdvert"`
	NameValid      *bool  `json:"nameValid"`
	LastAdvertIngestMs int64 `json:"lastAdvertIngestMs"`
	Meta           struct {
		Backfilled bool `json:"backfilled"`
	} `json:"meta"`
}

// admin overlay record (devices.json / observers.json); pointer fields
// distinguish "unset" from "false"
type overlayRecord struct {
	Name           *string  `json:"name"`
	Gps            *api.Gps `json:"gps"`
	HiddenOnMap    *bool    `json:"hiddenOnMap"`
	GpsImplausible *bool    `json:"gpsImplausible"`
	GpsFlagged     *bool    `json:"gpsFlagged"`
	GpsEstimated   *bool    `json:"gpsEstimated"`
	Role           string   `json:"role"`
	NameValid      *bool    `json:"nameValid"`
	BestRepeaterPub string  `json:"bestRepeaterPub"`
	Raw            struct {
		Meta struct {
			Backfilled bool `json:"backfilled"`
		} `json:"meta"`
	} `json:"raw"`
}

// ReadDevices returns the merged device snapshot, cached for DeviceCacheTTL.
// Concurrent refreshes are benign: last writer wins with an equivalent snapshot.
func (db *DB) ReadDevices() *DeviceSnap {
	if e := db.devCache.p.Load(); e != nil && mono.NanoTime() < e.expiry {
		return e.snap
	}
	snap := db.buildDeviceSnap()
	db.devCache.p.Store(&devCacheEntry{snap: snap, expiry: mono.NanoTime() + cmn.DeviceCacheTTL.Nanoseconds()})
	return snap
}

func (db *DB) ReadObservers() *ObserverSnap {
	if e := db.obsCache.p.Load(); e != nil && mono.NanoTime() < e.expiry {
		return e.snap
	}
	snap := db.buildObserverSnap()
	db.obsCache.p.Store(&obsCacheEntry{snap: snap, expiry: mono.NanoTime() + cmn.DeviceCacheTTL.Nanoseconds()})
	return snap
}

// InvalidateDevices forces a bypass read after an admin mutation.
func (db *DB) InvalidateDevices() {
	db.devCache.p.Store(nil)
	db.obsCache.p.Store(nil)
}

func (db *DB) buildDeviceSnap() *DeviceSnap {
	snap := &DeviceSnap{
		ByPub:     make(map[string]*api.Device, 256),
		ByHash:    make(map[string][]*api.Device, 256),
		UpdatedAt: time.Now(),
	}
	rows, err := db.Query(`SELECT pub, name, is_repeater, is_observer, last_seen, observer_last_seen,
		last_advert_heard_ms, gps_lat, gps_lon, raw_json, hidden_on_map FROM devices`)
	if err != nil {
		nlog.Errorf("meshdb: read devices: %v (falling back to overlay)", err)
	} else {
		defer rows.Close()
		for rows.Next() {
			var (
				d           api.Device
				name        sql.NullString
				lastSeen    sql.NullString
				obsLastSeen sql.NullString
				advertMs    sql.NullInt64
				lat, lon    sql.NullFloat64
				rawJSON     sql.NullString
				hidden      int
			)
			if err := rows.Scan(&d.Pub, &name, &d.IsRepeater, &d.IsObserver, &lastSeen, &obsLastSeen,
				&advertMs, &lat, &lon, &rawJSON, &hidden); err != nil {
				continue
			}
			d.Name = name.String
			d.Pub = strings.ToUpper(d.Pub)
			d.LastSeen = lastSeen.String
			d.ObserverLastSeen = obsLastSeen.String
			d.LastAdvertHeardMs = cos.NormEpochMs(advertMs.Int64)
			d.HiddenOnMap = hidden != 0
			if lat.Valid && lon.Valid && geo.Valid(lat.Float64, lon.Float64) {
				d.Gps = &api.Gps{Lat: lat.Float64, Lon: lon.Float64}
			}
			applyRaw(&d, rawJSON.String)
			snap.ByPub[d.Pub] = &d
		}
	}

	db.applyDeviceOverlay(snap)

	for _, d := range snap.ByPub {
		hb := d.HashByte()
		snap.ByHash[hb] = append(snap.ByHash[hb], d)
	}
	return snap
}

func applyRaw(d *api.Device, rawJSON string) {
	d.NameValid = nameLooksValid(d.Name)
	if rawJSON == "" {
		if d.IsRepeater {
			d.Role = api.RoleRepeater
		}
		return
	}
	var raw rawDevice
	if !cos.TryUnmarshal([]byte(rawJSON), &raw) {
		return
	}
	d.VerifiedAdvert = raw.VerifiedAdvert
	d.Backfilled = raw.Meta.Backfilled
	d.LastAdvertIngestMs = cos.NormEpochMs(raw.LastAdvertIngestMs)
	if raw.NameValid != nil {
		d.NameValid = *raw.NameValid
	}
	d.Role = resolveRole(raw.AppFlags.RoleName, raw.Role, raw.DeviceRole, d.IsRepeater)
}

func resolveRole(roleName, role, deviceRole string, isRepeater bool) string {
	for _, r := range []string{roleName, role, deviceRole} {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "repeater":
			return api.RoleRepeater
		case "companion":
			return api.RoleCompanion
		case "room-server", "roomserver", "room":
			return api.RoleRoomServer
		case "chat", "chatnode":
			return api.RoleChat
		}
	}
	if isRepeater {
		return api.RoleRepeater
	}
	return ""
}

func nameLooksValid(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	// hex-blob placeholder names are what the ingest writes before an advert
	// carries a real one
	if len(name) >= 4 && cos.IsHexString(name) {
		return false
	}
	return true
}

func (db *DB) applyDeviceOverlay(snap *DeviceSnap) {
	var overlay map[string]overlayRecord
	if err := cos.LoadJSON(cmn.Rom.DataFile("devices.json"), &overlay); err != nil {
		return // overlay is optional
	}
	for pub, rec := range overlay {
		pub = strings.ToUpper(pub)
		d := snap.ByPub[pub]
		if d == nil {
			d = &api.Device{Pub: pub}
			snap.ByPub[pub] = d
		}
		if rec.Name != nil {
			d.Name = *rec.Name
			d.NameValid = nameLooksValid(d.Name)
		}
		if rec.Gps != nil && rec.Gps.Valid() {
			d.Gps = rec.Gps
		}
		if rec.HiddenOnMap != nil {
			d.HiddenOnMap = *rec.HiddenOnMap
		}
		if rec.GpsImplausible != nil {
			d.GpsImplausible = *rec.GpsImplausible
		}
		if rec.GpsFlagged != nil {
			d.GpsFlagged = *rec.GpsFlagged
		}
		if rec.GpsEstimated != nil {
			d.GpsEstimated = *rec.GpsEstimated
		}
		if rec.NameValid != nil {
			d.NameValid = *rec.NameValid
		}
		if rec.Role != "" {
			d.Role = resolveRole(rec.Role, "", "", d.IsRepeater)
		}
		if rec.Raw.Meta.Backfilled {
			d.Backfilled = true
		}
	}
}

func (db *DB) buildObserverSnap() *ObserverSnap {
	snap := &ObserverSnap{ByID: make(map[string]*api.Observer, 64), UpdatedAt: time.Now()}
	rows, err := db.Query(`SELECT pub, name, observer_last_seen, last_seen, gps_lat, gps_lon
		FROM devices WHERE is_observer = 1`)
	if err != nil {
		nlog.Errorf("meshdb: read observers: %v (falling back to overlay)", err)
	} else {
		defer rows.Close()
		for rows.Next() {
			var (
				o           api.Observer
				name        sql.NullString
				obsLastSeen sql.NullString
				lastSeen    sql.NullString
				lat, lon    sql.NullFloat64
			)
			if err := rows.Scan(&o.ID, &name, &obsLastSeen, &lastSeen, &lat, &lon); err != nil {
				continue
			}
			o.Name = name.String
			o.LastSeen = obsLastSeen.String
			if o.LastSeen == "" {
				o.LastSeen = lastSeen.String
			}
			if lat.Valid && lon.Valid && geo.Valid(lat.Float64, lon.Float64) {
				o.Gps = &api.Gps{Lat: lat.Float64, Lon: lon.Float64}
			}
			snap.ByID[o.ID] = &o
		}
	}

	var overlay map[string]struct {
		Name            *string  `json:"name"`
		FirstSeen       string   `json:"firstSeen"`
		LastSeen        string   `json:"lastSeen"`
		Count           int64    `json:"count"`
		Gps             *api.Gps `json:"gps"`
		GpsEstimated    *bool    `json:"gpsEstimated"`
		BestRepeaterPub string   `json:"bestRepeaterPub"`
	}
	if err := cos.LoadJSON(cmn.Rom.DataFile("observers.json"), &overlay); err == nil {
		for id, rec := range overlay {
			o := snap.ByID[id]
			if o == nil {
				o = &api.Observer{ID: id}
				snap.ByID[id] = o
			}
			if rec.Name != nil {
				o.Name = *rec.Name
			}
			if rec.FirstSeen != "" {
				o.FirstSeen = rec.FirstSeen
			}
			if rec.LastSeen != "" && o.LastSeen == "" {
				o.LastSeen = rec.LastSeen
			}
			if rec.Count > 0 {
				o.Count = rec.Count
			}
			if rec.Gps != nil && rec.Gps.Valid() {
				o.Gps = rec.Gps
			}
			if rec.GpsEstimated != nil {
				o.GpsEstimated = *rec.GpsEstimated
			}
			if rec.BestRepeaterPub != "" {
				o.BestRepeaterPub = rec.BestRepeaterPub
			}
		}
	}
	return snap
}
