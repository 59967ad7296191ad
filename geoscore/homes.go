// Package geoscore infers probable concrete repeater pubs for the hop tokens
// of observed routes, fed from the streaming message_observers updates.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package geoscore

import (
	"strings"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
)

// RebuildHomes resolves each observer's home coordinate: its own GPS from
// observers.json, else its best repeater's position, else the most recent
// path token whose hash maps to a unique GPS-valid repeater. Runs on boot
// and on admin request.
func (e *Engine) RebuildHomes() {
	var (
		observers = e.db.ReadObservers()
		devs      = e.db.ReadDevices()
		homes     = make([]meshdb.ObserverHome, 0, len(observers.ByID))
	)
	for id, obs := range observers.ByID {
		best := devs.ByPub[strings.ToUpper(obs.BestRepeaterPub)]
		switch {
		case obs.Gps.Valid():
			homes = append(homes, meshdb.ObserverHome{
				ObserverID: id, Lat: obs.Gps.Lat, Lon: obs.Gps.Lon, Source: "observer",
			})
		case obs.BestRepeaterPub != "" && best != nil && best.HasValidGps():
			homes = append(homes, meshdb.ObserverHome{
				ObserverID: id, Lat: best.Gps.Lat, Lon: best.Gps.Lon, Source: "best-repeater",
			})
		default:
			if h, ok := homeFromUniqueToken(id, e, devs); ok {
				homes = append(homes, h)
			}
		}
	}
	if err := e.db.ReplaceObserverHomes(homes); err != nil {
		nlog.Errorf("geoscore: homes: %v", err)
		return
	}
	byID := make(map[string]meshdb.ObserverHome, len(homes))
	for _, h := range homes {
		byID[h.ObserverID] = h
	}
	e.homes.Store(&byID)
	nlog.Infof("geoscore: rebuilt %d observer homes", len(homes))
}

// homeFromUniqueToken uses the observer's most recent path token that maps to
// exactly one GPS-valid repeater.
func homeFromUniqueToken(observerID string, e *Engine, devs *meshdb.DeviceSnap) (meshdb.ObserverHome, bool) {
	from := e.db.MaxMessageObserversRowID() - 2000
	if from < 0 {
		from = 0
	}
	updates, _, err := e.db.ReadMessageObserverUpdatesSince(from, 2000)
	if err != nil {
		return meshdb.ObserverHome{}, false
	}
	for i := len(updates) - 1; i >= 0; i-- {
		u := updates[i]
		if u.ObserverID != observerID || len(u.PathTokens) == 0 {
			continue
		}
		for j := len(u.PathTokens) - 1; j >= 0; j-- {
			tok := u.PathTokens[j]
			if tok == "??" {
				continue
			}
			if d, unique := uniqueRepeaterForHash(devs, tok); unique {
				return meshdb.ObserverHome{
					ObserverID: observerID, Lat: d.Gps.Lat, Lon: d.Gps.Lon, Source: "path-token",
				}, true
			}
		}
	}
	return meshdb.ObserverHome{}, false
}

func uniqueRepeaterForHash(devs *meshdb.DeviceSnap, tok string) (*api.Device, bool) {
	var found *api.Device
	for _, d := range devs.ByHash[tok] {
		if !d.IsRepeater || !d.HasValidGps() {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = d
	}
	return found, found != nil
}

func (e *Engine) homeOf(observerID string) (meshdb.ObserverHome, bool) {
	h, ok := (*e.homes.Load())[observerID]
	return h, ok
}
