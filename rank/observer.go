// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
)

const (
	observerTailLines  = 50000
	observerUptimeCapH = 48.0
	observerTrafficCap = 2000.0
	observerOfflineH   = 24.0
)

type ObserverRank struct {
	db   *meshdb.DB
	snap atomic.Pointer[api.ObserverRankPayload]
}

func NewObserverRank(db *meshdb.DB) *ObserverRank {
	o := &ObserverRank{db: db}
	o.snap.Store(&api.ObserverRankPayload{Items: []api.ObserverRankItem{}})
	return o
}

func (o *ObserverRank) Snapshot() *api.ObserverRankPayload { return o.snap.Load() }

func (o *ObserverRank) Hydrate() {
	if len(o.snap.Load().Items) > 0 {
		return
	}
	payload, _, ok := o.db.GetCachePayload("observer_rank_cache")
	if !ok {
		return
	}
	var p api.ObserverRankPayload
	if cos.TryUnmarshal([]byte(payload), &p) && len(p.Items) > 0 {
		o.snap.Store(&p)
	}
}

// per-observer hearing stats from the tail window
type obsHeard struct {
	packetsToday int64
	bestRssi     float64
	bestPub      string
	heard        map[string]float64 // repeater pub -> best rssi
}

func (o *ObserverRank) Rebuild() (*api.ObserverRankPayload, error) {
	var (
		now       = time.Now()
		observers = o.db.ReadObservers()
		devs      = o.db.ReadDevices()
		heard     = readObserverHearing(now)
	)

	// rf_packets aggregate is preferred for the 24 h packet counts
	if o.db.HasRfPackets() {
		if counts, err := o.db.ObserverPacketCounts(now.Add(-24 * time.Hour).UnixMilli()); err == nil {
			for id, n := range counts {
				h := heard[id]
				if h == nil {
					h = &obsHeard{bestRssi: -999, heard: map[string]float64{}}
					heard[id] = h
				}
				h.packetsToday = n
			}
		}
	}

	// GPS-valid repeaters for association and nearest lookups
	var repeaters []*api.Device
	for _, d := range devs.ByPub {
		if (d.IsRepeater || d.Role == api.RoleRepeater) && d.HasValidGps() {
			repeaters = append(repeaters, d)
		}
	}

	items := make([]api.ObserverRankItem, 0, len(observers.ByID))
	for id, obs := range observers.ByID {
		item := api.ObserverRankItem{
			ID:        id,
			Name:      obs.Name,
			Gps:       obs.Gps,
			FirstSeen: obs.FirstSeen,
			LastSeen:  obs.LastSeen,
		}
		h := heard[id]
		if h != nil {
			item.PacketsToday = h.packetsToday
			if h.bestPub != "" {
				if d := devs.ByPub[h.bestPub]; d != nil && d.HasValidGps() {
					item.BestRepeaterPub = h.bestPub
				}
			}
		}
		if item.BestRepeaterPub == "" && obs.BestRepeaterPub != "" {
			item.BestRepeaterPub = strings.ToUpper(obs.BestRepeaterPub)
		}
		// GPS fallback: the best repeater's position
		if !item.Gps.Valid() && item.BestRepeaterPub != "" {
			if d := devs.ByPub[item.BestRepeaterPub]; d != nil && d.HasValidGps() {
				item.Gps = d.Gps
				item.GpsEstimated = true
			}
		}
		if item.Gps.Valid() {
			if h != nil {
				for pub := range h.heard {
					d := devs.ByPub[pub]
					if d == nil || !d.HasValidGps() {
						continue
					}
					if geo.HaversineKm(item.Gps.Lat, item.Gps.Lon, d.Gps.Lat, d.Gps.Lon) <= geo.MaxCoverageKm {
						item.Coverage++
					}
				}
			}
			item.NearestRepeaterName, item.NearestRepeaterKm = nearestRepeater(item.Gps, repeaters)
		}

		var uptimeH float64
		if t, ok := cos.ParseTs(obs.FirstSeen); ok {
			uptimeH = now.Sub(t).Hours()
		}
		ageH := observerOfflineH + 1
		if t, ok := cos.ParseTs(obs.LastSeen); ok {
			ageH = now.Sub(t).Hours()
		}
		item.Offline = ageH > observerOfflineH
		item.UptimeHours = math.Max(0, uptimeH)

		uptime01 := cos.Clamp01(item.UptimeHours / observerUptimeCapH)
		traffic01 := cos.Clamp01(float64(item.PacketsToday) / observerTrafficCap)
		item.Score = int(math.Round(100 * (0.6*uptime01 + 0.4*traffic01)))
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Offline != items[j].Offline {
			return !items[i].Offline // online first
		}
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].PacketsToday > items[j].PacketsToday
	})

	payload := &api.ObserverRankPayload{
		UpdatedAt: cos.FormatTs(now),
		Count:     len(items),
		Items:     items,
	}
	if err := o.db.PutCachePayload("observer_rank_cache", string(cos.MustMarshal(payload))); err != nil {
		nlog.Errorf("rank: %v", err)
	}
	o.snap.Store(payload)
	return payload, nil
}

// readObserverHearing tails observer.ndjson for per-observer 24 h packet
// counts and zero-hop repeater hearing.
func readObserverHearing(now time.Time) map[string]*obsHeard {
	out := make(map[string]*obsHeard, 32)
	lines, err := ndj.TailLastLines(cmn.Rom.DataFile("observer.ndjson"), observerTailLines)
	if err != nil {
		if !os.IsNotExist(err) {
			nlog.Warningf("rank: observer tail: %v", err)
		}
		return out
	}
	day := now.Add(-24 * time.Hour)
	for _, line := range lines {
		rec, ok := ndj.ParseRecord(line)
		if !ok {
			continue
		}
		id := rec.Observer()
		if id == "" {
			continue
		}
		ts, ok := rec.When()
		if !ok {
			continue
		}
		h := out[id]
		if h == nil {
			h = &obsHeard{bestRssi: -999, heard: make(map[string]float64, 8)}
			out[id] = h
		}
		if ts.After(day) {
			h.packetsToday++
		}
		// zero-hop advert: direct reception from the advertising repeater
		if rec.IsAdvert() && rec.Advert != nil && rec.Advert.Pub != "" && len(rec.Path) == 0 && rec.Rssi != 0 {
			pub := strings.ToUpper(rec.Advert.Pub)
			if prev, ok := h.heard[pub]; !ok || rec.Rssi > prev {
				h.heard[pub] = rec.Rssi
			}
			if rec.Rssi > h.bestRssi {
				h.bestRssi = rec.Rssi
				h.bestPub = pub
			}
		}
	}
	return out
}

func nearestRepeater(gps *api.Gps, repeaters []*api.Device) (name string, km float64) {
	best := geo.MaxCoverageKm + 1
	for _, d := range repeaters {
		dist := geo.HaversineKm(gps.Lat, gps.Lon, d.Gps.Lat, d.Gps.Lon)
		if dist <= geo.MaxCoverageKm && dist < best {
			best = dist
			name = d.Name
		}
	}
	if name == "" {
		return "", 0
	}
	return name, best
}
