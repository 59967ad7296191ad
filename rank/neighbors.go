// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"sort"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/meshdb"
)

const (
	nbrMaxKm        = 200.0 // candidate filter radius around the target
	nbrClusterKm    = 60.0  // cluster-density radius for tie-breaking
	nbrGreenRssiDbm = -75.0
	nbrMaxOptions   = 5
)

type neighborCtx struct {
	devs      *meshdb.DeviceSnap
	stats     advertStats
	overrides map[string]string // "targetPub:hash" -> peer pub
}

// resolveNeighbors picks one concrete peer per zero-hop hash token:
// (1) candidates within 200 km of the target, (2) mutual candidates first,
// (3) then densest 60 km cluster, ties by distance ascending. An admin
// override short-circuits everything.
func (nc *neighborCtx) resolveNeighbors(target *api.Device, nbrs map[string]*nbrRssi) []api.NeighborDetail {
	out := make([]api.NeighborDetail, 0, len(nbrs))
	for hash, rssi := range nbrs {
		det := api.NeighborDetail{Hash: hash}
		if rssi.Cnt > 0 {
			det.RssiAvg = rssi.Sum / float64(rssi.Cnt)
		}
		if rssi.Max > -999 {
			det.RssiMax = rssi.Max
		}
		det.IsGreen = (rssi.Cnt > 0 && det.RssiAvg >= nbrGreenRssiDbm) || det.RssiMax >= nbrGreenRssiDbm

		if pub, ok := nc.overrides[target.Pub+":"+hash]; ok {
			det.Pub = pub
			det.Override = true
			if d := nc.devs.ByPub[pub]; d != nil {
				det.Name = d.Name
			}
			det.Mutual = nc.isMutual(pub, target.HashByte())
		} else {
			pick, options := nc.pick(target, hash)
			if pick == nil {
				continue // unresolvable token
			}
			det.Pub = pick.Pub
			det.Name = pick.Name
			det.Mutual = nc.isMutual(pick.Pub, target.HashByte())
			det.Options = options
		}
		det.Relation = api.RelationHandoff
		if det.Mutual {
			det.Relation = api.RelationReciprocal
		}
		out = append(out, det)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (nc *neighborCtx) isMutual(peerPub, targetHash string) bool {
	st := nc.stats[peerPub]
	if st == nil {
		return false
	}
	_, ok := st.Neighbors[targetHash]
	return ok
}

func (nc *neighborCtx) pick(target *api.Device, hash string) (*api.Device, []api.NeighborOption) {
	cands := nc.devs.ByHash[hash]
	if len(cands) == 0 {
		return nil, nil
	}

	type scored struct {
		d       *api.Device
		km      float64
		mutual  bool
		density int
	}
	var pool []scored
	for _, d := range cands {
		if !d.IsRepeater || d.Pub == target.Pub {
			continue
		}
		s := scored{d: d, km: -1}
		if target.HasValidGps() && d.HasValidGps() {
			s.km = geo.HaversineKm(target.Gps.Lat, target.Gps.Lon, d.Gps.Lat, d.Gps.Lon)
			if s.km > nbrMaxKm {
				continue
			}
		}
		s.mutual = nc.isMutual(d.Pub, target.HashByte())
		pool = append(pool, s)
	}
	if len(pool) == 0 {
		return nil, nil
	}

	// mutual candidates displace the rest of the pool
	var mutuals []scored
	for _, s := range pool {
		if s.mutual {
			mutuals = append(mutuals, s)
		}
	}
	if len(mutuals) > 0 {
		pool = mutuals
	}

	for i := range pool {
		pool[i].density = nc.clusterDensity(pool[i].d, cands)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].density != pool[j].density {
			return pool[i].density > pool[j].density
		}
		// distance ascending; unknown distance sorts last
		ki, kj := pool[i].km, pool[j].km
		if ki < 0 {
			return false
		}
		if kj < 0 {
			return true
		}
		return ki < kj
	})

	options := make([]api.NeighborOption, 0, min(len(pool), nbrMaxOptions))
	for _, s := range pool[:min(len(pool), nbrMaxOptions)] {
		opt := api.NeighborOption{Pub: s.d.Pub, Name: s.d.Name}
		if s.km >= 0 {
			opt.Km = s.km
		}
		if st := nc.stats[s.d.Pub]; st != nil && len(st.RssiSamples) > 0 {
			opt.Rssi = trimmed(st.RssiSamples)
		}
		options = append(options, opt)
	}
	return pool[0].d, options
}

// clusterDensity counts same-hash candidates within the cluster radius.
func (nc *neighborCtx) clusterDensity(d *api.Device, cands []*api.Device) int {
	if !d.HasValidGps() {
		return 0
	}
	n := 0
	for _, other := range cands {
		if other.Pub == d.Pub || !other.HasValidGps() {
			continue
		}
		if geo.HaversineKm(d.Gps.Lat, d.Gps.Lon, other.Gps.Lat, other.Gps.Lon) <= nbrClusterKm {
			n++
		}
	}
	return n
}
