// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
)

const zeroHopOverridesKey = "zero_hop_overrides"

// RepeaterRank owns the repeater rank cache: rebuilt on the refresh loop,
// persisted to its singleton row, hydrated from it on restart.
type RepeaterRank struct {
	db   *meshdb.DB
	snap atomic.Pointer[api.RankPayload]
}

func NewRepeaterRank(db *meshdb.DB) *RepeaterRank {
	r := &RepeaterRank{db: db}
	r.snap.Store(&api.RankPayload{Items: []api.RankItem{}, Excluded: []api.ExcludedItem{}})
	return r
}

func (r *RepeaterRank) Snapshot() *api.RankPayload { return r.snap.Load() }

// Hydrate restores the persisted payload so a restart never serves empty
// when a previous build exists.
func (r *RepeaterRank) Hydrate() {
	if len(r.snap.Load().Items) > 0 {
		return
	}
	payload, _, ok := r.db.GetCachePayload("repeater_rank_cache")
	if !ok {
		return
	}
	var p api.RankPayload
	if cos.TryUnmarshal([]byte(payload), &p) && len(p.Items) > 0 {
		r.snap.Store(&p)
		nlog.Infof("rank: hydrated %d repeaters (updated %s)", len(p.Items), p.UpdatedAt)
	}
}

func (r *RepeaterRank) Rebuild() (*api.RankPayload, error) {
	var (
		now    = time.Now()
		devs   = r.db.ReadDevices()
		stats  = readAdvertStats(now, cmn.RepeaterActiveWin)
		window = now.Add(-cmn.RepeaterActiveWin)
	)
	paths, err := r.db.ReadEvidencePaths(window.UnixMilli())
	if err != nil {
		nlog.Warningf("rank: evidence: %v", err)
	}
	ev := buildEvidence(paths)

	nc := &neighborCtx{devs: devs, stats: stats, overrides: r.loadOverrides()}

	var (
		items    []api.RankItem
		excluded []api.ExcludedItem
	)
	for _, d := range devs.ByPub {
		if !d.IsRepeater && d.Role != api.RoleRepeater {
			continue
		}
		st := stats[d.Pub]
		item := r.buildItem(d, st, nc, now)

		activity := 0
		if st != nil {
			activity = st.Total
		}
		quality, reasons := classify(d, activity)
		item.Quality = quality
		item.QualityReason = reasons

		evidence := ev.judge(d.HashByte(), d.Backfilled)
		item.RepeatEvidence = evidence

		var exclReasons []string
		if quality != api.QualityValid {
			exclReasons = append(exclReasons, reasons...)
		}
		if d.IsCompanion() {
			exclReasons = append(exclReasons, "companion_role")
		}
		if !evidence.IsTrueRepeater {
			exclReasons = append(exclReasons, "no_repeat_evidence")
		}
		if len(exclReasons) > 0 {
			excluded = append(excluded, api.ExcludedItem{RankItem: item, Reasons: exclReasons})
			continue
		}
		items = append(items, item)
	}

	items, dups := dedupByName(items)
	excluded = append(excluded, dups...)

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Total24h > items[j].Total24h
	})
	sort.SliceStable(excluded, func(i, j int) bool { return excluded[i].Pub < excluded[j].Pub })

	if items == nil {
		items = []api.RankItem{}
	}
	if excluded == nil {
		excluded = []api.ExcludedItem{}
	}
	payload := &api.RankPayload{
		UpdatedAt: cos.FormatTs(now),
		Count:     len(items),
		Items:     items,
		Excluded:  excluded,
	}
	r.persist(payload, now)
	r.snap.Store(payload)
	return payload, nil
}

func (r *RepeaterRank) buildItem(d *api.Device, st *advertStat, nc *neighborCtx, now time.Time) api.RankItem {
	item := api.RankItem{
		Pub:                d.Pub,
		HashByte:           d.HashByte(),
		Name:               d.Name,
		Gps:                d.Gps,
		LastSeen:           d.LastSeen,
		LastAdvertIngestMs: d.LastAdvertIngestMs,
	}
	lastHeard := d.LastAdvertHeardMs
	if st != nil && !st.LastTs.IsZero() && st.LastTs.UnixMilli() > lastHeard {
		lastHeard = st.LastTs.UnixMilli()
	}
	if lastHeard > 0 {
		item.LastAdvertAgeHours = float64(now.UnixMilli()-lastHeard) / float64(time.Hour.Milliseconds())
	} else {
		item.LastAdvertAgeHours = cmn.RepeaterActiveWin.Hours() * 2
	}
	stale := item.LastAdvertAgeHours >= cmn.RepeaterActiveWin.Hours()
	item.IsLive = !stale

	var zeroHop int
	if st != nil {
		item.Total24h = st.Total24h
		item.AvgRepeats = st.avgRepeats()
		if len(st.RssiSamples) > 0 {
			item.AvgRssi = trimmed(st.RssiSamples)
		}
		if len(st.SnrSamples) > 0 {
			item.AvgSnr = trimmed(st.SnrSamples)
		}
		if st.BestRssi > -999 {
			item.BestRssi = st.BestRssi
		}
		if st.BestSnr > -999 {
			item.BestSnr = st.BestSnr
		}
		item.ClockDriftMin = st.DriftMin
		zeroHop = len(st.Neighbors)
		item.ZeroHopNeighborDetails = nc.resolveNeighbors(d, st.Neighbors)
	}
	if item.ZeroHopNeighborDetails == nil {
		item.ZeroHopNeighborDetails = []api.NeighborDetail{}
	}
	if item.Gps == nil {
		estimateGps(&item, nc)
	}
	total := 0
	if st != nil {
		total = st.Total
	}
	item.Score = repeaterScore(item.AvgRssi, item.BestRssi, item.AvgSnr, item.BestSnr,
		total, zeroHop, item.AvgRepeats, stale)
	item.Color = scoreColor(item.Score, stale)
	return item
}

// estimateGps places a GPS-less repeater at the centroid of its resolved
// neighbours' coordinates; the estimate lives in the payload only and never
// writes back to the device record.
func estimateGps(item *api.RankItem, nc *neighborCtx) {
	var (
		lat, lon float64
		n        int
	)
	for i := range item.ZeroHopNeighborDetails {
		d := nc.devs.ByPub[item.ZeroHopNeighborDetails[i].Pub]
		if d != nil && d.HasValidGps() {
			lat += d.Gps.Lat
			lon += d.Gps.Lon
			n++
		}
	}
	if n > 0 {
		item.Gps = &api.Gps{Lat: lat / float64(n), Lon: lon / float64(n)}
	}
}

func trimmed(samples []float64) float64 { return cos.TrimmedMean(samples, 0.10) }

// dedupByName keeps, per normalised name, the repeater with the newest
// advert ingest; ties break by total24h then score.
func dedupByName(items []api.RankItem) ([]api.RankItem, []api.ExcludedItem) {
	var (
		best = make(map[string]int, len(items)) // name -> index into kept
		kept = make([]api.RankItem, 0, len(items))
		dups []api.ExcludedItem
	)
	for _, item := range items {
		name := strings.ToLower(strings.TrimSpace(item.Name))
		if name == "" {
			kept = append(kept, item)
			continue
		}
		i, seen := best[name]
		if !seen {
			best[name] = len(kept)
			kept = append(kept, item)
			continue
		}
		prev := kept[i]
		if betterDup(item, prev) {
			kept[i] = item
			dups = append(dups, api.ExcludedItem{RankItem: prev, Reasons: []string{"duplicate_name"}})
		} else {
			dups = append(dups, api.ExcludedItem{RankItem: item, Reasons: []string{"duplicate_name"}})
		}
	}
	return kept, dups
}

func betterDup(a, b api.RankItem) bool {
	if a.LastAdvertIngestMs != b.LastAdvertIngestMs {
		return a.LastAdvertIngestMs > b.LastAdvertIngestMs
	}
	if a.Total24h != b.Total24h {
		return a.Total24h > b.Total24h
	}
	return a.Score > b.Score
}

func (r *RepeaterRank) persist(payload *api.RankPayload, now time.Time) {
	if err := r.db.PutCachePayload("repeater_rank_cache", string(cos.MustMarshal(payload))); err != nil {
		nlog.Errorf("rank: %v", err)
	}
	active, total24h := 0, 0
	for i := range payload.Items {
		if payload.Items[i].IsLive {
			active++
		}
		total24h += payload.Items[i].Total24h
	}
	r.db.AppendRankHistory(len(payload.Items), active, total24h, payload.UpdatedAt)
	if err := r.db.UpsertCurrentRepeaters(payload.Items); err != nil {
		nlog.Errorf("rank: %v", err)
	}
}

func (r *RepeaterRank) loadOverrides() map[string]string {
	out := make(map[string]string)
	if v, ok := r.db.GetSetting(zeroHopOverridesKey); ok {
		cos.TryUnmarshal([]byte(v), &out)
	}
	return out
}

// Summary backs /api/repeater-rank-summary and the SSE ranks tick.
func (r *RepeaterRank) Summary() api.RankSummary {
	p := r.Snapshot()
	s := api.RankSummary{Total: len(p.Items), CachedAt: p.UpdatedAt}
	for i := range p.Items {
		if p.Items[i].IsLive {
			s.Active++
		}
		s.Total24h += p.Items[i].Total24h
	}
	return s
}
