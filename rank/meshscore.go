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
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
)

const (
	meshScoreTailLines = 5000
	meshScoreDayCap    = 30 // series length served to clients
)

type MeshScore struct {
	db   *meshdb.DB
	snap atomic.Pointer[api.MeshScorePayload]
}

func NewMeshScore(db *meshdb.DB) *MeshScore {
	m := &MeshScore{db: db}
	m.snap.Store(&api.MeshScorePayload{Days: []api.MeshScoreDay{}})
	return m
}

func (m *MeshScore) Snapshot() *api.MeshScorePayload { return m.snap.Load() }

func (m *MeshScore) Hydrate() {
	if len(m.snap.Load().Days) > 0 {
		return
	}
	payload, _, ok := m.db.GetCachePayload("meshscore_cache")
	if !ok {
		return
	}
	var p api.MeshScorePayload
	if cos.TryUnmarshal([]byte(payload), &p) && len(p.Days) > 0 {
		m.snap.Store(&p)
	}
}

type dayAgg struct {
	uniq  map[string]struct{}
	total int
}

func (m *MeshScore) Rebuild() (*api.MeshScorePayload, error) {
	var (
		now  = time.Now()
		days = make(map[string]*dayAgg, 8)
		keys = ndj.ChannelKeys()
		dec  = ndj.GetDecoder()
	)
	lines, err := ndj.TailLastLines(cmn.Rom.DataFile("rf.ndjson"), meshScoreTailLines)
	if err != nil && !os.IsNotExist(err) {
		nlog.Warningf("meshscore: rf tail: %v", err)
	}
	for _, line := range lines {
		rec, ok := ndj.ParseRecord(line)
		if !ok {
			continue
		}
		gt, ok := dec.DecodeGroupText(rec, keys)
		if !ok {
			continue
		}
		ts, ok := cos.ParseTs(gt.Ts)
		if !ok {
			continue
		}
		day := ts.UTC().Format("2006-01-02")
		agg := days[day]
		if agg == nil {
			agg = &dayAgg{uniq: make(map[string]struct{}, 32)}
			days[day] = agg
		}
		agg.uniq[strings.ToUpper(gt.MessageHash)] = struct{}{}
		repeats := gt.Repeats
		if repeats < 1 {
			repeats = 1
		}
		if len(gt.Path) > repeats {
			repeats = len(gt.Path)
		}
		agg.total += repeats
	}

	activeRatio, nodeScore := m.networkScores(now)
	for day, agg := range days {
		uniq := len(agg.uniq)
		if uniq == 0 {
			continue
		}
		avgRepeats := float64(agg.total) / float64(uniq)
		msg01 := cos.Clamp01(float64(agg.total) / 200)
		rep01 := cos.Clamp01(avgRepeats / 5)
		score := int(math.Round(100 * (0.35*activeRatio + 0.30*msg01 + 0.20*rep01 + 0.15*nodeScore)))
		if err := m.db.UpsertMeshScoreDay(api.MeshScoreDay{
			Day:        day,
			Score:      score,
			Messages:   uniq,
			AvgRepeats: avgRepeats,
		}); err != nil {
			nlog.Errorf("meshscore: %v", err)
		}
	}

	series, err := m.db.ReadMeshScoreDays(meshScoreDayCap)
	if err != nil {
		nlog.Errorf("meshscore: read series: %v", err)
		series = nil
	}
	sort.SliceStable(series, func(i, j int) bool { return series[i].Day < series[j].Day })
	if series == nil {
		series = []api.MeshScoreDay{}
	}

	payload := &api.MeshScorePayload{
		UpdatedAt: cos.FormatTs(now),
		Days:      series,
	}
	var (
		today     = now.UTC().Format("2006-01-02")
		yesterday = now.Add(-24 * time.Hour).UTC().Format("2006-01-02")
	)
	for _, d := range series {
		switch d.Day {
		case today:
			payload.Today = d.Score
		case yesterday:
			payload.Yesterday = d.Score
		}
	}
	payload.Delta = payload.Today - payload.Yesterday

	if err := m.db.PutCachePayload("meshscore_cache", string(cos.MustMarshal(payload))); err != nil {
		nlog.Errorf("meshscore: %v", err)
	}
	m.snap.Store(payload)
	return payload, nil
}

// networkScores derives the repeater-activity ratio and the node-count score
// from the device snapshot.
func (m *MeshScore) networkScores(now time.Time) (activeRatio, nodeScore float64) {
	var (
		devs       = m.db.ReadDevices()
		day        = now.Add(-24 * time.Hour).UnixMilli()
		repeaters  int
		active24h  int
		totalNodes int
	)
	for _, d := range devs.ByPub {
		switch {
		case d.IsRepeater || d.Role == api.RoleRepeater:
			repeaters++
			totalNodes++
			if d.LastAdvertHeardMs >= day {
				active24h++
			}
		case d.Role == api.RoleRoomServer, d.Role == api.RoleChat, d.Role == api.RoleCompanion:
			totalNodes++
		}
	}
	if repeaters > 0 {
		activeRatio = float64(active24h) / float64(repeaters)
	}
	nodeScore = cos.Clamp01(float64(totalNodes) / 200)
	return
}
