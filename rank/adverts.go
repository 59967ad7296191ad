// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"os"
	"strings"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/ndj"
)

const advertTailLines = 50000

type (
	nbrRssi struct {
		Sum float64
		Cnt int
		Max float64
	}

	// advertStat accumulates one repeater's activity over the active window.
	advertStat struct {
		Total      int
		Total24h   int
		UniqMsgs   map[string]struct{}
		RssiSamples []float64
		SnrSamples  []float64
		BestRssi   float64
		BestSnr    float64
		SumPathLen int
		Neighbors  map[string]*nbrRssi // zero-hop token -> rssi stats
		LastTs     time.Time
		DriftMin   *float64 // advert.timestamp vs observed ts
	}

	advertStats map[string]*advertStat // by pub (upper-case)
)

// readAdvertStats tails decoded.ndjson when present, else observer.ndjson,
// and accumulates per-repeater stats over the window ending at now.
func readAdvertStats(now time.Time, window time.Duration) advertStats {
	path := cmn.Rom.DataFile("decoded.ndjson")
	if _, err := os.Stat(path); err != nil {
		path = cmn.Rom.DataFile("observer.ndjson")
	}
	lines, err := ndj.TailLastLines(path, advertTailLines)
	if err != nil {
		if !os.IsNotExist(err) {
			nlog.Warningf("rank: advert tail %s: %v", path, err)
		}
		return advertStats{}
	}

	var (
		stats  = make(advertStats, 128)
		cutoff = now.Add(-window)
		day    = now.Add(-24 * time.Hour)
	)
	for _, line := range lines {
		rec, ok := ndj.ParseRecord(line)
		if !ok || !rec.IsAdvert() || rec.Advert == nil || rec.Advert.Pub == "" {
			continue
		}
		ts, ok := rec.When()
		if !ok || ts.Before(cutoff) {
			continue
		}
		pub := strings.ToUpper(rec.Advert.Pub)
		st := stats[pub]
		if st == nil {
			st = &advertStat{
				UniqMsgs:  make(map[string]struct{}, 8),
				Neighbors: make(map[string]*nbrRssi, 4),
				BestRssi:  -999,
				BestSnr:   -999,
			}
			stats[pub] = st
		}
		st.Total++
		if ts.After(day) {
			st.Total24h++
		}
		if key := firstNonEmpty(rec.MessageHash, rec.Hash, rec.FrameHash); key != "" {
			st.UniqMsgs[strings.ToUpper(key)] = struct{}{}
		}
		if rec.Rssi != 0 {
			st.RssiSamples = append(st.RssiSamples, rec.Rssi)
			if rec.Rssi > st.BestRssi {
				st.BestRssi = rec.Rssi
			}
		}
		if rec.Snr != 0 {
			st.SnrSamples = append(st.SnrSamples, rec.Snr)
			if rec.Snr > st.BestSnr {
				st.BestSnr = rec.Snr
			}
		}
		path := rec.PathTokens()
		st.SumPathLen += len(path)
		// a single-hop path is direct evidence of a zero-hop neighbour
		if len(path) == 1 && path[0] != "??" {
			nb := st.Neighbors[path[0]]
			if nb == nil {
				nb = &nbrRssi{Max: -999}
				st.Neighbors[path[0]] = nb
			}
			if rec.Rssi != 0 {
				nb.Sum += rec.Rssi
				nb.Cnt++
				if rec.Rssi > nb.Max {
					nb.Max = rec.Rssi
				}
			}
		}
		if ts.After(st.LastTs) {
			st.LastTs = ts
		}
		if rec.Advert.Timestamp > 0 {
			drift := float64(normAdvertMs(rec.Advert.Timestamp)-ts.UnixMilli()) / float64(time.Minute.Milliseconds())
			st.DriftMin = &drift
		}
	}
	return stats
}

// advert.timestamp arrives in seconds or milliseconds depending on firmware;
// canonical unit here is milliseconds
func normAdvertMs(v int64) int64 {
	if v > 0 && v < 1e12 {
		return v * 1000
	}
	return v
}

func (st *advertStat) avgRepeats() float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(st.SumPathLen) / float64(st.Total)
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
