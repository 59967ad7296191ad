// Package geoscore infers probable concrete repeater pubs for the hop tokens
// of observed routes, fed from the streaming message_observers updates.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package geoscore

import (
	"math"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/geo"
	"github.com/NVIDIA/meshrank/meshdb"
)

const (
	// transition prior distance scale: a 50 km hop scales the prior by 1/e
	hopScaleKm = 50.0
	// hops this long are flagged as teleports regardless of probability
	teleportKm = 400.0
)

type candidate struct {
	dev *api.Device
}

// infer runs a Viterbi-like pass over the path tokens: per-token candidate
// peers (GPS-valid repeaters sharing the hash byte), a uniform candidate
// prior biased toward the observer's home for the final hop, and constant
// edge priors decayed by hop distance.
func (e *Engine) infer(it item, devs *meshdb.DeviceSnap) *api.GeoRoute {
	route := &api.GeoRoute{
		MsgKey: it.MsgKey,
		TsMs:   it.TsMs,
	}

	stages := make([][]candidate, len(it.PathTokens))
	for i, tok := range it.PathTokens {
		stages[i] = e.candidatesFor(tok, devs)
		if len(stages[i]) == 0 {
			route.Unresolved = true
		}
	}

	var (
		home, hasHome = e.homeOf(it.ObserverID)
		prevProb      []float64
		prevBack      [][]int
	)
	for i, stage := range stages {
		n := len(stage)
		if n == 0 {
			// token with no candidates: break the chain, restart after it
			prevProb = nil
			prevBack = append(prevBack, nil)
			continue
		}
		prob := make([]float64, n)
		back := make([]int, n)
		for j, cand := range stage {
			emit := 1.0 / float64(n)
			// the last hop is the one the observer heard directly
			if hasHome && i == len(stages)-1 && cand.dev.HasValidGps() {
				d := geo.HaversineKm(home.Lat, home.Lon, cand.dev.Gps.Lat, cand.dev.Gps.Lon)
				emit *= 1 + math.Exp(-d/hopScaleKm)
			}
			if prevProb == nil {
				prob[j] = emit
				back[j] = -1
				continue
			}
			bestP, bestK := 0.0, -1
			for k, pp := range prevProb {
				trans := edgePrior(prevStageDev(stages, i, k), cand.dev)
				if p := pp * trans; p > bestP {
					bestP, bestK = p, k
				}
			}
			prob[j] = bestP * emit
			back[j] = bestK
		}
		normalize(prob)
		prevProb = prob
		prevBack = append(prevBack, back)
	}

	e.backtrack(route, stages, prevBack, prevProb)
	return route
}

func prevStageDev(stages [][]candidate, i, k int) *api.Device {
	for j := i - 1; j >= 0; j-- {
		if len(stages[j]) > 0 {
			return stages[j][k].dev
		}
	}
	return nil
}

// edgePrior is the constant prior decayed by inter-candidate distance.
func edgePrior(a, b *api.Device) float64 {
	if a == nil || b == nil || !a.HasValidGps() || !b.HasValidGps() {
		return 0.5
	}
	d := geo.HaversineKm(a.Gps.Lat, a.Gps.Lon, b.Gps.Lat, b.Gps.Lon)
	return math.Exp(-d / hopScaleKm)
}

func normalize(p []float64) {
	var sum float64
	for _, v := range p {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for i := range p {
		p[i] /= sum
	}
}

// backtrack walks the argmax chain and fills pubs, confidences, route
// confidence (geometric mean), and the max teleport distance.
func (e *Engine) backtrack(route *api.GeoRoute, stages [][]candidate, backs [][]int, lastProb []float64) {
	var (
		n     = len(stages)
		pubs  = make([]string, n)
		confs = make([]float64, n)
	)
	// choose the final stage's argmax, then follow back-pointers
	choice := make([]int, n)
	for i := range choice {
		choice[i] = -1
	}
	j := argmax(lastProb)
	for i := n - 1; i >= 0; i-- {
		if len(stages[i]) == 0 {
			j = -1
			continue
		}
		if j < 0 || j >= len(stages[i]) {
			j = 0 // restarted chain: take the local best
		}
		choice[i] = j
		if i < len(backs) && backs[i] != nil {
			j = backs[i][j]
		}
	}

	var (
		prev     *api.Device
		logSum   float64
		resolved int
	)
	for i := range stages {
		if choice[i] < 0 {
			pubs[i] = ""
			confs[i] = 0
			route.Unresolved = true
			prev = nil
			continue
		}
		cand := stages[i][choice[i]]
		pubs[i] = cand.dev.Pub
		confs[i] = 1.0 / float64(len(stages[i]))
		if i == len(stages)-1 && len(lastProb) > 0 && choice[i] < len(lastProb) {
			confs[i] = lastProb[choice[i]]
		}
		if confs[i] > 0 {
			logSum += math.Log(confs[i])
			resolved++
		}
		if prev != nil && prev.HasValidGps() && cand.dev.HasValidGps() {
			if d := geo.HaversineKm(prev.Gps.Lat, prev.Gps.Lon, cand.dev.Gps.Lat, cand.dev.Gps.Lon); d > route.MaxTeleportKm {
				route.MaxTeleportKm = d
			}
		}
		prev = cand.dev
	}
	if route.MaxTeleportKm > teleportKm {
		route.Unresolved = true
	}
	if resolved > 0 {
		route.RouteConf = math.Exp(logSum / float64(resolved))
	}
	route.Pubs = pubs
	route.Confidences = confs
}

func argmax(p []float64) int {
	best, bi := -1.0, -1
	for i, v := range p {
		if v > best {
			best, bi = v, i
		}
	}
	return bi
}

func (e *Engine) candidatesFor(tok string, devs *meshdb.DeviceSnap) []candidate {
	if tok == "??" {
		return nil
	}
	var (
		out    []candidate
		maxCnd = cmn.Rom.GeoscoreMaxCand()
	)
	for _, d := range devs.ByHash[tok] {
		if !d.IsRepeater || !d.HasValidGps() {
			continue
		}
		out = append(out, candidate{dev: d})
		if len(out) >= maxCnd {
			break
		}
	}
	return out
}
