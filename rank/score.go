// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"math"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/cos"
)

// sentinel floors when a repeater has no samples at all
const (
	rssiFloor = -120.0
	snrFloor  = -20.0
)

// score weights; throughput and avg-rssi dominate
const (
	wRssi      = 0.30
	wSnr       = 0.10
	wBestRssi  = 0.10
	wBestSnr   = 0.05
	wThru      = 0.25
	wRepeat    = 0.10
	wNeighbour = 0.10
)

func rssiScore(v float64) float64 { return cos.Clamp01((v - rssiFloor) / 70) }
func snrScore(v float64) float64  { return cos.Clamp01((v - snrFloor) / 30) }

// repeaterScore computes the 0..100 composite; a stale repeater scores 0.
func repeaterScore(avgRssi, bestRssi, avgSnr, bestSnr float64, total, zeroHop int, avgRepeats float64, stale bool) int {
	if stale {
		return 0
	}
	rssiBase := avgRssi
	if rssiBase == 0 {
		rssiBase = bestRssi
	}
	if rssiBase == 0 {
		rssiBase = rssiFloor
	}
	snrBase := avgSnr
	if snrBase == 0 {
		snrBase = bestSnr
	}
	if snrBase == 0 {
		snrBase = snrFloor
	}
	// no samples at all: score the "best" terms at the floor, not at zero
	if bestRssi == 0 {
		bestRssi = rssiFloor
	}
	if bestSnr == 0 {
		bestSnr = snrFloor
	}
	total01 := cos.Clamp01(float64(total) / 50)
	repeat01 := cos.Clamp01(avgRepeats / 5)
	nbr01 := cos.Clamp01(float64(zeroHop) / 5)

	s := wRssi*rssiScore(rssiBase) +
		wSnr*snrScore(snrBase) +
		wBestRssi*rssiScore(bestRssi) +
		wBestSnr*snrScore(bestSnr) +
		wThru*total01 +
		wRepeat*repeat01 +
		wNeighbour*nbr01
	return int(math.Round(100 * s))
}

func scoreColor(score int, stale bool) string {
	switch {
	case stale:
		return api.ColorRed
	case score >= 70:
		return api.ColorGreen
	case score >= 45:
		return api.ColorYellow
	default:
		return api.ColorOrange
	}
}
