// Package msgview joins message rows, observer aggregates, and the
// observer-hits index into the presentation records the dashboard serves, and
// maintains the channel message cache behind them.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package msgview

import (
	"sort"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
)

// Assemble builds the presentation record for one message row.
//
// Path precedence: observer-aggregated hop codes, else the row's path_text,
// else path_json. Room-server/chat and hidden nodes are dropped from the
// displayed route; implausible/flagged/(0,0) coordinates contribute a nil gps
// but keep the node's name.
func Assemble(row *meshdb.MsgRow, agg *meshdb.ObsAgg, obsPaths [][]string,
	hits *ndj.HitsIndex, devs *meshdb.DeviceSnap) api.Message {
	var path []string
	switch {
	case agg != nil && len(agg.HopCodes) > 0:
		path = agg.HopCodes
	default:
		path = meshdb.ParsePathTokens(row.PathText, row.PathJSON)
	}
	if path == nil {
		path = []string{}
	}

	var (
		pathNames  = make([]string, 0, len(path))
		pathPoints = make([]api.PathPoint, 0, len(path))
	)
	for _, hash := range path {
		d := pickDeviceForHash(devs, hash)
		if d == nil {
			pathNames = append(pathNames, hash)
			pathPoints = append(pathPoints, api.PathPoint{Hash: hash})
			continue
		}
		if d.ExcludeFromRoutes() || d.HiddenOnMap {
			continue
		}
		pt := api.PathPoint{Hash: hash, Name: d.Name}
		if d.HasValidGps() && !d.GpsImplausible && !d.GpsFlagged {
			pt.Gps = d.Gps
		}
		pathNames = append(pathNames, displayName(d, hash))
		pathPoints = append(pathPoints, pt)
	}

	// distinct observers across the aggregate and the live index
	obsSet := make(map[string]struct{}, 4)
	if agg != nil {
		for obs := range agg.Observers {
			obsSet[obs] = struct{}{}
		}
	}
	if hits != nil {
		for _, obs := range hits.HitsFor(row.MessageHash, row.FrameHash) {
			obsSet[obs] = struct{}{}
		}
	}
	observerHits := make([]string, 0, len(obsSet))
	for obs := range obsSet {
		observerHits = append(observerHits, obs)
	}
	sort.Strings(observerHits)

	pathLength := len(path)
	if row.PathLength > pathLength {
		pathLength = row.PathLength
	}
	if agg != nil && agg.MaxPathLen > pathLength {
		pathLength = agg.MaxPathLen
	}

	repeats := row.Repeats
	if pathLength > repeats {
		repeats = pathLength
	}
	if len(observerHits) > repeats {
		repeats = len(observerHits)
	}

	return api.Message{
		ID:            row.MessageHash,
		FrameHash:     row.FrameHash,
		MessageHash:   row.MessageHash,
		ChannelName:   row.ChannelName,
		Sender:        row.Sender,
		Body:          row.Body,
		Ts:            row.Ts,
		Repeats:       repeats,
		Path:          path,
		PathNames:     pathNames,
		PathPoints:    pathPoints,
		PathLength:    pathLength,
		ObserverHits:  observerHits,
		ObserverCount: len(observerHits),
		ObserverPaths: obsPaths,
	}
}

// pickDeviceForHash resolves a 2-hex hop token against the devices sharing
// that hash byte: a GPS-valid repeater wins, then any repeater, then any.
func pickDeviceForHash(devs *meshdb.DeviceSnap, hash string) *api.Device {
	if devs == nil {
		return nil
	}
	cands := devs.ByHash[hash]
	if len(cands) == 0 {
		return nil
	}
	var repeater *api.Device
	for _, d := range cands {
		if d.IsRepeater {
			if d.HasValidGps() {
				return d
			}
			if repeater == nil {
				repeater = d
			}
		}
	}
	if repeater != nil {
		return repeater
	}
	return cands[0]
}

func displayName(d *api.Device, hash string) string {
	if d.Name != "" {
		return d.Name
	}
	return hash
}

