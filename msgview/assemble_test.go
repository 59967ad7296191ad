// Package msgview joins message rows, observer aggregates, and the
// observer-hits index into the presentation records the dashboard serves.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package msgview

import (
	"testing"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/meshdb"
)

func snapWith(devices ...*api.Device) *meshdb.DeviceSnap {
	snap := &meshdb.DeviceSnap{
		ByPub:  make(map[string]*api.Device),
		ByHash: make(map[string][]*api.Device),
	}
	for _, d := range devices {
		snap.ByPub[d.Pub] = d
		hb := d.HashByte()
		snap.ByHash[hb] = append(snap.ByHash[hb], d)
	}
	return snap
}

func TestAssembleRepeatsInvariant(t *testing.T) {
	row := &meshdb.MsgRow{
		MessageHash: "M1",
		ChannelName: "#public",
		Ts:          "2025-06-01T10:00:00.000Z",
		PathText:    "AA|BB",
		PathLength:  2,
		Repeats:     1,
	}
	agg := &meshdb.ObsAgg{
		Observers:  map[string]struct{}{"O1": {}, "O2": {}, "O3": {}},
		HopCodes:   []string{"AA", "BB"},
		MaxPathLen: 2,
	}
	msg := Assemble(row, agg, nil, nil, snapWith())
	if msg.ObserverCount != len(msg.ObserverHits) {
		t.Errorf("observerCount %d != |observerHits| %d", msg.ObserverCount, len(msg.ObserverHits))
	}
	if msg.Repeats < msg.PathLength || msg.Repeats < msg.ObserverCount {
		t.Errorf("repeats %d < max(pathLength %d, observerCount %d)", msg.Repeats, msg.PathLength, msg.ObserverCount)
	}
	if msg.Repeats != 3 {
		t.Errorf("repeats = %d, want 3 (observer count dominates)", msg.Repeats)
	}
}

func TestAssembleRouteFiltering(t *testing.T) {
	var (
		repeater = &api.Device{
			Pub: "AA00", Name: "Good", IsRepeater: true,
			Gps: &api.Gps{Lat: 51, Lon: 0},
		}
		roomServer = &api.Device{
			Pub: "BB00", Name: "Lounge", Role: api.RoleRoomServer,
			Gps: &api.Gps{Lat: 52, Lon: 0},
		}
		hidden = &api.Device{
			Pub: "CC00", Name: "Shy", IsRepeater: true, HiddenOnMap: true,
			Gps: &api.Gps{Lat: 53, Lon: 0},
		}
		flagged = &api.Device{
			Pub: "DD00", Name: "Sus", IsRepeater: true, GpsFlagged: true,
			Gps: &api.Gps{Lat: 54, Lon: 0},
		}
	)
	row := &meshdb.MsgRow{
		MessageHash: "M1",
		ChannelName: "#public",
		PathText:    "AA|BB|CC|DD",
	}
	msg := Assemble(row, nil, nil, nil, snapWith(repeater, roomServer, hidden, flagged))

	// raw path is untouched
	if len(msg.Path) != 4 {
		t.Fatalf("path = %v", msg.Path)
	}
	// room-server and hidden nodes are dropped from the displayed route
	if len(msg.PathPoints) != 2 {
		t.Fatalf("pathPoints = %+v", msg.PathPoints)
	}
	if msg.PathPoints[0].Hash != "AA" || msg.PathPoints[0].Gps == nil {
		t.Errorf("first point = %+v", msg.PathPoints[0])
	}
	// flagged GPS contributes nil coordinates but keeps the name
	if pt := msg.PathPoints[1]; pt.Hash != "DD" || pt.Gps != nil || pt.Name != "Sus" {
		t.Errorf("flagged point = %+v", pt)
	}
}

func TestAssemblePathPrecedence(t *testing.T) {
	row := &meshdb.MsgRow{
		MessageHash: "M1", ChannelName: "#x",
		PathText: "AA", PathJSON: `["BB","CC"]`,
	}
	agg := &meshdb.ObsAgg{Observers: map[string]struct{}{}, HopCodes: []string{"DD", "EE"}}
	msg := Assemble(row, agg, nil, nil, snapWith())
	if len(msg.Path) != 2 || msg.Path[0] != "DD" {
		t.Errorf("aggregated hop codes should win: %v", msg.Path)
	}
	msg = Assemble(row, nil, nil, nil, snapWith())
	if len(msg.Path) != 1 || msg.Path[0] != "AA" {
		t.Errorf("path_text should beat path_json: %v", msg.Path)
	}
}
