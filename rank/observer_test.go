// Package rank implements the repeater, observer, and mesh score engines.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
)

func TestObserverRankEmptySources(t *testing.T) {
	db := setupRankDB(t)
	o := NewObserverRank(db)
	payload, err := o.Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Items == nil {
		t.Error("nil items on empty sources")
	}
	if payload.Count != 0 {
		t.Errorf("count = %d", payload.Count)
	}
}

func TestObserverRankScoring(t *testing.T) {
	db := setupRankDB(t)
	now := time.Now()
	repeater := pad64("AB")
	insertDevice(t, db, repeater, "Anchor", true, now.UnixMilli(), `{"verifiedAdvert":true}`)

	// overlay-only observer, online for 2 days, no own GPS
	overlay := map[string]any{
		"OBS1": map[string]any{
			"firstSeen": cos.FormatTs(now.Add(-48 * time.Hour)),
			"lastSeen":  cos.FormatTs(now.Add(-time.Hour)),
		},
	}
	if err := cos.SaveJSONAtomic(cmn.Rom.DataFile("observers.json"), overlay); err != nil {
		t.Fatal(err)
	}

	// zero-hop adverts heard directly from the repeater today
	var lines strings.Builder
	for i := 0; i < 100; i++ {
		ts := cos.FormatTs(now.Add(-time.Duration(i+1) * time.Minute))
		lines.WriteString(fmt.Sprintf(
			`{"ts":%q,"observerId":"OBS1","type":"Advert","advert":{"pub":%q},"rssi":-70}`+"\n", ts, repeater))
	}
	if err := os.WriteFile(cmn.Rom.DataFile("observer.ndjson"), []byte(lines.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	payload, err := NewObserverRank(db).Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Count != 1 {
		t.Fatalf("count = %d", payload.Count)
	}
	item := payload.Items[0]
	if item.ID != "OBS1" || item.Offline {
		t.Errorf("item = %+v", item)
	}
	if item.PacketsToday != 100 {
		t.Errorf("packetsToday = %d", item.PacketsToday)
	}
	if item.BestRepeaterPub != repeater {
		t.Errorf("bestRepeaterPub = %q", item.BestRepeaterPub)
	}
	// GPS fallback to the best repeater
	if !item.Gps.Valid() || !item.GpsEstimated {
		t.Errorf("gps fallback = %+v estimated=%v", item.Gps, item.GpsEstimated)
	}
	if item.Coverage != 1 {
		t.Errorf("coverage = %d", item.Coverage)
	}
	if item.NearestRepeaterName != "Anchor" {
		t.Errorf("nearest = %q", item.NearestRepeaterName)
	}
	// uptime 48 h caps the uptime term; traffic 100/2000 adds 2
	want := 62
	if item.Score < want-2 || item.Score > want+2 {
		t.Errorf("score = %d, want ~%d", item.Score, want)
	}
}

func TestMeshScoreEmpty(t *testing.T) {
	db := setupRankDB(t)
	m := NewMeshScore(db)
	payload, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Days == nil {
		t.Error("nil days")
	}
}

func TestMeshScoreDaily(t *testing.T) {
	db := setupRankDB(t)
	now := time.Now()
	repeater := pad64("AB")
	insertDevice(t, db, repeater, "Anchor", true, now.UnixMilli(), `{"verifiedAdvert":true}`)

	var lines strings.Builder
	for i := 0; i < 20; i++ {
		ts := cos.FormatTs(now.Add(-time.Duration(i) * time.Minute))
		lines.WriteString(fmt.Sprintf(
			`{"ts":%q,"type":"GroupText","messageHash":"M%02d","channelName":"#public","sender":"s","body":"hello","repeats":4}`+"\n", ts, i))
	}
	if err := os.WriteFile(cmn.Rom.DataFile("rf.ndjson"), []byte(lines.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	payload, err := NewMeshScore(db).Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Days) == 0 {
		t.Fatal("no days in series")
	}
	last := payload.Days[len(payload.Days)-1]
	total := 0
	for _, d := range payload.Days {
		total += d.Messages
		if d.AvgRepeats < 3.9 || d.AvgRepeats > 4.1 {
			t.Errorf("avgRepeats = %v", d.AvgRepeats)
		}
	}
	if total != 20 {
		t.Errorf("messages = %d", total)
	}
	// series ascending by day
	for i := 1; i < len(payload.Days); i++ {
		if payload.Days[i-1].Day > payload.Days[i].Day {
			t.Error("series not ascending")
		}
	}
	if payload.Today != last.Score {
		t.Errorf("today = %d, last day score = %d", payload.Today, last.Score)
	}
}
