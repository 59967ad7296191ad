// Package rank implements the repeater, observer, and mesh score engines.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/meshdb"
)

func pad64(prefix string) string {
	return prefix + strings.Repeat("0", 64-len(prefix))
}

func setupRankDB(t *testing.T) *meshdb.DB {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MESHRANK_DATA_DIR", dir)
	t.Setenv("MESHRANK_DB_PATH", filepath.Join(dir, "rank.db"))
	cmn.Rom.Init()
	db, err := meshdb.Open(cmn.Rom.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertDevice(t *testing.T, db *meshdb.DB, pub, name string, gps bool, advertMs int64, rawJSON string) {
	t.Helper()
	var lat, lon any
	if gps {
		lat, lon = 51.5, -0.1
	}
	_, err := db.Exec(`INSERT INTO devices (pub, name, is_repeater, gps_lat, gps_lon, last_advert_heard_ms, raw_json)
		VALUES (?, ?, 1, ?, ?, ?, ?)`, pub, name, lat, lon, advertMs, rawJSON)
	if err != nil {
		t.Fatal(err)
	}
}

func TestRebuildScenarios(t *testing.T) {
	db := setupRankDB(t)
	var (
		now     = time.Now()
		target  = pad64("AB")
		phantom = pad64("CD")
		peer    = pad64("EF")
	)
	insertDevice(t, db, target, "Valid Repeater", true, now.Add(-time.Hour).UnixMilli(), `{"verifiedAdvert":true}`)
	insertDevice(t, db, phantom, "DEADBEEF", false, now.Add(-time.Hour).UnixMilli(), `{"verifiedAdvert":true}`)
	insertDevice(t, db, peer, "Peer Repeater", true, now.Add(-time.Hour).UnixMilli(), `{"verifiedAdvert":true}`)

	// adverts heard from the target, always via the EF zero-hop neighbour
	var lines strings.Builder
	for i := 0; i < 10; i++ {
		ts := cos.FormatTs(now.Add(-time.Duration(i+1) * time.Minute))
		lines.WriteString(fmt.Sprintf(
			`{"ts":%q,"type":"Advert","advert":{"pub":%q},"rssi":-60,"snr":10,"path":["EF"]}`+"\n", ts, target))
	}
	if err := os.WriteFile(cmn.Rom.DataFile("decoded.ndjson"), []byte(lines.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	// six distinct messages with the target's hash byte as middle hop
	for i := 0; i < 6; i++ {
		_, err := db.Exec(`INSERT INTO message_observers (message_hash, observer_id, ts_ms, path_text, path_length)
			VALUES (?, 'OBS1', ?, 'CC|AB|DD', 3)`, fmt.Sprintf("MSG%d", i), now.UnixMilli())
		if err != nil {
			t.Fatal(err)
		}
	}

	// zero-hop admin override: target:EF -> peer
	if err := db.PutSetting(zeroHopOverridesKey,
		string(cos.MustMarshal(map[string]string{target + ":EF": peer}))); err != nil {
		t.Fatal(err)
	}

	r := NewRepeaterRank(db)
	payload, err := r.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	// S1: inclusion
	var item *api.RankItem
	for i := range payload.Items {
		if payload.Items[i].Pub == target {
			item = &payload.Items[i]
		}
	}
	if item == nil {
		t.Fatalf("target not in items; excluded=%+v", payload.Excluded)
	}
	if item.Quality != api.QualityValid || !item.IsLive {
		t.Errorf("item quality=%q isLive=%v", item.Quality, item.IsLive)
	}
	if item.RepeatEvidence == nil || !item.RepeatEvidence.IsTrueRepeater {
		t.Errorf("repeat evidence = %+v", item.RepeatEvidence)
	}
	if item.Score < 30 {
		t.Errorf("score = %d, want >= 30", item.Score)
	}
	if item.Color != api.ColorYellow && item.Color != api.ColorGreen {
		t.Errorf("color = %q", item.Color)
	}
	if item.HashByte != "AB" {
		t.Errorf("hashByte = %q", item.HashByte)
	}

	// S6: the override wins the neighbour resolution
	if len(item.ZeroHopNeighborDetails) != 1 {
		t.Fatalf("neighbors = %+v", item.ZeroHopNeighborDetails)
	}
	nb := item.ZeroHopNeighborDetails[0]
	if nb.Hash != "EF" || nb.Pub != peer || !nb.Override {
		t.Errorf("override neighbor = %+v", nb)
	}

	// S2: exclusion with preserved reasons
	var excl *api.ExcludedItem
	for i := range payload.Excluded {
		if payload.Excluded[i].Pub == phantom {
			excl = &payload.Excluded[i]
		}
	}
	if excl == nil {
		t.Fatal("phantom device not excluded")
	}
	if !containsStr(excl.Reasons, "phantom") || !containsStr(excl.Reasons, "name_invalid_no_gps_no_activity") {
		t.Errorf("exclusion reasons = %v", excl.Reasons)
	}

	// universal invariant: items and excluded never overlap
	for i := range payload.Items {
		if payload.Items[i].Quality != api.QualityValid {
			t.Errorf("non-valid item included: %+v", payload.Items[i])
		}
	}
	for i := range payload.Excluded {
		if len(payload.Excluded[i].Reasons) == 0 {
			t.Errorf("excluded item without reasons: %+v", payload.Excluded[i])
		}
	}

	// restart hydration serves the persisted payload
	r2 := NewRepeaterRank(db)
	r2.Hydrate()
	if got := r2.Snapshot(); got.Count != payload.Count || len(got.Items) != len(payload.Items) {
		t.Errorf("hydrated payload count=%d items=%d", got.Count, len(got.Items))
	}
}

func TestRebuildEmptySources(t *testing.T) {
	db := setupRankDB(t)
	r := NewRepeaterRank(db)
	payload, err := r.Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	if payload.Items == nil || payload.Excluded == nil {
		t.Error("empty rebuild produced nil slices")
	}
	if payload.Count != 0 {
		t.Errorf("count = %d", payload.Count)
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
