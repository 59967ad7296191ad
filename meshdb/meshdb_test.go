// Package meshdb is the read-through storage façade over the shared SQLite
// store and the JSON admin overlays written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package meshdb_test

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/meshdb"
)

func openTestDB(t *testing.T) *meshdb.DB {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MESHRANK_DATA_DIR", dir)
	t.Setenv("MESHRANK_DB_PATH", filepath.Join(dir, "test.db"))
	cmn.Rom.Init()
	db, err := meshdb.Open(cmn.Rom.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenIdempotent(t *testing.T) {
	db := openTestDB(t)
	db.Close()
	// re-open against the same file: schema create and column adds must be no-ops
	db2, err := meshdb.Open(cmn.Rom.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	db2.Close()
}

func TestParsePathTokens(t *testing.T) {
	tests := []struct {
		text, json string
		want       []string
	}{
		{"aa|bb|cc", "", []string{"AA", "BB", "CC"}},
		{"", `["aa","zz"]`, []string{"AA", "??"}},
		{"aa|bogus", "", []string{"AA", "??"}},
		{"", "not json", nil},
		{"", "", nil},
		// path_text wins when both present
		{"aa", `["bb"]`, []string{"AA"}},
	}
	for _, tt := range tests {
		got := meshdb.ParsePathTokens(tt.text, tt.json)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePathTokens(%q, %q) = %v, want %v", tt.text, tt.json, got, tt.want)
		}
	}
}

func insertMessage(t *testing.T, db *meshdb.DB, hash, channel, ts string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO messages (message_hash, frame_hash, channel_name, sender, body, ts, path_text, path_length, repeats)
		VALUES (?, ?, ?, 'node', 'hello', ?, 'AA|BB', 2, 2)`, hash, "F"+hash, channel, ts)
	if err != nil {
		t.Fatal(err)
	}
}

func TestMessageRows(t *testing.T) {
	db := openTestDB(t)
	insertMessage(t, db, "AAA1", "#public", "2025-06-01T10:00:00.000Z")
	insertMessage(t, db, "AAA2", "#public", "2025-06-01T11:00:00.000Z")
	insertMessage(t, db, "AAA3", "#other", "2025-06-01T12:00:00.000Z")

	if !db.HasMessages() {
		t.Fatal("HasMessages = false")
	}
	rows, err := db.ReadMessages("#public", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].MessageHash != "AAA2" {
		t.Fatalf("ReadMessages = %+v", rows)
	}
	row, err := db.FindMessage("aaa1")
	if err != nil || row.MessageHash != "AAA1" {
		t.Fatalf("FindMessage by hash: %v %+v", err, row)
	}
	row, err = db.FindMessage("FAAA1")
	if err != nil || row.MessageHash != "AAA1" {
		t.Fatalf("FindMessage by frame hash: %v %+v", err, row)
	}
	if _, err := db.FindMessage("NOPE"); !cos.IsErrNotFound(err) {
		t.Errorf("missing message error = %v", err)
	}

	chans, err := db.ListChannels()
	if err != nil || len(chans) != 2 {
		t.Fatalf("ListChannels = %v %v", chans, err)
	}
}

func TestMessageObserverAgg(t *testing.T) {
	db := openTestDB(t)
	for _, obs := range []string{"OBS1", "OBS2"} {
		_, err := db.Exec(`INSERT INTO message_observers (message_hash, observer_id, ts_ms, path_text, path_length)
			VALUES ('AAA1', ?, ?, 'AA|BB|CC', 3)`, obs, time.Now().UnixMilli())
		if err != nil {
			t.Fatal(err)
		}
	}
	aggs, err := db.ReadMessageObserverAgg([]string{"AAA1"})
	if err != nil {
		t.Fatal(err)
	}
	agg := aggs["AAA1"]
	if agg == nil || len(agg.Observers) != 2 || agg.MaxPathLen != 3 {
		t.Fatalf("agg = %+v", agg)
	}
	if !reflect.DeepEqual(agg.HopCodes, []string{"AA", "BB", "CC"}) {
		t.Errorf("hop codes = %v", agg.HopCodes)
	}

	updates, last, err := db.ReadMessageObserverUpdatesSince(0, 10)
	if err != nil || len(updates) != 2 || last == 0 {
		t.Fatalf("updates = %v last=%d err=%v", updates, last, err)
	}
}

func TestShareRows(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	row := &meshdb.ShareRow{
		Code:      "01234",
		MessageID: "AAA1",
		CreatedAt: cos.FormatTs(now),
		ExpiresAt: cos.FormatTs(now.Add(24 * time.Hour)),
	}
	if err := db.InsertShare(row); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertShare(row); err == nil {
		t.Fatal("duplicate code accepted")
	}
	got, ok := db.FindShareByCode("01234")
	if !ok || got.MessageID != "AAA1" {
		t.Fatalf("FindShareByCode = %+v ok=%v", got, ok)
	}
	got, ok = db.FindShareByMessage("AAA1", now)
	if !ok || got.Code != "01234" {
		t.Fatalf("FindShareByMessage = %+v ok=%v", got, ok)
	}

	expired := &meshdb.ShareRow{
		Code:      "99999",
		MessageID: "AAA2",
		CreatedAt: cos.FormatTs(now.Add(-48 * time.Hour)),
		ExpiresAt: cos.FormatTs(now.Add(-24 * time.Hour)),
	}
	if err := db.InsertShare(expired); err != nil {
		t.Fatal(err)
	}
	if !expired.Expired(now) {
		t.Error("Expired() = false for past expiry")
	}
	if _, ok := db.FindShareByMessage("AAA2", now); ok {
		t.Error("expired share returned by FindShareByMessage")
	}
	if n := db.SweepExpiredShares(now, 1000); n != 1 {
		t.Errorf("sweep deleted %d rows, want 1", n)
	}
}

func TestCachePayloadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, _, ok := db.GetCachePayload("repeater_rank_cache"); ok {
		t.Fatal("payload present before write")
	}
	if err := db.PutCachePayload("repeater_rank_cache", `{"count":3}`); err != nil {
		t.Fatal(err)
	}
	payload, updatedAt, ok := db.GetCachePayload("repeater_rank_cache")
	if !ok || payload != `{"count":3}` || updatedAt == "" {
		t.Fatalf("payload=%q updatedAt=%q ok=%v", payload, updatedAt, ok)
	}
	// singleton: a second put replaces, never adds
	if err := db.PutCachePayload("repeater_rank_cache", `{"count":4}`); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM repeater_rank_cache`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("cache rows = %d err=%v", n, err)
	}
}

func TestDeviceOverlayMerge(t *testing.T) {
	db := openTestDB(t)
	pub := "AB" + "12CD34EF12CD34EF12CD34EF12CD34EF12CD34EF12CD34EF12CD34EF12CD34"
	_, err := db.Exec(`INSERT INTO devices (pub, name, is_repeater, gps_lat, gps_lon, raw_json)
		VALUES (?, 'Tower One', 1, 51.5, -0.1, '{"verifiedAdvert":true}')`, pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := cos.SaveJSONAtomic(cmn.Rom.DataFile("devices.json"), map[string]any{
		pub: map[string]any{"hiddenOnMap": true},
	}); err != nil {
		t.Fatal(err)
	}

	snap := db.ReadDevices()
	d := snap.ByPub[pub]
	if d == nil {
		t.Fatal("device missing from snapshot")
	}
	if !d.HiddenOnMap || !d.VerifiedAdvert || !d.HasValidGps() {
		t.Errorf("merged device = %+v", d)
	}
	if d.HashByte() != "AB" {
		t.Errorf("HashByte = %q", d.HashByte())
	}
	if len(snap.ByHash["AB"]) != 1 {
		t.Errorf("ByHash index missing entry")
	}

	// cached snapshot until invalidated
	if snap2 := db.ReadDevices(); snap2 != snap {
		t.Error("snapshot not cached within TTL")
	}
	db.InvalidateDevices()
	if snap3 := db.ReadDevices(); snap3 == snap {
		t.Error("snapshot served after invalidation")
	}
}

func TestVisibilitySweep(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UnixMilli()
	old := now - 80*3600*1000
	for pub, ms := range map[string]int64{"AAAA": now, "BBBB": old} {
		if _, err := db.Exec(`INSERT INTO current_repeaters (pub, name, last_advert_heard_ms, visible)
			VALUES (?, ?, ?, 1)`, pub, pub, ms); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.SweepVisibility(now - 72*3600*1000)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d err=%v", n, err)
	}
	var visible int
	db.QueryRow(`SELECT visible FROM current_repeaters WHERE pub = 'BBBB'`).Scan(&visible)
	if visible != 0 {
		t.Error("stale repeater still visible")
	}
	// row retained for history
	var cnt int
	db.QueryRow(`SELECT COUNT(*) FROM current_repeaters`).Scan(&cnt)
	if cnt != 2 {
		t.Errorf("rows = %d, want 2", cnt)
	}
}
