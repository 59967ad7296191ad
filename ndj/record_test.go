// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"testing"
)

func TestRecordObserver(t *testing.T) {
	rec, ok := ParseRecord([]byte(`{"topic":"observers/alpha/rf","ts":"2025-06-01T00:00:00.000Z"}`))
	if !ok {
		t.Fatal("parse failed")
	}
	if got := rec.Observer(); got != "alpha" {
		t.Errorf("Observer() = %q", got)
	}
	rec, _ = ParseRecord([]byte(`{"observerId":"beta","topic":"observers/alpha/rf"}`))
	if got := rec.Observer(); got != "beta" {
		t.Errorf("explicit observerId lost: %q", got)
	}
}

func TestRecordWhenPrefersTs(t *testing.T) {
	rec, _ := ParseRecord([]byte(`{"ts":"2025-06-01T10:00:00.000Z","archivedAt":"2025-06-02T10:00:00.000Z"}`))
	when, ok := rec.When()
	if !ok || when.UTC().Day() != 1 {
		t.Errorf("When() = %v ok=%v", when, ok)
	}
	rec, _ = ParseRecord([]byte(`{"archivedAt":"2025-06-02T10:00:00.000Z"}`))
	when, ok = rec.When()
	if !ok || when.UTC().Day() != 2 {
		t.Errorf("archivedAt fallback = %v ok=%v", when, ok)
	}
}

func TestSecretHashByte(t *testing.T) {
	hb := SecretHashByte("8b3387e9c5cdea6ac9e5edbaa115cd72")
	if len(hb) != 2 {
		t.Fatalf("SecretHashByte length = %d", len(hb))
	}
	for i := 0; i < 2; i++ {
		c := hb[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			t.Errorf("non-hex-upper byte %q", hb)
		}
	}
	if hb != SecretHashByte("8b3387e9c5cdea6ac9e5edbaa115cd72") {
		t.Error("SecretHashByte not deterministic")
	}
	if SecretHashByte("zz") != "??" {
		t.Error("invalid secret should map to sentinel")
	}
}

func TestPassthroughDecoder(t *testing.T) {
	dec := GetDecoder()
	rec, _ := ParseRecord([]byte(`{"type":"GroupText","messageHash":"abc1","channelName":"Public","sender":"n0de","body":"hi","ts":"2025-06-01T00:00:00.000Z","path":["aa","bb"]}`))
	gt, ok := dec.DecodeGroupText(rec, nil)
	if !ok {
		t.Fatal("decode failed")
	}
	if gt.MessageHash != "ABC1" || gt.ChannelName != "#public" || len(gt.Path) != 2 || gt.Path[0] != "AA" {
		t.Errorf("decoded = %+v", gt)
	}
	// adverts are not group texts
	rec, _ = ParseRecord([]byte(`{"type":"Advert","messageHash":"abc1","body":"x","channelName":"#a"}`))
	if _, ok := dec.DecodeGroupText(rec, nil); ok {
		t.Error("advert decoded as group text")
	}
}
