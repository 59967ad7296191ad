// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"path/filepath"
	"testing"
)

func TestHitsIndexRefill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeFile(t, path,
		`{"observerId":"OBS1","messageHash":"abc","frameHash":"F1"}`+"\n"+
			`not json at all`+"\n"+
			`{"topic":"observers/OBS2/packets","hash":"abc"}`+"\n")
	h := NewHitsIndex(path)
	if err := h.Refill(); err != nil {
		t.Fatal(err)
	}

	hits := h.HitsFor("ABC")
	if len(hits) != 2 || hits[0] != "OBS1" || hits[1] != "OBS2" {
		t.Fatalf("HitsFor(ABC) = %v", hits)
	}
	if hits := h.HitsFor("F1"); len(hits) != 1 || hits[0] != "OBS1" {
		t.Fatalf("HitsFor(F1) = %v", hits)
	}
	// lower-case lookups hit the same keys
	if hits := h.HitsFor("abc"); len(hits) != 2 {
		t.Fatalf("case-insensitive lookup = %v", hits)
	}

	// every present key maps to a non-empty set
	for key, set := range h.Snapshot() {
		if len(set) == 0 {
			t.Errorf("key %q has empty observer set", key)
		}
	}
}

func TestHitsIndexConvergesOnAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeFile(t, path, `{"observerId":"OBS1","messageHash":"ABC"}`+"\n")
	h := NewHitsIndex(path)
	if err := h.Refill(); err != nil {
		t.Fatal(err)
	}
	before := h.Snapshot()

	appendFile(t, path, `{"observerId":"OBS9","messageHash":"ABC"}`+"\n")
	if err := h.Refill(); err != nil {
		t.Fatal(err)
	}
	if hits := h.HitsFor("ABC"); len(hits) != 2 {
		t.Fatalf("after append HitsFor(ABC) = %v", hits)
	}
	// the earlier snapshot must be untouched (copy-on-write publication)
	if len(before["ABC"]) != 1 {
		t.Errorf("previous snapshot mutated: %v", before["ABC"])
	}
}

func TestHitsIndexEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeFile(t, path, "")
	h := NewHitsIndex(path)
	if err := h.Refill(); err != nil {
		t.Fatal(err)
	}
	if n := len(h.Snapshot()); n != 0 {
		t.Errorf("empty file produced %d keys", n)
	}
	if hits := h.HitsFor("ANY"); hits != nil {
		t.Errorf("HitsFor on empty index = %v", hits)
	}
}
