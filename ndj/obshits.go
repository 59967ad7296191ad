// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"sync/atomic"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/mono"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/hk"
)

type (
	ObsSet map[string]struct{}

	// Hits maps any of a line's hashes (frameHash, hash, messageHash, and the
	// decoder-derived messageHash) to the set of observers that heard it.
	Hits map[string]ObsSet
)

const fullReadCooldown = 30 * time.Second

// HitsIndex publishes immutable Hits snapshots; the background tick extends a
// private copy and republishes, so readers never take a lock.
type HitsIndex struct {
	tailer   *Tailer
	snap     atomic.Pointer[Hits]
	mu       sync.Mutex // serializes refills
	lastFull int64      // mono nanos of the last whole-file (reset) read
}

func NewHitsIndex(path string) *HitsIndex {
	h := &HitsIndex{tailer: NewTailer(path, MaxUnreadBytes)}
	empty := make(Hits)
	h.snap.Store(&empty)
	return h
}

func (h *HitsIndex) Snapshot() Hits { return *h.snap.Load() }

// HitsFor returns the union of observer ids across the given keys, sorted.
func (h *HitsIndex) HitsFor(keys ...string) []string {
	var (
		hits = h.Snapshot()
		set  = make(ObsSet, 4)
	)
	for _, k := range keys {
		if k == "" {
			continue
		}
		for obs := range hits[strings.ToUpper(k)] {
			set[obs] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for obs := range set {
		out = append(out, obs)
	}
	sort.Strings(out)
	return out
}

// Register starts the background tailer tick.
func (h *HitsIndex) Register() {
	hk.Reg("obshits.tail", func() time.Duration {
		if err := h.Refill(); err != nil && !os.IsNotExist(err) {
			nlog.Warningf("obshits: tick: %v", err)
		}
		return cmn.ObserverTailIval
	}, 0)
}

// Refill extends the index with newly appended lines. A tick that would
// trigger a whole-file (reset) read within the cooldown window is skipped.
func (h *HitsIndex) Refill() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.wouldReset() && mono.Since(h.lastFull) < fullReadCooldown && h.lastFull != 0 {
		return nil
	}

	var (
		delta = make(Hits)
		keys  = ChannelKeys()
		dec   = GetDecoder()
	)
	n, reset, err := h.tailer.ReadNew(func(line []byte) {
		rec, ok := ParseRecord(line)
		if !ok {
			return // malformed line: skip silently
		}
		obs := rec.Observer()
		if obs == "" {
			return
		}
		add := func(key string) {
			if key == "" {
				return
			}
			key = strings.ToUpper(key)
			set := delta[key]
			if set == nil {
				set = make(ObsSet, 2)
				delta[key] = set
			}
			set[obs] = struct{}{}
		}
		add(rec.FrameHash)
		add(rec.Hash)
		add(rec.MessageHash)
		if gt, ok := dec.DecodeGroupText(rec, keys); ok {
			add(gt.MessageHash)
		}
	})
	if err != nil {
		return err // offset unchanged; next tick retries
	}
	if reset {
		h.lastFull = mono.NanoTime()
	}
	if n == 0 && !reset {
		return nil
	}
	h.publish(delta, reset)
	return nil
}

func (h *HitsIndex) wouldReset() bool {
	fi, err := os.Stat(h.tailer.path)
	if err != nil {
		return false
	}
	size := fi.Size()
	return size < h.tailer.offset || size-h.tailer.offset > MaxUnreadBytes
}

// publish merges (or, after a reset, replaces with) the delta under
// copy-on-write: extended sets are copied so the previous snapshot stays
// immutable for its readers.
func (h *HitsIndex) publish(delta Hits, replace bool) {
	var next Hits
	if replace {
		next = delta
	} else {
		cur := h.Snapshot()
		next = make(Hits, len(cur)+len(delta))
		for k, set := range cur {
			next[k] = set
		}
		for k, add := range delta {
			if prev, ok := next[k]; ok {
				merged := make(ObsSet, len(prev)+len(add))
				for obs := range prev {
					merged[obs] = struct{}{}
				}
				for obs := range add {
					merged[obs] = struct{}{}
				}
				next[k] = merged
			} else {
				next[k] = add
			}
		}
	}
	h.snap.Store(&next)
}
