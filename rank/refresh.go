// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/mono"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/hk"
	"github.com/NVIDIA/meshrank/meshdb"
	"golang.org/x/sync/singleflight"
)

const (
	rankTTL        = 15 * time.Minute
	scoreTaskDelay = 30 * time.Second
	scoreTaskIval  = 5 * time.Minute
	sweepIval      = time.Hour
)

// Engines bundles the three rank engines behind stampede-guarded refreshes.
type Engines struct {
	db       *meshdb.DB
	Repeater *RepeaterRank
	Observer *ObserverRank
	Mesh     *MeshScore

	sf     singleflight.Group
	bootAt int64 // mono nanos

	lastRank int64
	lastObs  int64
	lastMesh int64
}

func NewEngines(db *meshdb.DB) *Engines {
	return &Engines{
		db:       db,
		Repeater: NewRepeaterRank(db),
		Observer: NewObserverRank(db),
		Mesh:     NewMeshScore(db),
		bootAt:   mono.NanoTime(),
	}
}

// Hydrate restores all persisted caches (the +30 s boot step).
func (e *Engines) Hydrate() {
	e.Repeater.Hydrate()
	e.Observer.Hydrate()
	e.Mesh.Hydrate()
}

func (e *Engines) warmingUp() bool {
	return mono.Since(e.bootAt) < cmn.CacheWarmupWindow
}

// refresh runs fn at most once concurrently per key; a caller arriving while
// a rebuild is in flight receives that rebuild's result.
func refresh[T any](e *Engines, key string, force bool, last *int64, snap func() T, fn func() (T, error)) T {
	if !force {
		if e.warmingUp() {
			return snap() // scheduled refreshes wait out the warmup window
		}
		if l := ratomic.LoadInt64(last); l != 0 && mono.Since(l) < rankTTL {
			return snap()
		}
	}
	v, err, _ := e.sf.Do(key, func() (any, error) {
		started := mono.NanoTime()
		out, err := fn()
		if err == nil {
			ratomic.StoreInt64(last, mono.NanoTime())
			if cmn.Rom.DebugPerf() {
				nlog.Infof("rank: %s rebuilt in %v", key, mono.Since(started))
			}
		}
		return out, err
	})
	if err != nil {
		nlog.Errorf("rank: %s refresh: %v (serving previous cache)", key, err)
		return snap()
	}
	return v.(T)
}

func (e *Engines) RefreshRank(force bool) *api.RankPayload {
	return refresh(e, "repeater", force, &e.lastRank, e.Repeater.Snapshot, e.Repeater.Rebuild)
}

func (e *Engines) RefreshObserverRank(force bool) *api.ObserverRankPayload {
	return refresh(e, "observer", force, &e.lastObs, e.Observer.Snapshot, e.Observer.Rebuild)
}

func (e *Engines) RefreshMeshScore(force bool) *api.MeshScorePayload {
	return refresh(e, "meshscore", force, &e.lastMesh, e.Mesh.Snapshot, e.Mesh.Rebuild)
}

// Register wires the periodic machinery: the 60 s refresh loop, the 5-minute
// stored-score task, and the visibility sweep.
func (e *Engines) Register() {
	// optional jitter de-synchronizes refresh loops across deployments
	jitter := time.Duration(cmn.Rom.JitterMs()) * time.Millisecond
	hk.Reg("rank.loop", func() time.Duration {
		e.RefreshRank(false)
		e.RefreshMeshScore(false)
		e.RefreshObserverRank(false)
		return cmn.RefreshLoopIval
	}, cmn.RefreshLoopIval+jitter)

	hk.Reg("rank.scores", func() time.Duration {
		p := e.Repeater.Snapshot()
		if len(p.Items) > 0 {
			scores := make(map[string]int, len(p.Items))
			for i := range p.Items {
				scores[p.Items[i].Pub] = p.Items[i].Score
			}
			if err := e.db.UpdateRepeaterScores(scores); err != nil {
				nlog.Errorf("rank: score task: %v", err)
			}
		}
		return scoreTaskIval
	}, scoreTaskDelay)

	hk.Reg("rank.visibility", func() time.Duration {
		cutoff := time.Now().Add(-cmn.RepeaterActiveWin).UnixMilli()
		if n, err := e.db.SweepVisibility(cutoff); err != nil {
			nlog.Errorf("rank: visibility sweep: %v", err)
		} else if n > 0 {
			nlog.Infof("rank: visibility sweep hid %d stale repeaters", n)
		}
		return sweepIval
	}, sweepIval)
}
