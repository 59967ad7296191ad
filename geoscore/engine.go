// Package geoscore infers probable concrete repeater pubs for the hop tokens
// of observed routes, fed from the streaming message_observers updates.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package geoscore

import (
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/hk"
	"github.com/NVIDIA/meshrank/meshdb"
	"sync/atomic"
)

const (
	feedIval  = time.Second
	inferIval = 500 * time.Millisecond
	feedBatch = 200
	queueCap  = 4096
)

type (
	item struct {
		MsgKey     string
		TsMs       int64
		ObserverID string
		PathTokens []string
	}

	// Engine consumes path deltas and runs background hop inference.
	Engine struct {
		db        *meshdb.DB
		queue     chan item
		homes     atomic.Pointer[map[string]meshdb.ObserverHome]
		lastRowID int64

		processed atomic.Int64
		dropped   atomic.Int64
	}
)

func New(db *meshdb.DB) *Engine {
	e := &Engine{db: db, queue: make(chan item, queueCap)}
	empty := map[string]meshdb.ObserverHome{}
	e.homes.Store(&empty)
	return e
}

// Register starts the feed and inference ticks and the boot home rebuild.
func (e *Engine) Register() {
	if !cmn.Rom.GeoscoreEnabled() {
		nlog.Infoln("geoscore: disabled")
		return
	}
	e.lastRowID = e.db.MaxMessageObserversRowID()
	e.RebuildHomes()

	hk.Reg("geoscore.feed", e.feedTick, feedIval)
	hk.Reg("geoscore.infer", e.inferTick, inferIval)
}

// feedTick enqueues new observer updates that carry a path.
func (e *Engine) feedTick() time.Duration {
	updates, last, err := e.db.ReadMessageObserverUpdatesSince(e.lastRowID, feedBatch)
	if err != nil {
		nlog.Warningf("geoscore: feed: %v", err)
		return feedIval
	}
	e.lastRowID = last
	for _, u := range updates {
		if len(u.PathTokens) == 0 {
			continue
		}
		it := item{
			MsgKey:     u.MessageHash,
			TsMs:       u.TsMs,
			ObserverID: u.ObserverID,
			PathTokens: u.PathTokens,
		}
		select {
		case e.queue <- it:
		default:
			e.dropped.Add(1) // backlogged; inference is best-effort
		}
	}
	return feedIval
}

// inferTick drains up to a batch of queued items.
func (e *Engine) inferTick() time.Duration {
	var (
		batch = cmn.Rom.GeoscoreBatch()
		devs  = e.db.ReadDevices()
	)
	for i := 0; i < batch; i++ {
		select {
		case it := <-e.queue:
			route := e.infer(it, devs)
			if err := e.db.UpsertGeoRoute(route); err != nil {
				nlog.Warningf("geoscore: persist %s: %v", it.MsgKey, err)
			}
			e.processed.Add(1)
		default:
			return inferIval
		}
	}
	return inferIval
}

// Status backs /api/geoscore/status.
func (e *Engine) Status() map[string]any {
	total, unresolved := e.db.GeoRouteStats()
	return map[string]any{
		"enabled":    cmn.Rom.GeoscoreEnabled(),
		"queued":     len(e.queue),
		"processed":  e.processed.Load(),
		"dropped":    e.dropped.Load(),
		"routes":     total,
		"unresolved": unresolved,
		"homes":      len(*e.homes.Load()),
	}
}
