// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"sync"
	"time"

	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/fsnotify/fsnotify"
)

// Watcher feeds appended NDJSON lines to a callback. fsnotify drives the
// reads; a 1 s fallback tick keeps the ≤1 s freshness contract on platforms
// where the notifier drops events.
type Watcher struct {
	tailer *Tailer
	fn     func(line []byte)
	fsw    *fsnotify.Watcher
	done   chan struct{}
	once   sync.Once
}

func NewWatcher(path string, fromEnd bool, fn func(line []byte)) (*Watcher, error) {
	w := &Watcher{
		tailer: NewTailer(path, MaxUnreadBytes),
		fn:     fn,
		done:   make(chan struct{}),
	}
	if fromEnd {
		w.tailer.SeekEnd()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		nlog.Warningf("watch: fsnotify unavailable (%v), polling only", err)
	} else if err := fsw.Add(path); err != nil {
		nlog.Warningf("watch: cannot watch %s (%v), polling only", path, err)
		fsw.Close()
		fsw = nil
	} else {
		w.fsw = fsw
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.fsw != nil {
		events, errs = w.fsw.Events, w.fsw.Errors
	}
	for {
		select {
		case <-w.done:
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.drain()
			}
		case err := <-errs:
			if err != nil {
				nlog.Warningf("watch: %v", err)
			}
		case <-tick.C:
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	if _, _, err := w.tailer.ReadNew(w.fn); err != nil {
		nlog.Warningf("watch: read: %v", err) // next event or tick retries
	}
}

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
}
