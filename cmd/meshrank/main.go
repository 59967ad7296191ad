// Package main is the meshrank read-side analytics and realtime dashboard
// server: binds immediately, then warms its caches on the boot schedule.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/geoscore"
	"github.com/NVIDIA/meshrank/hk"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
	"github.com/NVIDIA/meshrank/rank"
	"github.com/NVIDIA/meshrank/server"
)

const (
	dbWarmupDelay    = 2 * time.Second
	msgBuildDelay    = 3 * time.Second
	msgBuildRetry    = 15 * time.Second
	hydrateDelay     = 30 * time.Second
	shutdownDeadline = 10 * time.Second
)

func main() {
	cmn.Rom.Init()
	nlog.SetTitle("meshrank")
	if dir := os.Getenv("MESHRANK_LOG_DIR"); dir != "" {
		nlog.SetLogDir(dir)
	} else {
		nlog.ToStderr(true)
	}
	cos.InitShortID(uint64(time.Now().UnixNano()))

	hk.Init()
	hk.Run()

	ndj.InitChannelKeys(cmn.Rom.DataFile("meshcore_keys.json"))
	hits := ndj.NewHitsIndex(cmn.Rom.DataFile("observer.ndjson"))

	db, err := meshdb.Open(cmn.Rom.DBPath())
	if err != nil {
		cos.ExitLogf("cannot open store: %v", err)
	}
	defer db.Close()

	engines := rank.NewEngines(db)
	geoEng := geoscore.New(db)
	srv := server.New(db, hits, engines, geoEng)

	scheduleBoot(db, hits, engines, geoEng, srv)

	go handleSignals(srv)

	if err := srv.Run(); err != nil {
		cos.ExitLogf("server: %v", err)
	}
	nlog.Flush(true)
}

// scheduleBoot implements the deferred-warmup sequence: the listener is
// already up; everything else arrives on its own delay.
func scheduleBoot(db *meshdb.DB, hits *ndj.HitsIndex, engines *rank.Engines,
	geoEng *geoscore.Engine, srv *server.Server) {
	// +2 s: touch the store so the first real request hits warm caches
	hk.Reg("boot.dbwarm", func() time.Duration {
		db.ReadDevices()
		db.ReadObservers()
		return hk.UnregInterval
	}, dbWarmupDelay)

	// +3 s: build the channel message cache, retrying until a source exists
	hk.Reg("boot.msgbuild", func() time.Duration {
		if srv.Messages().Build() {
			srv.Messages().Start()
			return hk.UnregInterval
		}
		return msgBuildRetry
	}, msgBuildDelay)

	// +30 s: hydrate persisted rank/score payloads
	hk.Reg("boot.hydrate", func() time.Duration {
		engines.Hydrate()
		return hk.UnregInterval
	}, hydrateDelay)

	hits.Register()
	engines.Register()
	geoEng.Register()
	srv.RegisterStatsTask()
}

func handleSignals(srv *server.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	nlog.Infof("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	srv.Shutdown(ctx)
	hk.Stop()
	nlog.Flush(true)
	os.Exit(0)
}
