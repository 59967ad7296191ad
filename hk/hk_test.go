// Package hk provides mechanism for registering periodic housekeeping
// callbacks which are invoked at each callback's own interval.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/hk"
)

func TestHousekeeperInvokesAndUnregisters(t *testing.T) {
	hk.Init()
	hk.Run()
	defer hk.Stop()

	var fired atomic.Int64
	hk.Reg("test.repeat", func() time.Duration {
		fired.Add(1)
		return 10 * time.Millisecond
	}, 0)

	var once atomic.Int64
	hk.Reg("test.once", func() time.Duration {
		once.Add(1)
		return hk.UnregInterval
	}, 0)

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() < 3 {
		t.Fatalf("periodic callback fired %d times", fired.Load())
	}
	if got := once.Load(); got != 1 {
		t.Fatalf("one-shot callback fired %d times", got)
	}

	hk.Unreg("test.repeat")
	time.Sleep(50 * time.Millisecond)
	n := fired.Load()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() > n+1 { // at most one in-flight tick after unreg
		t.Errorf("callback kept firing after Unreg: %d -> %d", n, fired.Load())
	}
}

func TestHousekeeperSurvivesPanics(t *testing.T) {
	hk.Init()
	hk.Run()
	defer hk.Stop()

	var after atomic.Bool
	hk.Reg("test.panics", func() time.Duration {
		panic("boom")
	}, 0)
	hk.Reg("test.after", func() time.Duration {
		after.Store(true)
		return hk.UnregInterval
	}, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !after.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !after.Load() {
		t.Fatal("housekeeper died after a panicking callback")
	}
}
