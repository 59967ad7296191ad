// Package hk provides mechanism for registering periodic housekeeping
// callbacks which are invoked at each callback's own interval.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/NVIDIA/meshrank/cmn/mono"
	"github.com/NVIDIA/meshrank/cmn/nlog"
)

const NameSuffix = ".gc"

// CleanupFn returns the interval until its next invocation; UnregInterval
// de-registers the callback.
type CleanupFn func() time.Duration

const UnregInterval = time.Duration(-1)

type (
	request struct {
		name            string
		f               CleanupFn
		initialInterval time.Duration
		registering     bool
	}
	timedAction struct {
		name       string
		f          CleanupFn
		updateTime int64 // mono nanos
	}
	timedActions []timedAction

	housekeeper struct {
		stopCh  chan struct{}
		sigCh   chan request
		actions *timedActions
		running sync.WaitGroup
		once    sync.Once
	}
)

var DefaultHK *housekeeper

// interface guard
var _ heap.Interface = (*timedActions)(nil)

func (tc timedActions) Len() int            { return len(tc) }
func (tc timedActions) Less(i, j int) bool  { return tc[i].updateTime < tc[j].updateTime }
func (tc timedActions) Swap(i, j int)       { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction  { return &tc[0] }
func (tc *timedActions) Push(x any)         { *tc = append(*tc, x.(timedAction)) }
func (tc *timedActions) Pop() any {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[:n-1]
	return item
}

func Init() {
	DefaultHK = &housekeeper{
		stopCh:  make(chan struct{}),
		sigCh:   make(chan request, 32),
		actions: &timedActions{},
	}
	heap.Init(DefaultHK.actions)
}

func Reg(name string, f CleanupFn, initialInterval time.Duration) {
	DefaultHK.sigCh <- request{
		registering:     true,
		name:            name,
		f:               f,
		initialInterval: initialInterval,
	}
}

func Unreg(name string) {
	DefaultHK.sigCh <- request{registering: false, name: name}
}

func Run() {
	DefaultHK.running.Add(1)
	go DefaultHK.run()
}

func Stop() {
	DefaultHK.once.Do(func() { close(DefaultHK.stopCh) })
	DefaultHK.running.Wait()
}

//////////////////
// housekeeper  //
//////////////////

func (hk *housekeeper) run() {
	defer hk.running.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		select {
		case <-hk.stopCh:
			return
		case <-timer.C:
			hk.step()
		case req := <-hk.sigCh:
			if req.registering {
				hk.reg(req)
			} else {
				hk.unreg(req.name)
			}
		}
		hk.reset(timer)
	}
}

func (hk *housekeeper) reg(req request) {
	for _, tc := range *hk.actions {
		if tc.name == req.name {
			nlog.Warningf("hk: %q already registered", req.name)
			return
		}
	}
	heap.Push(hk.actions, timedAction{
		name:       req.name,
		f:          req.f,
		updateTime: mono.NanoTime() + req.initialInterval.Nanoseconds(),
	})
}

func (hk *housekeeper) unreg(name string) {
	for i, tc := range *hk.actions {
		if tc.name == name {
			heap.Remove(hk.actions, i)
			return
		}
	}
}

func (hk *housekeeper) step() {
	now := mono.NanoTime()
	for hk.actions.Len() > 0 && hk.actions.Peek().updateTime <= now {
		tc := heap.Pop(hk.actions).(timedAction)
		ival := invoke(tc)
		if ival == UnregInterval {
			continue
		}
		tc.updateTime = mono.NanoTime() + ival.Nanoseconds()
		heap.Push(hk.actions, tc)
	}
}

func (hk *housekeeper) reset(timer *time.Timer) {
	if hk.actions.Len() == 0 {
		timer.Reset(time.Hour)
		return
	}
	d := time.Duration(hk.actions.Peek().updateTime - mono.NanoTime())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	timer.Reset(d)
}

// a panicking callback must not take down the housekeeper goroutine
func invoke(tc timedAction) (ival time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: %q panicked: %v", tc.name, r)
			ival = time.Minute
		}
	}()
	return tc.f()
}
