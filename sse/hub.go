// Package sse implements the per-client event fan-out behind
// /api/message-stream and /api/bot-stream.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package sse

import (
	"net/http"
	"sync"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
)

const (
	countersIval = 10 * time.Second
	ranksIval    = 30 * time.Second
	healthIval   = 12 * time.Second
	pingIval     = 15 * time.Second
	packetIval   = time.Second

	clientBuf = 64
)

type (
	Event struct {
		Name string
		Data any
	}

	// Providers are the data hooks the server wires in; the hub itself owns
	// no caches.
	Providers struct {
		Counters   func() (any, error)
		Ranks      func() any
		Health     func() any
		ReadyRowID func() int64
		// PacketPoll aggregates message_observers rows past lastRowID;
		// returns nil when there is nothing new.
		PacketPoll func(lastRowID int64) (any, int64)
	}

	client struct {
		id   string
		kind string // "dashboard" | "bot"
		ch   chan Event
		done chan struct{}
		once sync.Once
	}

	// Hub fans events out to independent per-client queues: a slow client
	// drops its own events and never back-pressures the rest.
	Hub struct {
		providers Providers

		mu      sync.RWMutex
		clients map[string]*client

		current ratomic.Int64
		peak    ratomic.Int64
	}
)

func NewHub(p Providers) *Hub {
	return &Hub{providers: p, clients: make(map[string]*client, 16)}
}

// Visitors returns the current and peak concurrent stream counts; peak is
// monotone non-decreasing.
func (h *Hub) Visitors() (current, peak int64) {
	return h.current.Load(), h.peak.Load()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return n
}

// Broadcast queues an event for every client of the given kind; full queues
// drop (best-effort contract).
func (h *Hub) Broadcast(kind string, ev Event) {
	h.mu.RLock()
	for _, c := range h.clients {
		if c.kind == kind {
			c.send(ev)
		}
	}
	h.mu.RUnlock()
}

func (c *client) send(ev Event) {
	select {
	case c.ch <- ev:
	default: // slow client: drop
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (h *Hub) register(kind string) *client {
	c := &client{
		id:   cos.GenUUID(),
		kind: kind,
		ch:   make(chan Event, clientBuf),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	cur := h.current.Add(1)
	for {
		peak := h.peak.Load()
		if cur <= peak || h.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.current.Add(-1)
	c.close()
}

// ServeMessageStream is GET /api/message-stream.
func (h *Hub) ServeMessageStream(w http.ResponseWriter, r *http.Request) {
	wr, ok := newStreamWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c := h.register("dashboard")
	defer h.unregister(c)

	lastRowID := h.providers.ReadyRowID()
	if err := wr.write("ready", map[string]int64{"lastRowId": lastRowID}); err != nil {
		return
	}

	var (
		counters = time.NewTicker(countersIval)
		ranks    = time.NewTicker(ranksIval)
		health   = time.NewTicker(healthIval)
		ping     = time.NewTicker(pingIval)
		packets  = time.NewTicker(packetIval)
	)
	defer func() {
		counters.Stop()
		ranks.Stop()
		health.Stop()
		ping.Stop()
		packets.Stop()
	}()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.ch:
			err = wr.write(ev.Name, ev.Data)
		case <-counters.C:
			if data, cerr := h.providers.Counters(); cerr != nil {
				// a failed tick reports and retries on the next one
				err = wr.write("error", map[string]string{"error": cerr.Error()})
			} else {
				err = wr.write("counters", data)
			}
		case <-ranks.C:
			err = wr.write("ranks", h.providers.Ranks())
		case <-health.C:
			err = wr.write("health", h.providers.Health())
		case <-packets.C:
			if data, next := h.providers.PacketPoll(lastRowID); data != nil {
				lastRowID = next
				err = wr.write("packet", data)
			}
		case <-ping.C:
			err = wr.write("ping", map[string]int64{"t": time.Now().Unix()})
		}
		if err != nil {
			return // client went away; callback teardown via defers
		}
	}
}

// ServeBotStream is GET /api/bot-stream (auth enforced by the router).
func (h *Hub) ServeBotStream(w http.ResponseWriter, r *http.Request) {
	wr, ok := newStreamWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c := h.register("bot")
	defer h.unregister(c)

	if err := wr.write("ready", map[string]string{"stream": "bot"}); err != nil {
		return
	}
	ping := time.NewTicker(pingIval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.ch:
			err = wr.write(ev.Name, ev.Data)
		case <-ping.C:
			err = wr.write("ping", map[string]int64{"t": time.Now().Unix()})
		}
		if err != nil {
			return
		}
	}
}

// CloseAll tears down every client (shutdown path).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	nlog.Infoln("sse: all clients closed")
}
