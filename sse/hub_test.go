// Package sse implements the per-client event fan-out behind
// /api/message-stream and /api/bot-stream.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestVisitorPeakIsMonotone(t *testing.T) {
	h := NewHub(Providers{})
	c1 := h.register("dashboard")
	c2 := h.register("dashboard")
	if cur, peak := h.Visitors(); cur != 2 || peak != 2 {
		t.Fatalf("visitors = %d/%d", cur, peak)
	}
	h.unregister(c1)
	h.unregister(c2)
	if cur, peak := h.Visitors(); cur != 0 || peak != 2 {
		t.Fatalf("after disconnects visitors = %d/%d, peak must not decrease", cur, peak)
	}
	c3 := h.register("dashboard")
	defer h.unregister(c3)
	if _, peak := h.Visitors(); peak != 2 {
		t.Fatalf("peak dropped to below high-water mark")
	}
}

func TestBroadcastKindsAndDrop(t *testing.T) {
	h := NewHub(Providers{})
	dash := h.register("dashboard")
	bot := h.register("bot")
	defer h.unregister(dash)
	defer h.unregister(bot)

	h.Broadcast("dashboard", Event{Name: "message", Data: 1})
	if len(dash.ch) != 1 || len(bot.ch) != 0 {
		t.Errorf("kind routing broken: dash=%d bot=%d", len(dash.ch), len(bot.ch))
	}

	// overflow drops instead of blocking
	for i := 0; i < clientBuf+10; i++ {
		h.Broadcast("bot", Event{Name: "reply", Data: i})
	}
	if len(bot.ch) != clientBuf {
		t.Errorf("bot queue = %d, want capped at %d", len(bot.ch), clientBuf)
	}
}

func TestStreamWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	wr, ok := newStreamWriter(rec)
	if !ok {
		t.Fatal("recorder should support flushing")
	}
	if err := wr.write("ready", map[string]int{"lastRowId": 7}); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: ready\ndata: ") || !strings.HasSuffix(body, "\n\n") {
		t.Errorf("frame = %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache control = %q", cc)
	}
}
