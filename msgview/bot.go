// Package msgview joins message rows, observer aggregates, and the
// observer-hits index into the presentation records the dashboard serves, and
// maintains the channel message cache behind them.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package msgview

import (
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/tidwall/buntdb"
)

const (
	botChannel     = "#test"
	botDedupTTL    = 5 * time.Minute
	botWarmup      = 10 * time.Second
	botQuietPeriod = 5 * time.Second
)

type (
	BotReply struct {
		MessageHash string `json:"messageHash"`
		ChannelName string `json:"channelName"`
		Sender      string `json:"sender"`
		Body        string `json:"body"`
		ShareURL    string `json:"shareUrl,omitempty"`
		Ts          string `json:"ts"`
	}

	// Bot watches the test channel and schedules debounced reply events:
	// 10 s warm-up from the first pending trigger, extended while messages
	// keep arriving within the quiet period.
	Bot struct {
		emit        func(BotReply)
		ensureShare func(messageHash string) string // returns share URL

		dedup *buntdb.DB // messageHash -> seen, with TTL

		mu       sync.Mutex
		pending  []api.Message
		deadline time.Time
		timer    *time.Timer
	}
)

func NewBot(emit func(BotReply), ensureShare func(string) string) *Bot {
	dedup, err := buntdb.Open(":memory:")
	if err != nil {
		nlog.Errorf("bot: dedup store: %v", err)
		return nil
	}
	return &Bot{emit: emit, ensureShare: ensureShare, dedup: dedup}
}

func (b *Bot) Consider(msg api.Message) {
	if b == nil || cos.NormChannel(msg.ChannelName) != botChannel {
		return
	}
	if !strings.Contains(strings.ToLower(msg.Body), "test") {
		return
	}
	if !b.markFresh(msg.MessageHash) {
		return // replied to within the last 5 minutes
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if len(b.pending) == 0 {
		b.deadline = now.Add(botWarmup)
	} else if d := now.Add(botQuietPeriod); d.After(b.deadline) {
		b.deadline = d
	}
	b.pending = append(b.pending, msg)
	b.rearm(now)
}

func (b *Bot) markFresh(messageHash string) (fresh bool) {
	key := "bot:" + strings.ToUpper(messageHash)
	b.dedup.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return nil
		}
		fresh = true
		tx.Set(key, "1", &buntdb.SetOptions{Expires: true, TTL: botDedupTTL})
		return nil
	})
	return
}

// caller holds mu
func (b *Bot) rearm(now time.Time) {
	d := b.deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(d, b.fire)
	} else {
		b.timer.Reset(d)
	}
}

func (b *Bot) fire() {
	b.mu.Lock()
	if now := time.Now(); now.Before(b.deadline) { // a late trigger pushed the deadline
		b.rearm(now)
		b.mu.Unlock()
		return
	}
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, msg := range pending {
		var url string
		if b.ensureShare != nil {
			url = b.ensureShare(msg.MessageHash)
		}
		b.emit(BotReply{
			MessageHash: msg.MessageHash,
			ChannelName: msg.ChannelName,
			Sender:      msg.Sender,
			Body:        "test ok: heard " + msg.Sender + " on " + msg.ChannelName,
			ShareURL:    url,
			Ts:          cos.FormatTs(time.Now()),
		})
	}
}

func (b *Bot) Close() {
	if b != nil && b.dedup != nil {
		b.dedup.Close()
	}
}
