// Package msgview joins message rows, observer aggregates, and the
// observer-hits index into the presentation records the dashboard serves, and
// maintains the channel message cache behind them.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package msgview

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	"github.com/NVIDIA/meshrank/hk"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/ndj"
)

const (
	perChannelLimit     = 10
	hashtagsLimit       = 30 // #hashtags keeps a longer tail
	hashtagsChannel     = "#hashtags"
	rfFallbackLines     = 6000
	dbPollBatch         = 100
	snippetMax          = 48
)

type (
	state struct {
		Channels  []api.ChannelSummary
		Messages  []api.Message
		UpdatedAt time.Time
		BuiltFrom string // "db" | "ndjson" | ""
	}

	// Cache is the channel message cache: one-shot build plus realtime
	// append from the DB poller and the rf.ndjson watcher.
	Cache struct {
		db   *meshdb.DB
		hits *ndj.HitsIndex

		snap atomic.Pointer[state]

		mu        sync.Mutex // guards the mutable build below
		byChan    map[string][]api.Message
		byKey     map[string]struct{}
		lastRowID int64
		built     atomic.Bool

		onNew   func(api.Message) // sse broadcast hook
		bot     *Bot
		watcher *ndj.Watcher
	}
)

func NewCache(db *meshdb.DB, hits *ndj.HitsIndex, onNew func(api.Message), bot *Bot) *Cache {
	c := &Cache{
		db:     db,
		hits:   hits,
		byChan: make(map[string][]api.Message),
		byKey:  make(map[string]struct{}),
		onNew:  onNew,
		bot:    bot,
	}
	empty := &state{Channels: []api.ChannelSummary{}, Messages: []api.Message{}}
	c.snap.Store(empty)
	return c
}

func (c *Cache) Built() bool { return c.built.Load() }

// Snapshot never blocks and never returns nil: pre-build callers get the
// empty typed state.
func (c *Cache) Snapshot() *api.ChannelState {
	s := c.snap.Load()
	return &api.ChannelState{
		Channels:  s.Channels,
		Messages:  s.Messages,
		UpdatedAt: cos.FormatTs(s.UpdatedAt),
	}
}

// Build runs once: DB mode when the messages table has rows, otherwise the
// rf.ndjson fallback. Returns false when there was nothing to build from yet.
func (c *Cache) Build() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built.Load() {
		return true
	}
	var from string
	if c.db.HasMessages() {
		c.buildFromDB()
		from = "db"
	} else if c.buildFromNdjson() {
		from = "ndjson"
	} else {
		return false
	}
	c.lastRowID = c.db.MaxMessagesRowID()
	c.publish(from)
	c.built.Store(true)
	nlog.Infof("msgview: cache built from %s: %d channels", from, len(c.byChan))
	return true
}

// Start registers the realtime feeds; call after the first successful Build.
func (c *Cache) Start() {
	hk.Reg("msgview.dbpoll", c.pollTick, cmn.MsgPollIval)
	w, err := ndj.NewWatcher(cmn.Rom.DataFile("rf.ndjson"), true /*fromEnd*/, c.onRfLine)
	if err == nil {
		c.watcher = w
	}
}

func (c *Cache) Stop() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func channelLimit(name string) int {
	if cos.NormChannel(name) == hashtagsChannel {
		return hashtagsLimit
	}
	return perChannelLimit
}

func (c *Cache) buildFromDB() {
	channels, err := c.db.ListChannels()
	if err != nil {
		nlog.Errorf("msgview: list channels: %v", err)
		return
	}
	devs := c.db.ReadDevices()
	for _, ch := range channels {
		rows, err := c.db.ReadMessages(ch, channelLimit(ch), "")
		if err != nil {
			nlog.Errorf("msgview: read %s: %v", ch, err)
			continue
		}
		hashes := make([]string, 0, len(rows))
		for _, row := range rows {
			hashes = append(hashes, row.MessageHash)
		}
		aggs, err := c.db.ReadMessageObserverAgg(hashes)
		if err != nil {
			nlog.Warningf("msgview: observer agg: %v", err)
		}
		paths, _ := c.db.ReadMessageObserverPaths(hashes)
		for _, row := range rows {
			msg := Assemble(row, aggs[row.MessageHash], paths[row.MessageHash], c.hits, devs)
			c.insert(msg)
		}
	}
}

func (c *Cache) buildFromNdjson() bool {
	lines, err := ndj.TailLastLines(cmn.Rom.DataFile("rf.ndjson"), rfFallbackLines)
	if err != nil || len(lines) == 0 {
		return false
	}
	var (
		keys = ndj.ChannelKeys()
		dec  = ndj.GetDecoder()
		n    int
	)
	for _, line := range lines {
		rec, ok := ndj.ParseRecord(line)
		if !ok {
			continue
		}
		gt, ok := dec.DecodeGroupText(rec, keys)
		if !ok {
			continue
		}
		c.insert(groupTextMessage(gt))
		n++
	}
	return n > 0
}

func groupTextMessage(gt *ndj.GroupText) api.Message {
	repeats := gt.Repeats
	if len(gt.Path) > repeats {
		repeats = len(gt.Path)
	}
	return api.Message{
		ID:           gt.MessageHash,
		FrameHash:    gt.FrameHash,
		MessageHash:  gt.MessageHash,
		ChannelName:  cos.NormChannel(gt.ChannelName),
		Sender:       gt.Sender,
		Body:         gt.Body,
		Ts:           gt.Ts,
		Repeats:      repeats,
		Path:         gt.Path,
		PathNames:    []string{},
		PathPoints:   []api.PathPoint{},
		PathLength:   len(gt.Path),
		ObserverHits: []string{},
	}
}

// insert dedups on (channel|messageHash), keeps per-channel ascending ts
// order, and prunes to the channel limit. Caller holds mu.
func (c *Cache) insert(msg api.Message) bool {
	key := msg.Key()
	if _, dup := c.byKey[key]; dup {
		return false
	}
	c.byKey[key] = struct{}{}
	ch := cos.NormChannel(msg.ChannelName)
	msgs := append(c.byChan[ch], msg)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Ts < msgs[j].Ts })
	if lim := channelLimit(ch); len(msgs) > lim {
		for _, old := range msgs[:len(msgs)-lim] {
			delete(c.byKey, old.Key())
		}
		msgs = msgs[len(msgs)-lim:]
	}
	c.byChan[ch] = msgs
	return true
}

// publish swaps in a fresh immutable snapshot. Caller holds mu.
func (c *Cache) publish(from string) {
	var (
		next    = &state{UpdatedAt: time.Now(), BuiltFrom: from}
		latest  = make([]api.Message, 0, len(c.byChan))
	)
	for _, msgs := range c.byChan {
		next.Messages = append(next.Messages, msgs...)
		latest = append(latest, msgs[len(msgs)-1])
	}
	sort.SliceStable(next.Messages, func(i, j int) bool { return next.Messages[i].Ts < next.Messages[j].Ts })
	// channels: latest-per-channel, newest first
	sort.SliceStable(latest, func(i, j int) bool { return latest[i].Ts > latest[j].Ts })
	next.Channels = make([]api.ChannelSummary, 0, len(latest))
	for _, m := range latest {
		ts := ""
		if t, ok := cos.ParseTs(m.Ts); ok {
			ts = cos.FormatHHMM(t)
		}
		next.Channels = append(next.Channels, api.ChannelSummary{
			ID:      cos.NormChannel(m.ChannelName),
			Name:    m.ChannelName,
			Snippet: cos.Left(m.Body, snippetMax),
			Time:    ts,
		})
	}
	if next.Messages == nil {
		next.Messages = []api.Message{}
	}
	c.snap.Store(next)
}

// pollTick picks up rows the ingest inserted since the last seen rowid.
func (c *Cache) pollTick() time.Duration {
	if !c.built.Load() {
		return cmn.MsgPollIval
	}
	rows, err := c.db.ReadMessagesSince(c.lastRowID, dbPollBatch)
	if err != nil {
		nlog.Warningf("msgview: poll: %v", err)
		return cmn.MsgPollIval
	}
	if len(rows) == 0 {
		return cmn.MsgPollIval
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, row.MessageHash)
	}
	aggs, _ := c.db.ReadMessageObserverAgg(hashes)
	paths, _ := c.db.ReadMessageObserverPaths(hashes)
	devs := c.db.ReadDevices()

	c.mu.Lock()
	var fresh []api.Message
	for _, row := range rows {
		if row.RowID > c.lastRowID {
			c.lastRowID = row.RowID
		}
		msg := Assemble(row, aggs[row.MessageHash], paths[row.MessageHash], c.hits, devs)
		if c.insert(msg) {
			fresh = append(fresh, msg)
		}
	}
	if len(fresh) > 0 {
		c.publish(c.snap.Load().BuiltFrom)
	}
	c.mu.Unlock()

	for _, msg := range fresh {
		c.fanout(msg)
	}
	return cmn.MsgPollIval
}

// onRfLine handles a line appended to rf.ndjson.
func (c *Cache) onRfLine(line []byte) {
	if !c.built.Load() {
		return
	}
	rec, ok := ndj.ParseRecord(line)
	if !ok {
		return
	}
	gt, ok := ndj.GetDecoder().DecodeGroupText(rec, ndj.ChannelKeys())
	if !ok {
		return
	}
	msg := groupTextMessage(gt)

	c.mu.Lock()
	inserted := c.insert(msg)
	if inserted {
		c.publish(c.snap.Load().BuiltFrom)
	}
	c.mu.Unlock()

	if inserted {
		c.fanout(msg)
	}
}

func (c *Cache) fanout(msg api.Message) {
	if c.onNew != nil {
		c.onNew(msg)
	}
	if c.bot != nil {
		c.bot.Consider(msg)
	}
}
