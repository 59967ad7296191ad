// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/hk"
	"github.com/NVIDIA/meshrank/msgview"
	"github.com/NVIDIA/meshrank/sse"
	"github.com/pkg/errors"
)

const packetPollBatch = 200

var msgs5m ratomic.Int64 // messages fanned out since the last 5m bucket flush

func (s *Server) providers() sse.Providers {
	return sse.Providers{
		Counters:   s.countersTick,
		Ranks:      s.ranksTick,
		Health:     s.healthTick,
		ReadyRowID: s.db.MaxMessageObserversRowID,
		PacketPoll: s.packetPoll,
	}
}

func (s *Server) countersTick() (any, error) {
	snap := s.msgs.Snapshot()
	if snap == nil {
		return nil, errors.New("channel cache unavailable")
	}
	_, m5, p5, o5 := s.db.LatestStatsBucket()
	current, peak := s.hub.Visitors()
	return map[string]any{
		"channels": snap.Channels,
		"rotm":     s.rotmDigest(),
		"stats":    map[string]any{"messages5m": m5, "packets5m": p5, "observers": o5},
		"visitors": map[string]int64{"current": current, "peak": peak},
	}, nil
}

func (s *Server) ranksTick() any {
	var (
		mesh = s.engines.Mesh.Snapshot()
		obs  = s.engines.Observer.Snapshot()
	)
	return map[string]any{
		"repeater":  s.engines.Repeater.Summary(),
		"observer":  map[string]any{"count": obs.Count, "updatedAt": obs.UpdatedAt},
		"node":      s.companionCount(),
		"meshscore": map[string]any{"today": mesh.Today, "delta": mesh.Delta},
	}
}

func (s *Server) healthTick() any {
	return map[string]any{
		"uptimeSec": int64(time.Since(s.bootAt).Seconds()),
		"clients":   s.hub.ClientCount(),
		"built":     s.msgs.Built(),
	}
}

func (s *Server) companionCount() int {
	n := 0
	for _, d := range s.db.ReadDevices().ByPub {
		if d.IsCompanion() {
			n++
		}
	}
	return n
}

// packetPoll aggregates new message_observers rows into one delta per
// messageHash.
func (s *Server) packetPoll(lastRowID int64) (any, int64) {
	updates, last, err := s.db.ReadMessageObserverUpdatesSince(lastRowID, packetPollBatch)
	if err != nil || len(updates) == 0 {
		return nil, lastRowID
	}
	var (
		byHash = make(map[string]*api.PacketUpdate, len(updates))
		order  []string
	)
	for _, u := range updates {
		pu := byHash[u.MessageHash]
		if pu == nil {
			pu = &api.PacketUpdate{MessageHash: u.MessageHash}
			byHash[u.MessageHash] = pu
			order = append(order, u.MessageHash)
		}
		pu.ObserverHits = appendUniq(pu.ObserverHits, u.ObserverID)
		if u.PathLength > pu.PathLength {
			pu.PathLength = u.PathLength
		}
	}
	ev := api.PacketEvent{LastRowID: last, Updates: make([]api.PacketUpdate, 0, len(order))}
	for _, hash := range order {
		pu := byHash[hash]
		// the live index may know observers this batch does not
		for _, obs := range s.hits.HitsFor(hash) {
			pu.ObserverHits = appendUniq(pu.ObserverHits, obs)
		}
		pu.Repeats = pu.PathLength
		if n := len(pu.ObserverHits); n > pu.Repeats {
			pu.Repeats = n
		}
		ev.Updates = append(ev.Updates, *pu)
	}
	return ev, last
}

func appendUniq(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

//
// broadcast hooks
//

func (s *Server) broadcastMessage(msg api.Message) {
	msgs5m.Add(1)
	metricMessagesFanned.Inc()
	metricSSEClients.Set(float64(s.hub.ClientCount()))
	s.hub.Broadcast("dashboard", sse.Event{Name: "message", Data: msg})
}

func (s *Server) emitBotReply(reply msgview.BotReply) {
	s.hub.Broadcast("bot", sse.Event{Name: "reply", Data: reply})
}

// RegisterStatsTask flushes the 5-minute stats bucket.
func (s *Server) RegisterStatsTask() {
	hk.Reg("server.stats5m", func() time.Duration {
		var (
			bucket = time.Now().UTC().Truncate(5 * time.Minute)
			m      = int(msgs5m.Swap(0))
		)
		observers := len(s.db.ReadObservers().ByID)
		if err := s.db.BumpStatsBucket(cos.FormatTs(bucket), m, len(s.hits.Snapshot()), observers); err == nil {
			return 5 * time.Minute
		}
		return 5 * time.Minute
	}, 5*time.Minute)
}

//
// ROTM: single repeater per CQ on the configured channel
//

const dfltRotmChannel = "#rotm"

// rotmDigest resolves the current "repeater of the moment" from the recent
// messages on the ROTM channel: the GPS-valid repeater token appearing most
// often across their paths, ties to the token nearest the end of the newest
// path (the hop the observers actually heard).
func (s *Server) rotmDigest() any {
	channel := dfltRotmChannel
	if v, ok := s.db.GetSetting("rotm_channel"); ok && v != "" {
		channel = cos.NormChannel(v)
	}
	var (
		snap   = s.msgs.Snapshot()
		devs   = s.db.ReadDevices()
		counts = make(map[string]int, 8)
		latest api.Message
		found  bool
	)
	for i := range snap.Messages {
		m := &snap.Messages[i]
		if cos.NormChannel(m.ChannelName) != channel {
			continue
		}
		latest, found = *m, true
		for _, tok := range m.Path {
			counts[tok]++
		}
	}
	if !found {
		return map[string]any{"channel": channel}
	}
	var (
		bestTok  string
		bestCnt  = -1
		tieOrder = map[string]int{}
	)
	for i, tok := range latest.Path {
		tieOrder[tok] = i
	}
	for tok, cnt := range counts {
		d := pickRepeater(devs.ByHash[tok])
		if d == nil {
			continue
		}
		if cnt > bestCnt || (cnt == bestCnt && tieOrder[tok] > tieOrder[bestTok]) {
			bestTok, bestCnt = tok, cnt
		}
	}
	out := map[string]any{"channel": channel, "lastTs": latest.Ts, "cq": latest.MessageHash}
	if bestTok != "" {
		d := pickRepeater(devs.ByHash[bestTok])
		out["repeaterPub"] = d.Pub
		out["name"] = d.Name
		out["hash"] = bestTok
		out["count"] = bestCnt
	}
	return out
}

func pickRepeater(cands []*api.Device) *api.Device {
	for _, d := range cands {
		if d.IsRepeater && d.HasValidGps() {
			return d
		}
	}
	return nil
}
