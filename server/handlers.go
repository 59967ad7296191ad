// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/msgview"
	"github.com/NVIDIA/meshrank/ndj"
)

const (
	dfltMessagesLimit = 50
	maxMessagesLimit  = 200
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rankSummary := s.engines.Repeater.Summary()
	cur, peak := s.hub.Visitors()
	writeOK(w, map[string]any{
		"ok":            true,
		"uptimeSec":     int64(time.Since(s.bootAt).Seconds()),
		"messagesBuilt": s.msgs.Built(),
		"rank":          rankSummary,
		"ingest":        s.db.ReadIngestMetrics(),
		"sse":           map[string]int64{"current": cur, "peak": peak},
	})
}

// handleDashboard is the composite first-paint payload.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var user any
	if u, ok := s.sessionUser(r); ok {
		user = map[string]any{
			"email":    u.Email,
			"name":     u.Name,
			"isAdmin":  u.IsAdmin,
			"channels": s.db.UserChannels(u.ID),
		}
	}
	var (
		snap            = s.msgs.Snapshot()
		mesh            = s.engines.Mesh.Snapshot()
		_, m5, p5, o5   = s.db.LatestStatsBucket()
		current, peak   = s.hub.Visitors()
	)
	msgs := snap.Messages
	if ch := cos.NormChannel(r.URL.Query().Get("channel")); ch != "#" && ch != "" {
		msgs = filterChannel(msgs, ch, intQuery(r, "limit", 0), r.URL.Query().Get("before"))
	}
	writeOK(w, map[string]any{
		"ok":        true,
		"user":      user,
		"channels":  snap.Channels,
		"messages":  msgs,
		"stats":     map[string]any{"messages5m": m5, "packets5m": p5, "observers": o5, "visitors": current, "visitorsPeak": peak},
		"meshscore": map[string]any{"today": mesh.Today, "yesterday": mesh.Yesterday, "delta": mesh.Delta},
		"rotm":      s.rotmDigest(),
	})
	s.ensureBuilt()
}

func filterChannel(msgs []api.Message, channel string, limit int, before string) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		if cos.NormChannel(m.ChannelName) != channel {
			continue
		}
		if before != "" && m.Ts >= before {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// handleMessages serves channel history straight from the store: deeper than
// the realtime cache, still ascending by ts.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var (
		channel = r.URL.Query().Get("channel")
		limit   = cos.ClampInt(intQuery(r, "limit", dfltMessagesLimit), 1, maxMessagesLimit)
		before  = r.URL.Query().Get("before")
	)
	if channel != "" {
		channel = cos.NormChannel(channel)
	}
	rows, err := s.db.ReadMessages(channel, limit, before)
	if err != nil {
		// cold or broken store: well-typed empty, background build
		writeOK(w, map[string]any{"ok": true, "messages": []api.Message{}})
		s.ensureBuilt()
		return
	}
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, row.MessageHash)
	}
	aggs, _ := s.db.ReadMessageObserverAgg(hashes)
	paths, _ := s.db.ReadMessageObserverPaths(hashes)
	devs := s.db.ReadDevices()

	msgs := make([]api.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, msgview.Assemble(row, aggs[row.MessageHash], paths[row.MessageHash], s.hits, devs))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Ts < msgs[j].Ts })
	writeOK(w, map[string]any{"ok": true, "messages": msgs})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	snap := s.msgs.Snapshot()
	writeOK(w, map[string]any{"ok": true, "channels": snap.Channels, "updatedAt": snap.UpdatedAt})
	s.ensureBuilt()
}

func (s *Server) handleChannelDirectory(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.db.CatalogChannels()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "catalog unavailable")
		return
	}
	counts, _ := s.db.ChannelCounts24h(cos.FormatTs(time.Now().Add(-24 * time.Hour)))
	type entry struct {
		Name         string `json:"name"`
		Emoji        string `json:"emoji,omitempty"`
		Group        string `json:"group,omitempty"`
		AllowPopular bool   `json:"allowPopular"`
		Blocked      bool   `json:"blocked,omitempty"`
		Count24h     int    `json:"count24h"`
	}
	groups := make(map[string][]entry, 8)
	for _, c := range catalog {
		groups[c.Group] = append(groups[c.Group], entry{
			Name:         c.Name,
			Emoji:        c.Emoji,
			Group:        c.Group,
			AllowPopular: c.AllowPopular,
			Blocked:      c.Blocked,
			Count24h:     counts[c.Name],
		})
	}
	writeOK(w, map[string]any{"ok": true, "groups": groups})
}

//
// rank endpoints
//

func (s *Server) handleRepeaterRank(w http.ResponseWriter, r *http.Request) {
	p := s.engines.Repeater.Snapshot()
	if boolQuery(r, "refresh") {
		p = s.engines.RefreshRank(true)
	}
	var (
		skip  = intQuery(r, "_skip", 0)
		limit = intQuery(r, "_limit", 0)
		items = p.Items
	)
	if skip > 0 {
		if skip >= len(items) {
			items = []api.RankItem{}
		} else {
			items = items[skip:]
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeOK(w, map[string]any{
		"ok":        true,
		"updatedAt": p.UpdatedAt,
		"count":     p.Count,
		"items":     items,
	})
}

func (s *Server) handleRepeaterRankSummary(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.engines.Repeater.Summary())
}

func (s *Server) handleRepeaterRankExcluded(w http.ResponseWriter, r *http.Request) {
	p := s.engines.Repeater.Snapshot()
	writeOK(w, map[string]any{"ok": true, "updatedAt": p.UpdatedAt, "excluded": p.Excluded})
}

func (s *Server) handleRepeaterRankHistory(w http.ResponseWriter, r *http.Request) {
	limit := cos.ClampInt(intQuery(r, "limit", 100), 1, 1000)
	history, err := s.db.ReadRankHistory(limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if history == nil {
		history = []api.RankSummary{}
	}
	writeOK(w, map[string]any{"ok": true, "history": history})
}

func (s *Server) handleObserverRank(w http.ResponseWriter, r *http.Request) {
	var p *api.ObserverRankPayload
	switch {
	case boolQuery(r, "refresh") && boolQuery(r, "wait"):
		p = s.engines.RefreshObserverRank(true)
	case boolQuery(r, "refresh"):
		go s.engines.RefreshObserverRank(true)
		p = s.engines.Observer.Snapshot()
	default:
		p = s.engines.Observer.Snapshot()
	}
	items := p.Items
	if limit := intQuery(r, "_limit", 0); limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeOK(w, map[string]any{"ok": true, "updatedAt": p.UpdatedAt, "count": p.Count, "items": items})
}

// handleNodeRank lists companion nodes by recency.
func (s *Server) handleNodeRank(w http.ResponseWriter, r *http.Request) {
	devs := s.db.ReadDevices()
	type node struct {
		Pub      string `json:"pub"`
		Name     string `json:"name"`
		LastSeen string `json:"lastSeen,omitempty"`
		Gps      *api.Gps `json:"gps,omitempty"`
	}
	var nodes []node
	for _, d := range devs.ByPub {
		if d.IsCompanion() && !d.HiddenOnMap {
			nodes = append(nodes, node{Pub: d.Pub, Name: d.Name, LastSeen: d.LastSeen, Gps: d.Gps})
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].LastSeen > nodes[j].LastSeen })
	if nodes == nil {
		nodes = []node{}
	}
	writeOK(w, map[string]any{"ok": true, "count": len(nodes), "items": nodes})
}

func (s *Server) handleMeshScore(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.engines.Mesh.Snapshot())
}

// handleMeshLive is the live heat payload for the map UI.
func (s *Server) handleMeshLive(w http.ResponseWriter, r *http.Request) {
	var (
		p             = s.engines.Repeater.Snapshot()
		snap          = s.msgs.Snapshot()
		current, peak = s.hub.Visitors()
		live          []api.RankItem
	)
	for i := range p.Items {
		if p.Items[i].IsLive && p.Items[i].Gps != nil {
			live = append(live, p.Items[i])
		}
	}
	if live == nil {
		live = []api.RankItem{}
	}
	recent := snap.Messages
	if len(recent) > 50 {
		recent = recent[len(recent)-50:]
	}
	writeOK(w, map[string]any{
		"ok":        true,
		"repeaters": live,
		"messages":  recent,
		"visitors":  map[string]int64{"current": current, "peak": peak},
	})
}

func (s *Server) handleRfLatest(w http.ResponseWriter, r *http.Request) {
	limit := cos.ClampInt(intQuery(r, "limit", 50), 1, 500)
	lines, err := ndj.TailLastLines(cmn.Rom.DataFile("rf.ndjson"), limit)
	if err != nil && !os.IsNotExist(err) {
		writeErr(w, http.StatusInternalServerError, "rf tail unavailable")
		return
	}
	type frame struct {
		Ts         string  `json:"ts"`
		FrameHash  string  `json:"frameHash,omitempty"`
		Rssi       float64 `json:"rssi,omitempty"`
		Snr        float64 `json:"snr,omitempty"`
		ObserverID string  `json:"observerId,omitempty"`
		Type       string  `json:"type,omitempty"`
		PathLen    int     `json:"pathLen"`
	}
	frames := make([]frame, 0, len(lines))
	for _, line := range lines {
		rec, ok := ndj.ParseRecord(line)
		if !ok {
			continue
		}
		frames = append(frames, frame{
			Ts:         rec.Ts,
			FrameHash:  strings.ToUpper(rec.FrameHash),
			Rssi:       rec.Rssi,
			Snr:        rec.Snr,
			ObserverID: rec.Observer(),
			Type:       rec.Type,
			PathLen:    len(rec.Path),
		})
	}
	writeOK(w, map[string]any{"ok": true, "frames": frames})
}

// handleBotStream gates the bot reply stream on the static token or an admin
// session.
func (s *Server) handleBotStream(w http.ResponseWriter, r *http.Request) {
	authed := false
	if tok := cmn.Rom.BotToken(); tok != "" {
		given := r.URL.Query().Get("token")
		if given == "" {
			given = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		authed = given == tok
	}
	if !authed {
		if u, ok := s.sessionUser(r); ok && u.IsAdmin {
			authed = true
		}
	}
	if !authed {
		writeErr(w, http.StatusUnauthorized, "bot token or admin session required")
		return
	}
	s.hub.ServeBotStream(w, r)
}

//
// geoscore telemetry
//

func (s *Server) handleGeoStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.geo.Status())
}

func (s *Server) handleGeoDiagnostics(w http.ResponseWriter, r *http.Request) {
	st := s.geo.Status()
	st["ok"] = true
	st["batch"] = cmn.Rom.GeoscoreBatch()
	st["maxCandidates"] = cmn.Rom.GeoscoreMaxCand()
	writeOK(w, st)
}

func (s *Server) handleGeoObservers(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"ok": true, "homes": s.db.ReadObserverHomes()})
}

func (s *Server) handleGeoRebuildHomes(w http.ResponseWriter, r *http.Request) {
	s.geo.RebuildHomes()
	writeOK(w, map[string]any{"ok": true})
}

// ensureBuilt schedules a background build when the cache is still cold; the
// request itself never waits.
func (s *Server) ensureBuilt() {
	if !s.msgs.Built() {
		go s.msgs.Build()
	}
}
