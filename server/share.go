// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	"github.com/NVIDIA/meshrank/api"
	"github.com/NVIDIA/meshrank/cmn"
	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/meshdb"
	"github.com/NVIDIA/meshrank/msgview"
	"github.com/tidwall/buntdb"
)

const (
	shareTTL            = 24 * time.Hour
	shareCodeRetries    = 20
	shareSweepLimit     = 1000
	shareRateLimit      = 30 // per IP per minute window
	shareMissThreshold  = 12
	shareLimitWindowTTL = time.Minute
)

// handleShareCreate is POST /api/routes/:id/share.
func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	row, err := s.db.FindMessage(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "unknown message")
		return
	}
	now := time.Now()
	if existing, ok := s.db.FindShareByMessage(row.MessageHash, now); ok {
		writeOK(w, shareResponse(existing))
		return
	}
	share, err := s.allocateShare(row.MessageHash, now)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "could not allocate code")
		return
	}
	writeOK(w, shareResponse(share))
}

func shareResponse(row *meshdb.ShareRow) api.ShareResponse {
	return api.ShareResponse{
		OK:        true,
		Code:      row.Code,
		URL:       cmn.Rom.BaseURL() + "/s/" + row.Code,
		ExpiresAt: row.ExpiresAt,
	}
}

func (s *Server) allocateShare(messageHash string, now time.Time) (*meshdb.ShareRow, error) {
	var lastErr error
	for i := 0; i < shareCodeRetries; i++ {
		row := &meshdb.ShareRow{
			Code:      genShareCode(),
			MessageID: messageHash,
			CreatedAt: cos.FormatTs(now),
			ExpiresAt: cos.FormatTs(now.Add(shareTTL)),
		}
		if lastErr = s.db.InsertShare(row); lastErr == nil {
			return row, nil
		}
	}
	return nil, lastErr
}

// genShareCode returns a 5-digit zero-padded code.
func genShareCode() string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("%05d", binary.BigEndian.Uint32(b[:])%100000)
}

// ensureShareURL backs the bot trigger: best-effort, empty URL on failure.
func (s *Server) ensureShareURL(messageHash string) string {
	now := time.Now()
	if existing, ok := s.db.FindShareByMessage(messageHash, now); ok {
		return cmn.Rom.BaseURL() + "/s/" + existing.Code
	}
	share, err := s.allocateShare(messageHash, now)
	if err != nil {
		return ""
	}
	return cmn.Rom.BaseURL() + "/s/" + share.Code
}

// handleShareResolve is GET /api/share/:code.
func (s *Server) handleShareResolve(w http.ResponseWriter, r *http.Request) {
	var (
		code = param(r, "code")
		ip   = clientIP(r)
		now  = time.Now()
	)
	if !s.shareAllowed(ip) {
		writeErr(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	defer s.db.SweepExpiredShares(now, shareSweepLimit)

	row, ok := s.db.FindShareByCode(code)
	if !ok {
		s.shareMiss(ip)
		metricShareHits.WithLabelValues("miss").Inc()
		writeErr(w, http.StatusNotFound, "unknown code")
		return
	}
	if row.Expired(now) {
		s.db.DeleteShare(code)
		metricShareHits.WithLabelValues("expired").Inc()
		writeErr(w, http.StatusGone, "code expired")
		return
	}
	metricShareHits.WithLabelValues("hit").Inc()
	msgRow, err := s.db.FindMessage(row.MessageID)
	if err != nil {
		writeErr(w, http.StatusNotFound, "message no longer available")
		return
	}
	aggs, _ := s.db.ReadMessageObserverAgg([]string{msgRow.MessageHash})
	paths, _ := s.db.ReadMessageObserverPaths([]string{msgRow.MessageHash})
	devs := s.db.ReadDevices()
	msg := msgview.Assemble(msgRow, aggs[msgRow.MessageHash], paths[msgRow.MessageHash], s.hits, devs)
	writeOK(w, api.ShareResolved{
		OK:        true,
		Message:   &msg,
		Route:     msg.PathPoints,
		Observers: msg.ObserverHits,
	})
}

//
// per-IP limits: TTL-keyed counters
//

func (s *Server) shareAllowed(ip string) bool {
	allowed := true
	s.limits.Update(func(tx *buntdb.Tx) error {
		var (
			rlKey   = "rl:" + ip
			missKey = "miss:" + ip
		)
		if n := counterGet(tx, missKey); n >= shareMissThreshold {
			allowed = false
			return nil
		}
		n := counterGet(tx, rlKey) + 1
		if n > shareRateLimit {
			allowed = false
			return nil
		}
		tx.Set(rlKey, fmt.Sprintf("%d", n), &buntdb.SetOptions{Expires: true, TTL: shareLimitWindowTTL})
		return nil
	})
	return allowed
}

func (s *Server) shareMiss(ip string) {
	s.limits.Update(func(tx *buntdb.Tx) error {
		key := "miss:" + ip
		tx.Set(key, fmt.Sprintf("%d", counterGet(tx, key)+1), &buntdb.SetOptions{Expires: true, TTL: shareLimitWindowTTL})
		return nil
	})
}

func counterGet(tx *buntdb.Tx, key string) int {
	v, err := tx.Get(key)
	if err != nil {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}
