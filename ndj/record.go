// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"strings"
	"time"

	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
)

type (
	AdvertInfo struct {
		Pub       string  `json:"pub"`
		Name      string  `json:"name"`
		Timestamp int64   `json:"timestamp"` // seconds or ms; normalized via cos.NormEpochMs
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
	}

	// Record is the superset of fields any of observer.ndjson, rf.ndjson and
	// decoded.ndjson may carry per line. Unknown fields are ignored;
	// malformed lines are skipped by the callers.
	Record struct {
		Ts          string      `json:"ts"`
		ArchivedAt  string      `json:"archivedAt"`
		PayloadHex  string      `json:"payloadHex"`
		Hex         string      `json:"hex"`
		FrameHash   string      `json:"frameHash"`
		Hash        string      `json:"hash"`
		MessageHash string      `json:"messageHash"`
		Rssi        float64     `json:"rssi"`
		Snr         float64     `json:"snr"`
		ObserverID  string      `json:"observerId"`
		Topic       string      `json:"topic"`
		Path        []string    `json:"path"`
		Type        string      `json:"type"`
		PayloadType string      `json:"payloadType"`
		Advert      *AdvertInfo `json:"advert"`
		ChannelName string      `json:"channelName"`
		ChannelHash string      `json:"channelHash"`
		Sender      string      `json:"sender"`
		Body        string      `json:"body"`
		Repeats     int         `json:"repeats"`
	}
)

func ParseRecord(line []byte) (*Record, bool) {
	var r Record
	if !cos.TryUnmarshal(line, &r) {
		return nil, false
	}
	return &r, true
}

// When prefers ts over archivedAt.
func (r *Record) When() (time.Time, bool) {
	if r.Ts != "" {
		if t, ok := cos.ParseTs(r.Ts); ok {
			return t, true
		}
	}
	if r.ArchivedAt != "" {
		return cos.ParseTs(r.ArchivedAt)
	}
	return time.Time{}, false
}

// Observer is the explicit observerId, else parsed from an
// "observers/<id>/..." topic.
func (r *Record) Observer() string {
	if r.ObserverID != "" {
		return r.ObserverID
	}
	if rest, ok := strings.CutPrefix(r.Topic, "observers/"); ok {
		if i := strings.IndexByte(rest, '/'); i > 0 {
			return rest[:i]
		}
		return rest
	}
	return ""
}

func (r *Record) Payload() string {
	if r.PayloadHex != "" {
		return r.PayloadHex
	}
	return r.Hex
}

func (r *Record) payloadType() string {
	if r.PayloadType != "" {
		return r.PayloadType
	}
	return r.Type
}

func (r *Record) IsAdvert() bool {
	return strings.EqualFold(r.payloadType(), "Advert") || r.Advert != nil
}

func (r *Record) IsGroupText() bool {
	return strings.EqualFold(r.payloadType(), "GroupText")
}

// PathTokens returns the normalized hop tokens.
func (r *Record) PathTokens() []string {
	if len(r.Path) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Path))
	for _, tok := range r.Path {
		out = append(out, geo.NormalizePathHash(tok))
	}
	return out
}
