// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"strings"
	"sync/atomic"

	"github.com/NVIDIA/meshrank/cmn/cos"
)

type (
	// GroupText is a decoded channel message.
	GroupText struct {
		MessageHash string
		FrameHash   string
		ChannelName string
		Sender      string
		Body        string
		Ts          string
		Path        []string
		Repeats     int
	}

	// Decoder is the external mesh-decoder collaborator. The default
	// implementation only recovers messages whose decoded fields the ingest
	// already wrote to the line; a linked-in protocol decoder can replace it
	// to decrypt raw payloads with the channel secrets.
	Decoder interface {
		DecodeGroupText(rec *Record, keys []ChannelKey) (*GroupText, bool)
	}
)

var decoder atomic.Pointer[Decoder]

func SetDecoder(d Decoder) { decoder.Store(&d) }

func GetDecoder() Decoder {
	if d := decoder.Load(); d != nil {
		return *d
	}
	return passthroughDecoder{}
}

// passthroughDecoder maps already-decoded line fields.
type passthroughDecoder struct{}

// interface guard
var _ Decoder = (*passthroughDecoder)(nil)

func (passthroughDecoder) DecodeGroupText(rec *Record, keys []ChannelKey) (*GroupText, bool) {
	if rec.Body == "" || rec.MessageHash == "" {
		return nil, false
	}
	if rec.payloadType() != "" && !rec.IsGroupText() {
		return nil, false
	}
	name := cos.NormChannel(rec.ChannelName)
	if name == "" && rec.ChannelHash != "" {
		if k, ok := ChannelByHashByte(rec.ChannelHash); ok {
			name = k.Name
		}
	}
	if name == "" {
		return nil, false
	}
	ts := rec.Ts
	if ts == "" {
		ts = rec.ArchivedAt
	}
	return &GroupText{
		MessageHash: strings.ToUpper(rec.MessageHash),
		FrameHash:   strings.ToUpper(rec.FrameHash),
		ChannelName: name,
		Sender:      rec.Sender,
		Body:        rec.Body,
		Ts:          ts,
		Path:        rec.PathTokens(),
		Repeats:     rec.Repeats,
	}, true
}
