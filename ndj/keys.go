// Package ndj tails the append-only NDJSON files written by the ingest side.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package ndj

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/geo"
)

type (
	ChannelKey struct {
		Name      string `json:"name"`
		HashByte  string `json:"hashByte"`
		SecretHex string `json:"secretHex"`
	}
	keysFile struct {
		Channels []ChannelKey `json:"channels"`
	}

	keyCache struct {
		mu    sync.Mutex
		path  string
		mtime int64
		keys  []ChannelKey
	}
)

// LoadChannelKeys reads meshcore_keys.json with file-mtime caching.
func (kc *keyCache) load() []ChannelKey {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	mt, ok := cos.Mtime(kc.path)
	if !ok {
		return kc.keys // keep last-known on IO error
	}
	if mt == kc.mtime && kc.keys != nil {
		return kc.keys
	}
	var kf keysFile
	if err := cos.LoadJSON(kc.path, &kf); err != nil {
		return kc.keys
	}
	for i := range kf.Channels {
		k := &kf.Channels[i]
		k.Name = cos.NormChannel(k.Name)
		if k.HashByte == "" {
			k.HashByte = SecretHashByte(k.SecretHex)
		} else {
			k.HashByte = geo.NormalizePathHash(k.HashByte)
		}
	}
	kc.mtime, kc.keys = mt, kf.Channels
	return kc.keys
}

var channelKeys keyCache

func InitChannelKeys(path string) { channelKeys = keyCache{path: path} }

func ChannelKeys() []ChannelKey { return channelKeys.load() }

// ChannelByHashByte resolves a frame's channel hash byte to a known channel.
func ChannelByHashByte(hb string) (ChannelKey, bool) {
	hb = geo.NormalizePathHash(hb)
	for _, k := range channelKeys.load() {
		if k.HashByte == hb {
			return k, true
		}
	}
	return ChannelKey{}, false
}

// SecretHashByte is the hash-of-secret primitive: first byte of SHA-256 over
// the secret bytes, as two upper-case hex chars.
func SecretHashByte(secretHex string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil || len(raw) == 0 {
		return "??"
	}
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:1]))
}
