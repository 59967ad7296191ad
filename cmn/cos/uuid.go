// Package cos provides common low-level types and utilities for meshrank
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet similar to shortid.DEFAULT_ABC, reshuffled
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var sid *shortid.Shortid

func InitShortID(seed uint64) {
	sid = shortid.MustNew(1 /*worker*/, uuidABC, seed)
}

// GenUUID is used for session tokens and SSE client ids.
func GenUUID() string {
	if sid == nil {
		InitShortID(uint64(xxhash.ChecksumString64("meshrank")))
	}
	return sid.MustGenerate()
}

// ChecksumB16 keys the static-file cache and ETags.
func ChecksumB16(s string) string {
	return strconv.FormatUint(xxhash.ChecksumString64(s), 16)
}
