// Package cos provides common low-level types and utilities for meshrank
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is the codec used repo-wide: NDJSON lines, cache payloads, HTTP bodies.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

func MustMarshal(v any) []byte {
	b, err := JSON.Marshal(v)
	if err != nil {
		ExitLogf("json marshal: %v", err)
	}
	return b
}

// TryUnmarshal is for NDJSON lines: malformed input is a skip, not an error.
func TryUnmarshal(data []byte, v any) bool {
	return JSON.Unmarshal(data, v) == nil
}
