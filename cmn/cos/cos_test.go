// Package cos provides common low-level types and utilities for meshrank
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos_test

import (
	"math"
	"testing"
	"time"

	"github.com/NVIDIA/meshrank/cmn/cos"
)

func TestClamp01(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.5: 0.5, 1: 1, 2: 1} {
		if got := cos.Clamp01(in); got != want {
			t.Errorf("Clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestTrimmedMean(t *testing.T) {
	// 10 samples, 10% trim drops one from each end
	samples := []float64{-200, -80, -80, -80, -80, -80, -80, -80, -80, 0}
	if got := cos.TrimmedMean(samples, 0.10); math.Abs(got-(-80)) > 1e-9 {
		t.Errorf("TrimmedMean = %v, want -80", got)
	}
	if got := cos.TrimmedMean(nil, 0.10); got != 0 {
		t.Errorf("TrimmedMean(nil) = %v, want 0", got)
	}
	// too few samples to trim: plain mean
	if got := cos.TrimmedMean([]float64{-60, -70}, 0.10); math.Abs(got-(-65)) > 1e-9 {
		t.Errorf("TrimmedMean(two) = %v, want -65", got)
	}
}

func TestNormChannel(t *testing.T) {
	for in, want := range map[string]string{
		"Public":   "#public",
		"#Public":  "#public",
		" #TEST ":  "#test",
		"hashtags": "#hashtags",
	} {
		if got := cos.NormChannel(in); got != want {
			t.Errorf("NormChannel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormEpochMs(t *testing.T) {
	secs := int64(1700000000)
	if got := cos.NormEpochMs(secs); got != secs*1000 {
		t.Errorf("seconds not promoted: %d", got)
	}
	ms := int64(1700000000000)
	if got := cos.NormEpochMs(ms); got != ms {
		t.Errorf("milliseconds changed: %d", got)
	}
}

func TestParseTs(t *testing.T) {
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2025-06-01T12:30:00.000Z",
		"2025-06-01T12:30:00Z",
	} {
		got, ok := cos.ParseTs(in)
		if !ok || !got.Equal(want) {
			t.Errorf("ParseTs(%q) = %v ok=%v", in, got, ok)
		}
	}
	if _, ok := cos.ParseTs("not a time"); ok {
		t.Error("ParseTs accepted garbage")
	}
}

func TestLeft(t *testing.T) {
	if got := cos.Left("abcdef", 3); got != "abc" {
		t.Errorf("Left = %q", got)
	}
	if got := cos.Left("ab", 3); got != "ab" {
		t.Errorf("Left = %q", got)
	}
}
