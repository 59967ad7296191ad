// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"fmt"

	"github.com/NVIDIA/meshrank/api"
)

const (
	minMiddleEvidence = 5
	minEdgeEvidence   = 2 // distinct upstream AND downstream
)

type (
	tokenEvidence struct {
		Middle     int
		Upstream   map[string]struct{}
		Downstream map[string]struct{}
	}
	evidenceMap map[string]*tokenEvidence // by path token
)

// buildEvidence counts, per path token across the window's observer-reported
// paths, middle-hop appearances and distinct upstream/downstream neighbours.
func buildEvidence(paths [][]string) evidenceMap {
	ev := make(evidenceMap, 64)
	for _, path := range paths {
		for i, tok := range path {
			if tok == "??" {
				continue
			}
			te := ev[tok]
			if te == nil {
				te = &tokenEvidence{
					Upstream:   make(map[string]struct{}, 2),
					Downstream: make(map[string]struct{}, 2),
				}
				ev[tok] = te
			}
			if i > 0 && i < len(path)-1 {
				te.Middle++
			}
			if i > 0 {
				te.Upstream[path[i-1]] = struct{}{}
			}
			if i < len(path)-1 {
				te.Downstream[path[i+1]] = struct{}{}
			}
		}
	}
	return ev
}

// judge applies the repeat-evidence filter. Backfilled devices bypass it.
func (ev evidenceMap) judge(hashByte string, backfilled bool) *api.RepeatEvidence {
	var (
		te  = ev[hashByte]
		out = &api.RepeatEvidence{}
	)
	if te != nil {
		out.Middle = te.Middle
		out.Upstream = len(te.Upstream)
		out.Downstream = len(te.Downstream)
	}
	switch {
	case backfilled:
		out.IsTrueRepeater = true
		out.Reason = "backfilled"
	case out.Middle >= minMiddleEvidence:
		out.IsTrueRepeater = true
		out.Reason = fmt.Sprintf("middle_hops:%d", out.Middle)
	case out.Upstream >= minEdgeEvidence && out.Downstream >= minEdgeEvidence:
		out.IsTrueRepeater = true
		out.Reason = fmt.Sprintf("edges:%d/%d", out.Upstream, out.Downstream)
	default:
		out.Reason = "insufficient_repeat_evidence"
	}
	return out
}
