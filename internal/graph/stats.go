// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"math"
	"sync/atomic"
)

// edgeHistoryWeight is the EMA weight of the previous rate sample.
const edgeHistoryWeight = 0.9

// An EdgeStat carries the rate of one edge: an EMA of how often the
// relationship the edge models actually holds. New edges start at 1.
type EdgeStat struct {
	bits atomic.Uint64
}

// NewEdgeStat returns a stat with rate 1.
func NewEdgeStat() *EdgeStat {
	s := &EdgeStat{}
	s.bits.Store(math.Float64bits(1.0))
	return s
}

// Rate returns the current rate in [0, 1].
func (s *EdgeStat) Rate() float64 {
	return math.Float64frombits(s.bits.Load())
}

// Observe folds one boolean sample into the rate.
func (s *EdgeStat) Observe(hit bool) {
	sample := 0.0
	if hit {
		sample = 1.0
	}
	for {
		old := s.bits.Load()
		rate := math.Float64frombits(old)*edgeHistoryWeight + sample*(1-edgeHistoryWeight)
		if s.bits.CompareAndSwap(old, math.Float64bits(rate)) {
			return
		}
	}
}
