// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typeset

import (
	"math"
	"sync"
	"sync/atomic"
)

// Stats are the per-type counters the planner feeds on. Everything is
// advisory: mutators update with relaxed atomics on the alloc path, the
// collector reads during planning and rewrites during sweep. Only the
// live-rate EMA takes the brief per-type lock, and only in the sweeper.
type Stats struct {
	mu sync.Mutex // sweep-time EMA update

	live          atomic.Uint64
	liveRate      atomic.Uint64 // float64 bits
	allocCount    atomic.Uint64
	allocThisGC   atomic.Uint64
	largeHeapSize atomic.Uint64
	smallHeapSize atomic.Uint64
	walkCount     atomic.Uint64
}

func (s *Stats) init() {
	s.liveRate.Store(math.Float64bits(1.0))
}

// Live returns the live-object count published by the last sweep.
func (s *Stats) Live() uint64 { return s.live.Load() }

// LiveRate returns the EMA of marked/allocated, in [0, 1].
func (s *Stats) LiveRate() float64 {
	return math.Float64frombits(s.liveRate.Load())
}

// AllocCount returns the monotone allocation counter.
func (s *Stats) AllocCount() uint64 { return s.allocCount.Load() }

// WalkCount returns the planner's visit counter.
func (s *Stats) WalkCount() uint64 { return s.walkCount.Load() }

// HeapSizes returns (small, large) tier byte totals.
func (s *Stats) HeapSizes() (uint64, uint64) {
	return s.smallHeapSize.Load(), s.largeHeapSize.Load()
}

// NoteAlloc records one allocation of size bytes in the given tier.
func (s *Stats) NoteAlloc(size uintptr, large bool) {
	s.allocCount.Add(1)
	s.allocThisGC.Add(1)
	if large {
		s.largeHeapSize.Add(uint64(size))
	} else {
		s.smallHeapSize.Add(uint64(size))
	}
}

// NoteFree returns size bytes to the tier accounting.
func (s *Stats) NoteFree(size uintptr, large bool) {
	if large {
		s.largeHeapSize.Add(^uint64(size - 1))
	} else {
		s.smallHeapSize.Add(^uint64(size - 1))
	}
}

// DecayWalk multiplies the walk counter by w. The planner calls this once
// per cycle before walking.
func (s *Stats) DecayWalk(w float64) {
	s.walkCount.Store(uint64(float64(s.walkCount.Load()) * w))
}

// IncWalk bumps the walk counter by one step.
func (s *Stats) IncWalk() {
	s.walkCount.Add(1)
}

// SweepUpdate publishes the sweep result: marked survivors out of the
// examined objects of the cycle. The live rate folds in with weight w on
// the previous value and the per-cycle allocation counter resets.
func (s *Stats) SweepUpdate(marked, examined uint64, w float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocThisGC.Store(0)
	s.live.Store(marked)
	rate := 1.0
	if examined > 0 {
		rate = float64(marked) / float64(examined)
	}
	old := math.Float64frombits(s.liveRate.Load())
	s.liveRate.Store(math.Float64bits(old*w + rate*(1-w)))
}
