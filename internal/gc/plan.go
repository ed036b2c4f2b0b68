// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"container/heap"
	"math"
	"math/rand"

	"golang.org/x/exp/slices"

	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

// Planner tunables. Defaults follow Config.
const (
	// DefaultRecycleTypeCount bounds the types swept per cycle.
	DefaultRecycleTypeCount = 16
	// DefaultWalkStepCount is the length of each random walk.
	DefaultWalkStepCount = 16
	// DefaultHistoryWeight decays walk counters and live-rate EMAs.
	DefaultHistoryWeight = 0.5
)

// A Plan is the per-cycle decision: CleanTypes are swept, ScanTypes are
// the superset that must be marked so no object reachable through them is
// freed. CleanTypes ⊆ ScanTypes always holds.
type Plan struct {
	CleanTypes map[*typeset.RegisteredType]struct{}
	ScanTypes  map[*typeset.RegisteredType]struct{}
}

func newPlan() *Plan {
	return &Plan{
		CleanTypes: make(map[*typeset.RegisteredType]struct{}),
		ScanTypes:  make(map[*typeset.RegisteredType]struct{}),
	}
}

// InScan reports whether t must be marked this cycle.
func (p *Plan) InScan(t *typeset.RegisteredType) bool {
	_, ok := p.ScanTypes[t]
	return ok
}

// InClean reports whether t is swept this cycle.
func (p *Plan) InClean(t *typeset.RegisteredType) bool {
	_, ok := p.CleanTypes[t]
	return ok
}

// CleanList returns the clean set ordered by name, for logs and tools.
func (p *Plan) CleanList() []*typeset.RegisteredType {
	out := make([]*typeset.RegisteredType, 0, len(p.CleanTypes))
	for t := range p.CleanTypes {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *typeset.RegisteredType) int {
		if a.Name() < b.Name() {
			return -1
		}
		if a.Name() > b.Name() {
			return 1
		}
		return 0
	})
	return out
}

// A Planner chooses the per-cycle type sets by a weighted random walk
// over the reference graph, biased toward frequently walked, high
// live-rate × high-population clusters.
type Planner struct {
	reg *typeset.Registry
	cfg Config
	rng *rand.Rand
}

// NewPlanner returns a planner over reg. The rng seeds from cfg.Seed so
// tests can pin the walk.
func NewPlanner(reg *typeset.Registry, cfg Config) *Planner {
	return &Planner{reg: reg, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// edgeWeight ranks an incoming edge by its referrer from's statistics and
// the edge's rate. Rarely-carrying edges and frequently walked referrers
// rank high; heavily allocated, high live-rate referrers rank low.
func edgeWeight(from *typeset.Stats, rate float64) float64 {
	denom := float64(from.AllocCount()) * from.LiveRate() * rate
	if denom <= 0 {
		return math.MaxFloat64 / float64(DefaultWalkStepCount*DefaultRecycleTypeCount)
	}
	w := float64(from.WalkCount()) / denom
	if math.IsInf(w, 0) || math.IsNaN(w) {
		return math.MaxFloat64 / float64(DefaultWalkStepCount*DefaultRecycleTypeCount)
	}
	return w
}

// MakePlan builds the cycle's plan.
func (pl *Planner) MakePlan() *Plan {
	plan := newPlan()
	types := pl.reg.Types()
	if len(types) == 0 {
		return plan
	}
	if len(types) <= pl.cfg.RecycleTypeCount {
		for _, t := range types {
			plan.CleanTypes[t] = struct{}{}
			plan.ScanTypes[t] = struct{}{}
		}
		return plan
	}

	var seed *typeset.RegisteredType
	best := -1.0
	for _, t := range types {
		t.Stats().DecayWalk(pl.cfg.HistoryWeight)
		score := t.Stats().LiveRate() * float64(t.Stats().Live())
		if score > best {
			best, seed = score, t
		}
	}

	gd := pl.reg.RefGraph().Read()
	defer gd.Release()

	cand := &typeHeap{}
	heap.Init(cand)
	heap.Push(cand, seed)
	for walk := 1; walk < pl.cfg.RecycleTypeCount; walk++ {
		node := seed
		for step := 0; step < pl.cfg.WalkStepCount; step++ {
			node.Stats().IncWalk()
			in := gd.In(node.ID())
			if len(in) > 0 {
				weights := make([]float64, 0, len(in))
				froms := make([]*typeset.RegisteredType, 0, len(in))
				sum := 0.0
				for fromID, stat := range in {
					from := pl.reg.ByID(fromID)
					if from == nil {
						continue
					}
					w := edgeWeight(from.Stats(), stat.Rate())
					froms = append(froms, from)
					weights = append(weights, w)
					sum += w
				}
				target := pl.rng.Float64() * sum
				acc := 0.0
				for i, w := range weights {
					acc += w
					if acc > target {
						node = froms[i]
						break
					}
				}
			}
			heap.Push(cand, node)
		}
	}

	for len(plan.CleanTypes) < pl.cfg.RecycleTypeCount && cand.Len() > 0 {
		t := heap.Pop(cand).(*typeset.RegisteredType)
		plan.CleanTypes[t] = struct{}{}
	}
	for t := range plan.CleanTypes {
		plan.ScanTypes[t] = struct{}{}
		// Every type with a reference into a clean type must be scanned,
		// or its pointees would look dead.
		for fromID := range gd.In(t.ID()) {
			if from := pl.reg.ByID(fromID); from != nil {
				plan.ScanTypes[from] = struct{}{}
			}
		}
	}
	return plan
}

// typeHeap is a max-heap on walk count.
type typeHeap []*typeset.RegisteredType

func (h typeHeap) Len() int { return len(h) }
func (h typeHeap) Less(i, j int) bool {
	return h[i].Stats().WalkCount() > h[j].Stats().WalkCount()
}
func (h typeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *typeHeap) Push(x any)   { *h = append(*h, x.(*typeset.RegisteredType)) }
func (h *typeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
