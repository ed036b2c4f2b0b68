// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph implements a directed multigraph over dense integer node
// ids with double-buffered edge sets: readers are lock-free and pick a
// buffer by a global version word, the single writer mutates the inactive
// buffer and re-establishes equality after each flush.
package graph

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// A NodeID names a node. Ids are dense and allocated by AddNode.
type NodeID int32

// A node owns two parallel edge sets per direction. The buffer at
// version&1 is stable for reads; the other one belongs to the writer.
type node struct {
	in  [2]map[NodeID]*EdgeStat
	out [2]map[NodeID]*EdgeStat
}

type op struct {
	add      bool
	from, to NodeID
}

// A Graph supports one writer and unboundedly many concurrent readers.
type Graph struct {
	mu      sync.Mutex // serialises writers
	version atomic.Uint64
	readers [2]atomic.Int64
	nodes   atomic.Pointer[[]*node]
	pending []op
}

// New returns an empty graph.
func New() *Graph {
	g := &Graph{}
	nodes := make([]*node, 0)
	g.nodes.Store(&nodes)
	return g
}

// AddNode allocates a fresh node and returns its id.
func (g *Graph) AddNode() NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := *g.nodes.Load()
	n := &node{}
	for i := range n.in {
		n.in[i] = make(map[NodeID]*EdgeStat)
		n.out[i] = make(map[NodeID]*EdgeStat)
	}
	// Copy-on-write so readers keep a consistent table.
	nodes := make([]*node, len(old)+1)
	copy(nodes, old)
	nodes[len(old)] = n
	g.nodes.Store(&nodes)
	return NodeID(len(old))
}

// NumNodes reports how many nodes have been allocated.
func (g *Graph) NumNodes() int {
	return len(*g.nodes.Load())
}

// AddEdge records a from→to edge. The edge becomes visible to readers at
// the next Flush. Adding an edge that already exists is a no-op that keeps
// the existing statistics.
func (g *Graph) AddEdge(from, to NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apply(op{add: true, from: from, to: to}, g.inactive())
	g.pending = append(g.pending, op{add: true, from: from, to: to})
}

// RemoveEdge removes a from→to edge, visible at the next Flush.
func (g *Graph) RemoveEdge(from, to NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apply(op{from: from, to: to}, g.inactive())
	g.pending = append(g.pending, op{from: from, to: to})
}

// Flush publishes pending edge changes: it advances the version with a
// release store, waits for readers of the retired buffer to drain, then
// replays the same changes there so both buffers are equal again.
func (g *Graph) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return
	}
	v := g.version.Load()
	g.version.Store(v + 1)
	// The buffer at v&1 is now inactive, but late readers may still hold it.
	for g.readers[v&1].Load() != 0 {
		runtime.Gosched()
	}
	for _, o := range g.pending {
		g.apply(o, uint64(v&1))
	}
	g.pending = g.pending[:0]
}

func (g *Graph) inactive() uint64 {
	return (g.version.Load() + 1) & 1
}

func (g *Graph) apply(o op, buf uint64) {
	nodes := *g.nodes.Load()
	f, t := nodes[o.from], nodes[o.to]
	if o.add {
		// One EdgeStat per logical edge, shared by both buffers and both
		// endpoints, so rate feedback survives the flip.
		st := f.out[0][o.to]
		if st == nil {
			st = f.out[1][o.to]
		}
		if st == nil {
			st = NewEdgeStat()
		}
		f.out[buf][o.to] = st
		t.in[buf][o.from] = st
	} else {
		delete(f.out[buf], o.to)
		delete(t.in[buf], o.from)
	}
}

// A Guard pins one buffer of the graph for reading. It must be Released;
// the writer's next Flush blocks until readers of the retired buffer are
// gone.
type Guard struct {
	g     *Graph
	nodes []*node
	v     uint64
}

// Read enters a read-side critical section against the current buffer.
func (g *Graph) Read() Guard {
	for {
		v := g.version.Load()
		g.readers[v&1].Add(1)
		if g.version.Load() == v {
			return Guard{g: g, nodes: *g.nodes.Load(), v: v}
		}
		// A flip raced with our entry; the writer may already be mutating
		// the buffer we picked.
		g.readers[v&1].Add(-1)
	}
}

// Release exits the read-side critical section.
func (gd Guard) Release() {
	gd.g.readers[gd.v&1].Add(-1)
}

// Out returns the outgoing edge set of id. The returned map must not be
// mutated and is valid until Release.
func (gd Guard) Out(id NodeID) map[NodeID]*EdgeStat {
	if int(id) >= len(gd.nodes) {
		return nil
	}
	return gd.nodes[id].out[gd.v&1]
}

// In returns the incoming edge set of id, keyed by referrer.
func (gd Guard) In(id NodeID) map[NodeID]*EdgeStat {
	if int(id) >= len(gd.nodes) {
		return nil
	}
	return gd.nodes[id].in[gd.v&1]
}
