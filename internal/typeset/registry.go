// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package typeset holds the per-type metadata the collector is directed
// by: layouts, flattened reference/embed fields, statistics, and the two
// type graphs discovered from layout declarations.
package typeset

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/wang-zi-tao/mmmu/internal/graph"
)

// ErrInvalidType marks a malformed registration or an unregistered
// handle. It is a programming error on the embedder's side.
var ErrInvalidType = errors.New("typeset: invalid type")

// A RefField is a flattened pointer field: at Off within the user region
// lives a reference into Target's heap. Stat is the shared edge-rate slot
// of the Target edge in the reference graph.
type RefField struct {
	Off    uintptr
	Target *RegisteredType
	Stat   *graph.EdgeStat
}

// An EmbedField is a flattened inline containment.
type EmbedField struct {
	Off    uintptr
	Target *RegisteredType
}

// A RegisteredType is the canonical descriptor of one heap shape. It is
// created by Registry.Register and lives until VM teardown.
type RegisteredType struct {
	id     graph.NodeID
	name   string
	layout Layout
	shape  *Shape

	refs     []RefField   // pointer fields, transitively through embeds
	embeds   []EmbedField // direct inline containments
	tailRefs []RefField   // pointer fields inside one flexible-tail element

	finalizer func(unsafe.Pointer)
	stats     Stats
}

// ID returns the type's dense graph index.
func (t *RegisteredType) ID() graph.NodeID { return t.id }

// Name returns the registration name.
func (t *RegisteredType) Name() string { return t.name }

// Layout returns the allocation contract.
func (t *RegisteredType) Layout() Layout { return t.layout }

// Stats returns the mutable statistics block.
func (t *RegisteredType) Stats() *Stats { return &t.stats }

// Refs returns the flattened pointer fields of the fixed region.
func (t *RegisteredType) Refs() []RefField { return t.refs }

// Embeds returns the direct inline containments.
func (t *RegisteredType) Embeds() []EmbedField { return t.embeds }

// TailRefs returns the pointer fields of one tail element.
func (t *RegisteredType) TailRefs() []RefField { return t.tailRefs }

// Finalizer returns the destructor hook, or nil.
func (t *RegisteredType) Finalizer() func(unsafe.Pointer) { return t.finalizer }

// SetFinalizer installs a destructor hook run by the sweeper on each
// unreachable object before its storage is released.
func (t *RegisteredType) SetFinalizer(f func(unsafe.Pointer)) { t.finalizer = f }

// A Registry owns every registered type and the reference/embed graphs.
type Registry struct {
	mu     sync.RWMutex
	types  []*RegisteredType
	byName map[string]*RegisteredType
	byID   map[graph.NodeID]*RegisteredType

	refGraph   *graph.Graph
	embedGraph *graph.Graph
}

// NewRegistry returns an empty registry with fresh graphs.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*RegisteredType),
		byID:       make(map[graph.NodeID]*RegisteredType),
		refGraph:   graph.New(),
		embedGraph: graph.New(),
	}
}

// RefGraph returns the pointer-field graph.
func (r *Registry) RefGraph() *graph.Graph { return r.refGraph }

// EmbedGraph returns the inline-containment graph.
func (r *Registry) EmbedGraph() *graph.Graph { return r.embedGraph }

// An Option tweaks a registration.
type Option func(*RegisteredType)

// WithFinalizer registers a destructor hook.
func WithFinalizer(f func(unsafe.Pointer)) Option {
	return func(t *RegisteredType) { t.finalizer = f }
}

// Register creates a type from its layout declaration. The shape is
// walked once: every reachable reference adds an edge to the reference
// graph, every inline composite adds an edge to the embed graph, and the
// field offsets are flattened into scan lists.
func (r *Registry) Register(name string, layout Layout, shape *Shape, opts ...Option) (*RegisteredType, error) {
	return r.register(name, layout, shape, nil, opts...)
}

// RegisterUnsized is Register for flexible-tail types; tailElem describes
// one tail element (may be nil for pointer-free tails).
func (r *Registry) RegisterUnsized(name string, layout Layout, shape, tailElem *Shape, opts ...Option) (*RegisteredType, error) {
	if !layout.Unsized() {
		return nil, errors.Wrapf(ErrInvalidType, "%s: RegisterUnsized with zero flexible stride", name)
	}
	return r.register(name, layout, shape, tailElem, opts...)
}

func (r *Registry) register(name string, layout Layout, shape, tailElem *Shape, opts ...Option) (*RegisteredType, error) {
	if !layout.valid() {
		return nil, errors.Wrapf(ErrInvalidType, "%s: bad layout %+v", name, layout)
	}
	if shape == nil {
		shape = Leaf()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return nil, errors.Wrapf(ErrInvalidType, "%s: already registered", name)
	}
	t := &RegisteredType{name: name, layout: layout, shape: shape}
	t.stats.init()
	// Both graphs allocate ids in lockstep so a type has one index.
	t.id = r.refGraph.AddNode()
	if id2 := r.embedGraph.AddNode(); id2 != t.id {
		return nil, errors.Wrapf(ErrInvalidType, "%s: graph indices diverged", name)
	}
	for _, o := range opts {
		o(t)
	}
	if err := r.discover(t, shape, 0, &t.refs); err != nil {
		return nil, err
	}
	if tailElem != nil {
		if err := r.discover(t, tailElem, 0, &t.tailRefs); err != nil {
			return nil, err
		}
	}
	r.refGraph.Flush()
	r.embedGraph.Flush()
	r.bindEdgeStats(t)
	r.types = append(r.types, t)
	r.byName[name] = t
	r.byID[t.id] = t
	return t, nil
}

type workItem struct {
	shape *Shape
	off   uintptr
}

// discover walks a shape declaration with an explicit work stack,
// flattening references (with offsets) into dst and recording graph
// edges. Embedded types contribute their own flattened references shifted
// by the embed offset, and those become reference edges of t as well.
func (r *Registry) discover(t *RegisteredType, shape *Shape, base uintptr, dst *[]RefField) error {
	work := []workItem{{shape, base}}
	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]
		s := item.shape
		switch s.Kind {
		case KindLeaf:
		case KindTuple, KindCompose, KindEnum, KindUnion:
			for i := range s.Fields {
				f := &s.Fields[i]
				work = append(work, workItem{f.Shape, item.off + f.Off})
			}
		case KindArray:
			for i := 0; i < s.Count; i++ {
				work = append(work, workItem{s.Elem, item.off + uintptr(i)*s.Stride})
			}
		case KindRef:
			target, err := s.Target.Resolve()
			if err != nil {
				return errors.Wrapf(err, "typeset: resolving reference target of %s", t.name)
			}
			if target == nil {
				return errors.Wrapf(ErrInvalidType, "%s: reference target not yet registered", t.name)
			}
			r.refGraph.AddEdge(t.id, target.id)
			*dst = append(*dst, RefField{Off: item.off, Target: target})
		case KindEmbed:
			target, err := s.Target.Resolve()
			if err != nil {
				return errors.Wrapf(err, "typeset: resolving embed target of %s", t.name)
			}
			if target == nil {
				return errors.Wrapf(ErrInvalidType, "%s: embed target not yet registered", t.name)
			}
			r.embedGraph.AddEdge(t.id, target.id)
			t.embeds = append(t.embeds, EmbedField{Off: item.off, Target: target})
			// The embedded sub-object shares the container's lifetime; its
			// pointers are scanned as the container's own.
			for _, rf := range target.refs {
				r.refGraph.AddEdge(t.id, rf.Target.id)
				*dst = append(*dst, RefField{Off: item.off + rf.Off, Target: rf.Target})
			}
		default:
			return errors.Wrapf(ErrInvalidType, "%s: unknown shape kind %d", t.name, s.Kind)
		}
	}
	return nil
}

// bindEdgeStats resolves the shared edge-rate slots for t's flattened
// references. Called once after registration, under the read side of the
// reference graph.
func (r *Registry) bindEdgeStats(t *RegisteredType) {
	gd := r.refGraph.Read()
	defer gd.Release()
	for i := range t.refs {
		t.refs[i].Stat = gd.Out(t.id)[t.refs[i].Target.id]
	}
	for i := range t.tailRefs {
		t.tailRefs[i].Stat = gd.Out(t.id)[t.tailRefs[i].Target.id]
	}
}

// Types returns a snapshot of all registered types.
func (r *Registry) Types() []*RegisteredType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegisteredType, len(r.types))
	copy(out, r.types)
	return out
}

// Len reports the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// ByID returns the type with the given graph index.
func (r *Registry) ByID(id graph.NodeID) *RegisteredType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByName returns the type registered under name, or nil.
func (r *Registry) ByName(name string) *RegisteredType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}
