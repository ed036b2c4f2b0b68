// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vm assembles the managed-memory core into one Context: the
// stable API surface guest-language runtimes program against. All state
// hangs off the Context; nothing here is a process singleton.
package vm

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/wang-zi-tao/mmmu/internal/gc"
	"github.com/wang-zi-tao/mmmu/internal/graph"
	"github.com/wang-zi-tao/mmmu/internal/heap"
	"github.com/wang-zi-tao/mmmu/internal/isa"
	"github.com/wang-zi-tao/mmmu/internal/pool"
	"github.com/wang-zi-tao/mmmu/internal/task"
	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

// Config carries the embedder-visible tunables.
type Config struct {
	Heap heap.Config
	GC   gc.Config
}

// A Context is one VM's managed-memory core.
type Context struct {
	reg     *typeset.Registry
	heap    *heap.Heap
	tasks   *task.Set
	gc      *gc.Controller
	strings *pool.Pool[string]

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New wires a fresh core.
func New(cfg Config) *Context {
	reg := typeset.NewRegistry()
	h := heap.New(reg, cfg.Heap)
	tasks := task.NewSet()
	return &Context{
		reg:     reg,
		heap:    h,
		tasks:   tasks,
		gc:      gc.NewController(reg, h, tasks, cfg.GC),
		strings: pool.NewStrings(),
	}
}

// Start launches the collector's dedicated loop.
func (c *Context) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go func() {
		defer close(c.stopped)
		c.gc.Run(ctx)
	}()
}

// Close stops the collector and releases the heap.
func (c *Context) Close() error {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
	return c.heap.Close()
}

// Registry exposes the type registry.
func (c *Context) Registry() *typeset.Registry { return c.reg }

// Heap exposes the allocator.
func (c *Context) Heap() *heap.Heap { return c.heap }

// GC exposes the collection controller.
func (c *Context) GC() *gc.Controller { return c.gc }

// RegisterType declares a sized heap shape.
func (c *Context) RegisterType(name string, layout typeset.Layout, shape *typeset.Shape, opts ...typeset.Option) (*typeset.RegisteredType, error) {
	return c.reg.Register(name, layout, shape, opts...)
}

// RegisterUnsizedType declares a flexible-tail heap shape.
func (c *Context) RegisterUnsizedType(name string, layout typeset.Layout, shape, tailElem *typeset.Shape, opts ...typeset.Option) (*typeset.RegisteredType, error) {
	return c.reg.RegisterUnsized(name, layout, shape, tailElem, opts...)
}

// RegisterTask makes the calling thread a mutator. The returned release
// func deregisters it; call it on thread exit.
func (c *Context) RegisterTask() (*task.Task, func()) {
	return c.tasks.Pin()
}

// Alloc allocates a sized object on behalf of tk (nil for an unmanaged
// caller). Every call doubles as a safepoint poll.
func (c *Context) Alloc(tk *task.Task, t *typeset.RegisteredType) (uintptr, error) {
	gc.Poll(tk)
	return c.heap.Alloc(t)
}

// AllocUnsized allocates an object with n tail elements.
func (c *Context) AllocUnsized(tk *task.Task, t *typeset.RegisteredType, n uintptr) (uintptr, error) {
	gc.Poll(tk)
	return c.heap.AllocUnsized(t, n)
}

// Free releases a dead object; sweep-only semantics.
func (c *Context) Free(t *typeset.RegisteredType, p uintptr) error {
	return c.heap.Free(t, p)
}

// NonGCAlloc, NonGCAllocUnsized and NonGCFree are the off-heap escape
// hatches with identical layout arithmetic and no GC bookkeeping.
func (c *Context) NonGCAlloc(t *typeset.RegisteredType) (uintptr, error) {
	return c.heap.NonGCAlloc(t)
}

func (c *Context) NonGCAllocUnsized(t *typeset.RegisteredType, n uintptr) (uintptr, error) {
	return c.heap.NonGCAllocUnsized(t, n)
}

func (c *Context) NonGCFree(t *typeset.RegisteredType, p uintptr) error {
	return c.heap.NonGCFree(t, p)
}

// OnEdgeAdd records that an object of from was observed pointing into
// to, feeding the edge-rate EMA the planner weights walks by.
func (c *Context) OnEdgeAdd(from, to *typeset.RegisteredType) {
	c.observeEdge(from, to, true)
}

// OnEdgeRemove records a reference relationship being torn down.
func (c *Context) OnEdgeRemove(from, to *typeset.RegisteredType) {
	c.observeEdge(from, to, false)
}

func (c *Context) observeEdge(from, to *typeset.RegisteredType, hit bool) {
	gd := c.reg.RefGraph().Read()
	if st := gd.Out(from.ID())[to.ID()]; st != nil {
		st.Observe(hit)
	}
	gd.Release()
}

// RequestGC hints that a cycle would be worthwhile.
func (c *Context) RequestGC() {
	c.gc.RequestGC()
}

// ForceGC blocks until one full cycle completes.
func (c *Context) ForceGC(ctx context.Context) error {
	return c.gc.ForceGC(ctx)
}

// Intern canonicalises a symbol string.
func (c *Context) Intern(s string) (pool.Handle[string], error) {
	return c.strings.Intern(s)
}

// Token returns the instruction operand encoding of a registered type.
func (c *Context) Token(t *typeset.RegisteredType) isa.TypeToken {
	return isa.TypeToken(t.ID())
}

func (c *Context) typeOf(tok isa.TypeToken) (*typeset.RegisteredType, error) {
	t := c.reg.ByID(graph.NodeID(tok))
	if t == nil {
		return nil, errors.Wrapf(typeset.ErrInvalidType, "vm: unknown type token %d", tok)
	}
	return t, nil
}

// InstructionSet publishes the memory instruction descriptor bound to
// this context, for the interpreter and JIT front-ends.
func (c *Context) InstructionSet() isa.MemoryInstructionSet {
	return isa.MemoryInstructionSet{
		// References are traced, not counted: clone and deref are moves,
		// drop is a no-op until the collector proves the object dead.
		Clone: func(p uintptr) uintptr { return p },
		Drop:  func(uintptr) {},
		Deref: func(p uintptr) uintptr { return p },
		AllocSized: func(tok isa.TypeToken) (uintptr, error) {
			t, err := c.typeOf(tok)
			if err != nil {
				return 0, err
			}
			return c.heap.Alloc(t)
		},
		AllocUnsized: func(tok isa.TypeToken, n uintptr) (uintptr, error) {
			t, err := c.typeOf(tok)
			if err != nil {
				return 0, err
			}
			return c.heap.AllocUnsized(t, n)
		},
		Free: func(tok isa.TypeToken, p uintptr) error {
			t, err := c.typeOf(tok)
			if err != nil {
				return err
			}
			return c.heap.Free(t, p)
		},
		NonGCAlloc: func(tok isa.TypeToken) (uintptr, error) {
			t, err := c.typeOf(tok)
			if err != nil {
				return 0, err
			}
			return c.heap.NonGCAlloc(t)
		},
		NonGCAllocUnsized: func(tok isa.TypeToken, n uintptr) (uintptr, error) {
			t, err := c.typeOf(tok)
			if err != nil {
				return 0, err
			}
			return c.heap.NonGCAllocUnsized(t, n)
		},
		NonGCFree: func(tok isa.TypeToken, p uintptr) error {
			t, err := c.typeOf(tok)
			if err != nil {
				return err
			}
			return c.heap.NonGCFree(t, p)
		},
	}
}
