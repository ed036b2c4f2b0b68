// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap implements the per-type allocator: two-tier pools, object
// headers, sized and flexible-tail allocation, and the global mark set.
// Objects never move.
package heap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"modernc.org/memory"

	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

// ErrAllocFailure reports virtual-memory or pool exhaustion. The core
// does not retry; the embedder surfaces it as the guest's out-of-memory.
var ErrAllocFailure = errors.New("heap: allocation failure")

// DefaultSmallMax is the tier threshold: objects with a footprint at or
// below it live in the small tier.
const DefaultSmallMax = 32 << 10

// Config carries the heap tunables.
type Config struct {
	SmallMax uintptr
}

type object struct {
	footprint uintptr
	large     bool
}

// A typePool tracks every live GC object of one type, per tier.
type typePool struct {
	mu    sync.Mutex
	small map[uintptr]object
	large map[uintptr]object
}

// A Heap owns the allocator state for one VM.
type Heap struct {
	reg   *typeset.Registry
	cfg   Config
	marks *MarkSet

	mu  sync.Mutex // memory.Allocator is not safe for concurrent use
	mem memory.Allocator

	nonGCMu sync.Mutex
	nonGC   memory.Allocator

	poolsMu sync.RWMutex
	pools   map[*typeset.RegisteredType]*typePool

	nextIndex atomic.Uint64
}

// New returns a heap over the given registry.
func New(reg *typeset.Registry, cfg Config) *Heap {
	if cfg.SmallMax == 0 {
		cfg.SmallMax = DefaultSmallMax
	}
	return &Heap{
		reg:   reg,
		cfg:   cfg,
		marks: NewMarkSet(),
		pools: make(map[*typeset.RegisteredType]*typePool),
	}
}

// Marks returns the heap's mark set.
func (h *Heap) Marks() *MarkSet { return h.marks }

// Registry returns the type registry this heap allocates for.
func (h *Heap) Registry() *typeset.Registry { return h.reg }

func (h *Heap) pool(t *typeset.RegisteredType) *typePool {
	h.poolsMu.RLock()
	p := h.pools[t]
	h.poolsMu.RUnlock()
	if p != nil {
		return p
	}
	h.poolsMu.Lock()
	defer h.poolsMu.Unlock()
	if p = h.pools[t]; p == nil {
		p = &typePool{small: make(map[uintptr]object), large: make(map[uintptr]object)}
		h.pools[t] = p
	}
	return p
}

// Alloc allocates one sized object of t and returns the user pointer.
// The object is zeroed and its header written; per-type statistics are
// updated atomically.
func (h *Heap) Alloc(t *typeset.RegisteredType) (uintptr, error) {
	if t == nil {
		return 0, errors.Wrap(typeset.ErrInvalidType, "heap: Alloc(nil)")
	}
	if t.Layout().Unsized() {
		return 0, errors.Wrapf(typeset.ErrInvalidType, "heap: Alloc of unsized %s", t.Name())
	}
	return h.allocObject(t, t.Layout().Size)
}

// AllocUnsized allocates an object of t with n flexible-tail elements.
// The caller owns writing n into the length slot at the layout's
// LengthOffset.
func (h *Heap) AllocUnsized(t *typeset.RegisteredType, n uintptr) (uintptr, error) {
	if t == nil {
		return 0, errors.Wrap(typeset.ErrInvalidType, "heap: AllocUnsized(nil)")
	}
	if !t.Layout().Unsized() {
		return 0, errors.Wrapf(typeset.ErrInvalidType, "heap: AllocUnsized of sized %s", t.Name())
	}
	return h.allocObject(t, t.Layout().Footprint(n))
}

func (h *Heap) allocObject(t *typeset.RegisteredType, footprint uintptr) (uintptr, error) {
	layout := t.Layout()
	total := HeaderSize + footprint
	if layout.Align > ObjectMinAlign {
		total += layout.Align
	}
	h.mu.Lock()
	raw, err := h.mem.UintptrCalloc(int(total))
	h.mu.Unlock()
	if err != nil {
		return 0, errors.Wrapf(ErrAllocFailure, "heap: %s (%d bytes): %v", t.Name(), total, err)
	}
	user := raw + HeaderSize
	if layout.Align > ObjectMinAlign {
		user = (raw + HeaderSize + layout.Align - 1) &^ (layout.Align - 1)
	}
	if err := h.marks.ensure(user, footprint); err != nil {
		h.mu.Lock()
		h.mem.UintptrFree(raw)
		h.mu.Unlock()
		return 0, errors.Wrapf(ErrAllocFailure, "heap: %s: %v", t.Name(), err)
	}
	*headerOf(user) = header{
		typeID:  t.ID(),
		backOff: uint32(user - HeaderSize - raw),
		gcIndex: h.nextIndex.Add(1),
	}
	large := footprint > h.cfg.SmallMax
	p := h.pool(t)
	p.mu.Lock()
	if large {
		p.large[user] = object{footprint: footprint, large: true}
	} else {
		p.small[user] = object{footprint: footprint}
	}
	p.mu.Unlock()
	t.Stats().NoteAlloc(footprint, large)
	return user, nil
}

// Free releases one object of t. Sweep-only: the caller guarantees the
// object is dead; no reachability check is made here.
func (h *Heap) Free(t *typeset.RegisteredType, user uintptr) error {
	p := h.pool(t)
	p.mu.Lock()
	obj, ok := p.small[user]
	if ok {
		delete(p.small, user)
	} else if obj, ok = p.large[user]; ok {
		delete(p.large, user)
	}
	p.mu.Unlock()
	if !ok {
		return errors.Wrapf(typeset.ErrInvalidType, "heap: Free of unknown object %#x of %s", user, t.Name())
	}
	hdr := headerOf(user)
	raw := user - HeaderSize - uintptr(hdr.backOff)
	h.mu.Lock()
	err := h.mem.UintptrFree(raw)
	h.mu.Unlock()
	t.Stats().NoteFree(obj.footprint, obj.large)
	if err != nil {
		return errors.Wrapf(ErrAllocFailure, "heap: freeing %#x: %v", user, err)
	}
	return nil
}

// Contains reports whether user is a live GC object of t.
func (h *Heap) Contains(t *typeset.RegisteredType, user uintptr) bool {
	p := h.pool(t)
	p.mu.Lock()
	_, ok := p.small[user]
	if !ok {
		_, ok = p.large[user]
	}
	p.mu.Unlock()
	return ok
}

// TypeOf resolves a user pointer's registered type through its header.
func (h *Heap) TypeOf(user uintptr) *typeset.RegisteredType {
	return h.reg.ByID(TypeIDOf(user))
}

// Objects returns a snapshot of t's live objects, both tiers.
func (h *Heap) Objects(t *typeset.RegisteredType) []uintptr {
	p := h.pool(t)
	p.mu.Lock()
	out := make([]uintptr, 0, len(p.small)+len(p.large))
	for u := range p.small {
		out = append(out, u)
	}
	for u := range p.large {
		out = append(out, u)
	}
	p.mu.Unlock()
	return out
}

// TailLen reads the tail length an unsized object stores at its layout's
// LengthOffset.
func (h *Heap) TailLen(t *typeset.RegisteredType, user uintptr) uintptr {
	off := t.Layout().LengthOffset
	return uintptr(atomic.LoadUint64((*uint64)(unsafe.Pointer(user + uintptr(off)))))
}

// NonGCAlloc allocates one sized object of t outside the GC heap: same
// layout arithmetic, no header, no pool, no statistics.
func (h *Heap) NonGCAlloc(t *typeset.RegisteredType) (uintptr, error) {
	if t.Layout().Unsized() {
		return 0, errors.Wrapf(typeset.ErrInvalidType, "heap: NonGCAlloc of unsized %s", t.Name())
	}
	return h.nonGCAlloc(t, t.Layout().Size)
}

// NonGCAllocUnsized is NonGCAlloc with n tail elements.
func (h *Heap) NonGCAllocUnsized(t *typeset.RegisteredType, n uintptr) (uintptr, error) {
	if !t.Layout().Unsized() {
		return 0, errors.Wrapf(typeset.ErrInvalidType, "heap: NonGCAllocUnsized of sized %s", t.Name())
	}
	return h.nonGCAlloc(t, t.Layout().Footprint(n))
}

func (h *Heap) nonGCAlloc(t *typeset.RegisteredType, footprint uintptr) (uintptr, error) {
	if t.Layout().Align > ObjectMinAlign {
		return 0, errors.Wrapf(typeset.ErrInvalidType,
			"heap: non-GC allocation of %s over-aligned beyond %d", t.Name(), ObjectMinAlign)
	}
	h.nonGCMu.Lock()
	p, err := h.nonGC.UintptrCalloc(int(footprint))
	h.nonGCMu.Unlock()
	if err != nil {
		return 0, errors.Wrapf(ErrAllocFailure, "heap: non-GC %s (%d bytes): %v", t.Name(), footprint, err)
	}
	return p, nil
}

// NonGCFree releases a non-GC allocation. The backing allocator frees by
// pointer, so the tail length recorded at the layout's LengthOffset is read
// for unsized t but does not change what is released.
func (h *Heap) NonGCFree(t *typeset.RegisteredType, p uintptr) error {
	if t.Layout().Unsized() {
		// The footprint is computed and discarded; UintptrFree needs no size.
		_ = t.Layout().Footprint(h.TailLen(t, p))
	}
	h.nonGCMu.Lock()
	err := h.nonGC.UintptrFree(p)
	h.nonGCMu.Unlock()
	if err != nil {
		return errors.Wrapf(ErrAllocFailure, "heap: non-GC free %#x: %v", p, err)
	}
	return nil
}

// LoadPtr reads a pointer-sized field at addr with a relaxed atomic load.
func LoadPtr(addr uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))
}

// StorePtr writes a pointer-sized field at addr.
func StorePtr(addr, val uintptr) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), val)
}

// Close releases both allocators and the mark set. All objects die with
// the heap.
func (h *Heap) Close() error {
	h.mu.Lock()
	err := h.mem.Close()
	h.mu.Unlock()
	h.nonGCMu.Lock()
	if e := h.nonGC.Close(); err == nil {
		err = e
	}
	h.nonGCMu.Unlock()
	if e := h.marks.Close(); err == nil {
		err = e
	}
	return err
}
