// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ObjectMinAlign is the mark-set granularity. Every object's user address
// is a multiple of it, so one mark bit covers ObjectMinAlign bytes of
// address space.
const ObjectMinAlign = 16

const (
	// chunkSpan is the address-space span shadowed by one mapped chunk.
	chunkSpan     = 1 << 22
	wordsPerChunk = chunkSpan / ObjectMinAlign / 64
)

type markChunk struct {
	raw   []byte
	words []uint64
}

// A MarkSet is a logical bit-per-ObjectMinAlign shadow of the address
// space, backed by lazily mapped chunks keyed by object pointer. Chunks
// are mapped on the allocation path, so Mark and IsMarked never allocate
// and are safe on the collector's hot paths.
type MarkSet struct {
	mu     sync.Mutex // chunk creation
	chunks sync.Map   // uintptr chunk base -> *markChunk
}

// NewMarkSet returns an empty mark set.
func NewMarkSet() *MarkSet {
	return &MarkSet{}
}

// ensure maps the shadow chunks covering [p, p+n).
func (m *MarkSet) ensure(p, n uintptr) error {
	if n == 0 {
		n = 1
	}
	for base := p &^ (chunkSpan - 1); base <= (p+n-1)&^uintptr(chunkSpan-1); base += chunkSpan {
		if _, ok := m.chunks.Load(base); ok {
			continue
		}
		m.mu.Lock()
		if _, ok := m.chunks.Load(base); ok {
			m.mu.Unlock()
			continue
		}
		raw, err := unix.Mmap(-1, 0, wordsPerChunk*8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "heap: mapping mark chunk")
		}
		c := &markChunk{raw: raw, words: unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), wordsPerChunk)}
		m.chunks.Store(base, c)
		m.mu.Unlock()
	}
	return nil
}

func (m *MarkSet) slot(p uintptr) (*markChunk, uintptr, uint64) {
	got, ok := m.chunks.Load(p &^ (chunkSpan - 1))
	if !ok {
		return nil, 0, 0
	}
	bit := (p & (chunkSpan - 1)) / ObjectMinAlign
	return got.(*markChunk), bit >> 6, uint64(1) << (bit & 63)
}

// Mark sets the bit for p. Idempotent and commutative across threads.
func (m *MarkSet) Mark(p uintptr) {
	c, word, mask := m.slot(p)
	if c == nil {
		return
	}
	addr := (*atomic.Uint64)(unsafe.Pointer(&c.words[word]))
	for {
		old := addr.Load()
		if old&mask != 0 {
			return
		}
		if addr.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// IsMarked reports the bit for p.
func (m *MarkSet) IsMarked(p uintptr) bool {
	c, word, mask := m.slot(p)
	if c == nil {
		return false
	}
	return (*atomic.Uint64)(unsafe.Pointer(&c.words[word])).Load()&mask != 0
}

// Reset zeroes every mapped chunk. The controller calls this at cycle
// start, before any marking begins.
func (m *MarkSet) Reset() {
	m.chunks.Range(func(_, v any) bool {
		words := v.(*markChunk).words
		for i := range words {
			words[i] = 0
		}
		return true
	})
}

// Close unmaps all chunks.
func (m *MarkSet) Close() error {
	var first error
	m.chunks.Range(func(k, v any) bool {
		if err := unix.Munmap(v.(*markChunk).raw); err != nil && first == nil {
			first = errors.Wrap(err, "heap: unmapping mark chunk")
		}
		m.chunks.Delete(k)
		return true
	})
	return first
}
