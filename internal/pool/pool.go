// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool canonicalises values by content into reference-counted
// entries with identity equality and a cached hash.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolCapacity is returned by Intern when the pool was built with a
// limit and the backing map refuses another insertion.
var ErrPoolCapacity = errors.New("pool: capacity exceeded")

// A Pool interns values of type T. Interning the same value twice yields
// handles that compare equal; interning different values never does.
// All methods are safe for concurrent use.
type Pool[T comparable] struct {
	entries sync.Map // T -> *entry[T]
	hash    func(T) uint64
	limit   int64
	count   atomic.Int64
}

type entry[T comparable] struct {
	value T
	hash  uint64 // cached at insert; lookups never rehash
	rc    atomic.Int64
	pool  *Pool[T]
}

// A Handle is a counted reference to an interned value.
// Handles are comparable; two handles are == iff they intern the same value.
// The zero Handle is empty.
type Handle[T comparable] struct {
	e *entry[T]
}

// New returns an unbounded pool hashing values with hash.
func New[T comparable](hash func(T) uint64) *Pool[T] {
	return &Pool[T]{hash: hash}
}

// NewLimited returns a pool that refuses insertions beyond limit distinct
// live values.
func NewLimited[T comparable](hash func(T) uint64, limit int) *Pool[T] {
	return &Pool[T]{hash: hash, limit: int64(limit)}
}

// NewStrings returns a string pool using the BKDR hash.
func NewStrings() *Pool[string] {
	return New(bkdrString)
}

// Intern returns a handle for v, reusing the live entry if one exists.
// The fast path performs no allocation.
func (p *Pool[T]) Intern(v T) (Handle[T], error) {
	for {
		if got, ok := p.entries.Load(v); ok {
			e := got.(*entry[T])
			if e.acquire() {
				return Handle[T]{e}, nil
			}
			// The entry's refcount already hit zero; its last holder is
			// about to remove it. Help out and retry with a fresh entry.
			if p.entries.CompareAndDelete(v, got) {
				p.count.Add(-1)
			}
			continue
		}
		if p.limit > 0 && p.count.Load() >= p.limit {
			return Handle[T]{}, errors.Wrapf(ErrPoolCapacity, "interning %v", v)
		}
		e := &entry[T]{value: v, hash: p.hash(v), pool: p}
		e.rc.Store(1)
		got, loaded := p.entries.LoadOrStore(v, e)
		if !loaded {
			p.count.Add(1)
			return Handle[T]{e}, nil
		}
		old := got.(*entry[T])
		if old.acquire() {
			return Handle[T]{old}, nil
		}
		if p.entries.CompareAndDelete(v, got) {
			p.count.Add(-1)
		}
	}
}

// acquire takes a reference, failing if the entry is already dead.
// A refcount of zero is terminal: revival goes through a new entry.
func (e *entry[T]) acquire() bool {
	for {
		n := e.rc.Load()
		if n < 1 {
			return false
		}
		if e.rc.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Len reports the number of distinct live values.
func (p *Pool[T]) Len() int {
	return int(p.count.Load())
}

// Value returns the interned value.
func (h Handle[T]) Value() T {
	return h.e.value
}

// Hash returns the hash cached when the value was first interned.
func (h Handle[T]) Hash() uint64 {
	return h.e.hash
}

// Valid reports whether the handle refers to an interned value.
func (h Handle[T]) Valid() bool {
	return h.e != nil
}

// Clone takes an additional reference to the same entry.
func (h Handle[T]) Clone() Handle[T] {
	h.e.rc.Add(1)
	return h
}

// Drop releases the handle's reference. When the last reference goes away
// the entry is removed from the pool, unless a concurrent Intern already
// replaced it.
func (h Handle[T]) Drop() {
	e := h.e
	if e == nil {
		return
	}
	if e.rc.Add(-1) == 0 {
		if e.pool.entries.CompareAndDelete(e.value, e) {
			e.pool.count.Add(-1)
		}
	}
}
