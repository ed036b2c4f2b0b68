// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"

	"github.com/golang/glog"

	"github.com/wang-zi-tao/mmmu/internal/heap"
	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

// A RootScanner discovers live objects: it marks every root whose type is
// in the plan's scan set and transitively follows reference fields into
// other scan types. Embedded sub-objects share their container's storage
// and are never marked on their own; their pointer fields were flattened
// into the container's scan list at registration.
type RootScanner struct {
	heap *heap.Heap
}

// NewRootScanner returns a scanner over h.
func NewRootScanner(h *heap.Heap) *RootScanner {
	return &RootScanner{heap: h}
}

// Scan marks everything reachable from roots through scan-type objects.
// roots are user pointers recorded by the safepoint stack scan and the
// global root providers.
func (s *RootScanner) Scan(ctx context.Context, plan *Plan, roots []uintptr) error {
	marks := s.heap.Marks()

	// Queue of marked objects whose fields still need walking.
	var q []uintptr
	marked := 0

	// add admits a candidate pointer. want is the declared field target,
	// or nil for a raw root. Pointers that are not live objects of the
	// expected type are ignored; unions and enums may overlay garbage on
	// a pointer slot.
	add := func(p uintptr, want *typeset.RegisteredType) {
		if p == 0 {
			return
		}
		t := want
		if t == nil {
			if t = s.heap.TypeOf(p); t == nil {
				return
			}
		}
		if !plan.InScan(t) {
			return
		}
		if !s.heap.Contains(t, p) {
			return
		}
		if marks.IsMarked(p) {
			return
		}
		marks.Mark(p)
		marked++
		q = append(q, p)
	}

	for _, r := range roots {
		add(r, nil)
	}

	for len(q) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := q[len(q)-1]
		q = q[:len(q)-1]
		t := s.heap.TypeOf(p)
		if t == nil {
			continue
		}
		for _, rf := range t.Refs() {
			add(heap.LoadPtr(p+rf.Off), rf.Target)
		}
		if lay := t.Layout(); lay.Unsized() && len(t.TailRefs()) > 0 {
			n := s.heap.TailLen(t, p)
			base := p + lay.Size
			for i := uintptr(0); i < n; i++ {
				for _, rf := range t.TailRefs() {
					add(heap.LoadPtr(base+i*lay.FlexibleStride+rf.Off), rf.Target)
				}
			}
		}
	}
	glog.V(2).Infof("gc: root scan marked %d objects from %d roots", marked, len(roots))
	return nil
}
