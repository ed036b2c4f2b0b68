// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/wang-zi-tao/mmmu/internal/heap"
)

// A Cleaner frees the unmarked objects of every planned clean type and
// republishes the type statistics. One sub-task per type; storage goes
// straight back to the allocator (its size-classed freelists make a
// second per-type freelist redundant).
type Cleaner struct {
	heap *heap.Heap
}

// NewCleaner returns a cleaner over h.
func NewCleaner(h *heap.Heap) *Cleaner {
	return &Cleaner{heap: h}
}

// Clean sweeps the plan's clean types. It returns the number of objects
// freed across all of them.
func (c *Cleaner) Clean(ctx context.Context, plan *Plan, historyWeight float64) (uint64, error) {
	marks := c.heap.Marks()
	var freedTotal atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for ct := range plan.CleanTypes {
		ct := ct
		g.Go(func() error {
			var live, freed uint64
			for _, p := range c.heap.Objects(ct) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if marks.IsMarked(p) {
					live++
					continue
				}
				if fin := ct.Finalizer(); fin != nil {
					fin(unsafe.Pointer(p))
				}
				if err := c.heap.Free(ct, p); err != nil {
					return err
				}
				freed++
			}
			ct.Stats().SweepUpdate(live, live+freed, historyWeight)
			freedTotal.Add(freed)
			glog.V(2).Infof("gc: swept %s: %d live, %d freed", ct.Name(), live, freed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return freedTotal.Load(), err
	}
	return freedTotal.Load(), nil
}
