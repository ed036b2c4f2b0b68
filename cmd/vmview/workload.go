// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"text/tabwriter"
	"time"

	"golang.org/x/exp/slices"

	"github.com/wang-zi-tao/mmmu/internal/heap"
	"github.com/wang-zi-tao/mmmu/internal/typeset"
	"github.com/wang-zi-tao/mmmu/internal/vm"
)

// A workload is a VM populated with a chain of reference-linked types:
// node<i> holds one pointer slot aimed at node<i-1>, node00 is a leaf.
// A third of each type's objects stay rooted; the other two thirds are
// unrooted garbage for the collector to find, and half of those point
// into the previous type.
type workload struct {
	ctx   *vm.Context
	types []*typeset.RegisteredType
	roots []uintptr
}

func buildWorkload(nTypes, nObjects int, seed int64) (*workload, error) {
	if nTypes < 2 {
		return nil, fail("need at least 2 types, have %d", nTypes)
	}
	w := &workload{ctx: newVM(seed)}
	w.ctx.Start()

	for i := 0; i < nTypes; i++ {
		name := fmt.Sprintf("node%02d", i)
		var shape *typeset.Shape
		if i > 0 {
			target := w.types[i-1]
			shape = typeset.Tuple(typeset.ShapeField{Off: 0, Shape: typeset.Ref(typeset.Direct(target))})
		}
		t, err := w.ctx.RegisterType(name, typeset.Layout{Size: 32, Align: 8, LengthOffset: -1}, shape)
		if err != nil {
			w.ctx.Close()
			return nil, err
		}
		w.types = append(w.types, t)
	}

	rng := rand.New(rand.NewSource(seed))
	prev := make([]uintptr, 0, nObjects)
	for i, t := range w.types {
		cur := make([]uintptr, 0, nObjects)
		for j := 0; j < nObjects; j++ {
			p, err := w.ctx.Alloc(nil, t)
			if err != nil {
				w.ctx.Close()
				return nil, err
			}
			cur = append(cur, p)
			switch j % 3 {
			case 0:
				w.roots = append(w.roots, p)
			case 1:
				if i > 0 && len(prev) > 0 {
					// Link from this unrooted object into the
					// previous type, exercising the reference edge.
					heap.StorePtr(p, prev[rng.Intn(len(prev))])
					w.ctx.OnEdgeAdd(t, w.types[i-1])
				}
			}
		}
		prev = cur
	}
	w.ctx.GC().AddGlobalRoots(func() []uintptr { return w.roots })
	return w, nil
}

func (w *workload) close() {
	w.ctx.Close()
}

func overview(out io.Writer, w *workload) error {
	reg := w.ctx.Registry()
	var live, allocs, small, large uint64
	for _, t := range reg.Types() {
		s := t.Stats()
		live += s.Live()
		allocs += s.AllocCount()
		sm, lg := s.HeapSizes()
		small += sm
		large += lg
	}
	tw := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "types\t%d\n", reg.Len())
	fmt.Fprintf(tw, "allocations\t%d\n", allocs)
	fmt.Fprintf(tw, "live (last sweep)\t%d\n", live)
	fmt.Fprintf(tw, "small heap\t%d bytes\n", small)
	fmt.Fprintf(tw, "large heap\t%d bytes\n", large)
	fmt.Fprintf(tw, "gc state\t%s\n", w.ctx.GC().State())
	return tw.Flush()
}

func histogram(out io.Writer, w *workload) error {
	types := w.ctx.Registry().Types()
	slices.SortFunc(types, func(a, b *typeset.RegisteredType) int {
		sa, _ := a.Stats().HeapSizes()
		sb, _ := b.Stats().HeapSizes()
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	tw := tabwriter.NewWriter(out, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n", "type", "allocs", "live", "live-rate", "bytes", "walks")
	for _, t := range types {
		s := t.Stats()
		small, big := s.HeapSizes()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.3f\t%d\t%d\t\n",
			t.Name(), s.AllocCount(), s.Live(), s.LiveRate(), small+big, s.WalkCount())
	}
	return tw.Flush()
}

func typeGraphDot(out io.Writer, w *workload) error {
	reg := w.ctx.Registry()
	fmt.Fprintf(out, "digraph types {\n")
	gd := reg.RefGraph().Read()
	for _, t := range reg.Types() {
		for toID, st := range gd.Out(t.ID()) {
			to := reg.ByID(toID)
			fmt.Fprintf(out, "  %q -> %q [label=\"%.2f\"];\n", t.Name(), to.Name(), st.Rate())
		}
	}
	gd.Release()
	ed := reg.EmbedGraph().Read()
	for _, t := range reg.Types() {
		for toID := range ed.Out(t.ID()) {
			fmt.Fprintf(out, "  %q -> %q [style=dashed];\n", t.Name(), reg.ByID(toID).Name())
		}
	}
	ed.Release()
	fmt.Fprintf(out, "}\n")
	return nil
}

func runCycles(out io.Writer, w *workload, cycles int) error {
	for i := 0; i < cycles; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := w.ctx.ForceGC(ctx)
		cancel()
		if err != nil {
			return err
		}
		var live uint64
		for _, t := range w.ctx.Registry().Types() {
			live += t.Stats().Live()
		}
		fmt.Fprintf(out, "cycle %d: state %s, %d live objects\n", i+1, w.ctx.GC().State(), live)
	}
	return histogram(out, w)
}
