// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wang-zi-tao/mmmu/internal/gc"
	"github.com/wang-zi-tao/mmmu/internal/isa"
	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

func newContext(t *testing.T) *Context {
	t.Helper()
	c := New(Config{GC: gc.Config{Seed: 1}})
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c
}

// Force a collection while live mutator tasks hold roots on their
// stacks: rooted objects survive, garbage goes.
func TestForceGCWithMutators(t *testing.T) {
	c := newContext(t)
	a, err := c.RegisterType("A", typeset.Layout{Size: 16, Align: 8, LengthOffset: -1}, nil)
	require.NoError(t, err)

	const nTasks = 4
	var stop atomic.Bool
	var wg sync.WaitGroup
	kept := make([]uintptr, nTasks)
	ready := make(chan struct{}, nTasks)
	for i := 0; i < nTasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, release := c.RegisterTask()
			defer release()
			p, err := c.Alloc(tk, a)
			if err != nil {
				t.Errorf("alloc: %v", err)
				return
			}
			kept[i] = p
			tk.PushRoot(p)
			// One garbage object per task.
			if _, err := c.Alloc(tk, a); err != nil {
				t.Errorf("alloc: %v", err)
				return
			}
			ready <- struct{}{}
			for !stop.Load() {
				gc.Poll(tk)
			}
		}(i)
	}
	for i := 0; i < nTasks; i++ {
		<-ready
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.ForceGC(ctx))

	stop.Store(true)
	wg.Wait()

	require.EqualValues(t, nTasks, a.Stats().Live())
	require.EqualValues(t, 2*nTasks, a.Stats().AllocCount())
	for _, p := range kept {
		require.True(t, c.Heap().Contains(a, p), "rooted object swept")
	}
}

func TestInstructionSet(t *testing.T) {
	c := newContext(t)
	s, err := c.RegisterUnsizedType("S",
		typeset.Layout{Size: 16, Align: 8, FlexibleStride: 1, LengthOffset: 8}, nil, nil)
	require.NoError(t, err)
	set := c.InstructionSet()

	p, err := set.AllocUnsized(c.Token(s), 32)
	require.NoError(t, err)
	require.Equal(t, p, set.Clone(p))
	require.Equal(t, p, set.Deref(p))
	set.Drop(p)
	require.True(t, c.Heap().Contains(s, p), "drop reclaimed a traced object")
	require.NoError(t, set.Free(c.Token(s), p))

	q, err := set.NonGCAlloc(c.Token(s))
	require.ErrorIs(t, err, typeset.ErrInvalidType, "NonGCAlloc of unsized must fail, got %#x", q)
	q, err = set.NonGCAllocUnsized(c.Token(s), 8)
	require.NoError(t, err)
	require.NoError(t, set.NonGCFree(c.Token(s), q))

	// A token no registration ever produced is a programming error.
	_, err = set.AllocSized(isa.TypeToken(9999))
	require.ErrorIs(t, err, typeset.ErrInvalidType)
}

func TestEdgeRateFeedback(t *testing.T) {
	c := newContext(t)
	b, _ := c.RegisterType("B", typeset.Layout{Size: 8, Align: 8, LengthOffset: -1}, nil)
	a, err := c.RegisterType("A", typeset.Layout{Size: 16, Align: 8, LengthOffset: -1}, typeset.Tuple(
		typeset.ShapeField{Off: 0, Shape: typeset.Ref(typeset.Direct(b))},
	))
	require.NoError(t, err)

	gd := c.Registry().RefGraph().Read()
	st := gd.Out(a.ID())[b.ID()]
	gd.Release()
	require.NotNil(t, st)
	require.EqualValues(t, 1.0, st.Rate())

	for i := 0; i < 50; i++ {
		c.OnEdgeRemove(a, b)
	}
	require.Less(t, st.Rate(), 0.1)
	for i := 0; i < 50; i++ {
		c.OnEdgeAdd(a, b)
	}
	require.Greater(t, st.Rate(), 0.9)
}

func TestIntern(t *testing.T) {
	c := newContext(t)
	h1, err := c.Intern("print")
	require.NoError(t, err)
	h2, err := c.Intern("print")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	h1.Drop()
	h2.Drop()
}

func TestRequestGCIsHint(t *testing.T) {
	c := newContext(t)
	// Never blocks, even when hammered.
	for i := 0; i < 100; i++ {
		c.RequestGC()
	}
}
