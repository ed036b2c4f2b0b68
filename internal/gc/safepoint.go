// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wang-zi-tao/mmmu/internal/task"
)

// ErrSignalDelivery reports a mutator the safepoint could not stop.
var ErrSignalDelivery = errors.New("gc: safepoint signal delivery failed")

// The rendezvous state is deliberately package-level: the poll path has
// no other way to reach it, the same way a signal handler cannot carry a
// context argument. Everything else in this package hangs off explicit
// values.
var (
	armed        atomic.Bool
	currentEpoch atomic.Uint64
	stackScanner atomic.Pointer[scannerSlot]
	arrived      = make(chan uint64, 1024) // permits, tagged with their epoch
)

type scannerSlot struct {
	scan func(*task.Task)
}

// Poll is the mutator side of the rendezvous. Mutators call it on
// allocation slow paths and loop back-edges; the stop signal kicks tasks
// out of blocking syscalls so their retry loops reach Poll. The body is
// cheap when disarmed: one atomic load.
//
// When armed, the task runs the published stack scanner against itself
// exactly once per rendezvous, then posts one permit.
func Poll(t *task.Task) {
	if !armed.Load() {
		return
	}
	if t == nil || !t.SafePointEnabled() {
		return
	}
	ep := currentEpoch.Load()
	if !t.Arrive(ep) {
		return
	}
	if s := stackScanner.Load(); s != nil && s.scan != nil {
		s.scan(t)
	}
	arrived <- ep
}

// A Trigger arms the safepoint and waits for every registered mutator to
// arrive. One rendezvous at a time.
type Trigger struct {
	mu    sync.Mutex
	tasks *task.Set
}

// NewTrigger returns a trigger over the task table.
func NewTrigger(tasks *task.Set) *Trigger {
	return &Trigger{tasks: tasks}
}

// StopTheWorld publishes scan, arms the safepoint, signals every
// registered task with safepoints enabled, and waits for exactly as many
// permits as such tasks were registered at arm time. It reports how many
// tasks arrived.
//
// On cancellation the epoch tag keeps the permit count consistent: late
// permits from this rendezvous carry a stale epoch and are discarded by
// the next wait loop.
func (tr *Trigger) StopTheWorld(ctx context.Context, scan func(*task.Task)) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	snapshot := tr.tasks.Snapshot()
	active := snapshot[:0]
	for _, t := range snapshot {
		if t.SafePointEnabled() {
			active = append(active, t)
		}
	}
	// A cycle with no mutators never enters the safepoint wait.
	if len(active) == 0 {
		return 0, nil
	}

	stackScanner.Store(&scannerSlot{scan: scan})
	ep := currentEpoch.Add(1)
	armed.Store(true)
	defer armed.Store(false)

	pid := unix.Getpid()
	for _, t := range active {
		// SIGURG: the one signal the runtime already delivers spuriously
		// for its own preemption, so extra deliveries are tolerated, and
		// it still interrupts blocking syscalls.
		if err := unix.Tgkill(pid, t.TID(), unix.SIGURG); err != nil && err != unix.ESRCH {
			return 0, errors.Wrapf(ErrSignalDelivery, "task %d tid %d: %v", t.ID(), t.TID(), err)
		}
	}

	got := 0
	for got < len(active) {
		select {
		case e := <-arrived:
			if e == ep {
				got++
			}
			// Stale permits from an aborted rendezvous drain here.
		case <-ctx.Done():
			return got, errors.Wrap(ctx.Err(), "gc: safepoint wait aborted")
		}
	}
	return got, nil
}
