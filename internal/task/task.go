// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package task tracks mutator threads. A task is registered when a
// mutator thread starts, deregistered on exit, and owns a root scope the
// safepoint stack scan snapshots.
package task

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// An ID names a registered mutator.
type ID int64

// A Task is one mutator thread. The collector reads its root scope only
// during a safepoint.
type Task struct {
	id  ID
	tid int // OS thread id, target of the stop signal

	safePointEnabled atomic.Bool
	epoch            atomic.Uint64 // last safepoint this task arrived at

	mu    sync.Mutex
	roots []uintptr
}

// ID returns the task's id.
func (t *Task) ID() ID { return t.id }

// TID returns the OS thread id captured at registration.
func (t *Task) TID() int { return t.tid }

// SafePointEnabled reports whether the task participates in safepoints.
func (t *Task) SafePointEnabled() bool { return t.safePointEnabled.Load() }

// EnableSafePoint toggles safepoint participation. A task that disables
// safepoints must not hold heap references the collector cannot see.
func (t *Task) EnableSafePoint(on bool) { t.safePointEnabled.Store(on) }

// PushRoot records a heap pointer as live on this task's stack.
func (t *Task) PushRoot(p uintptr) {
	t.mu.Lock()
	t.roots = append(t.roots, p)
	t.mu.Unlock()
}

// PopRoot drops the most recent root.
func (t *Task) PopRoot() {
	t.mu.Lock()
	if n := len(t.roots); n > 0 {
		t.roots = t.roots[:n-1]
	}
	t.mu.Unlock()
}

// SetRoots replaces the whole scope.
func (t *Task) SetRoots(ps []uintptr) {
	t.mu.Lock()
	t.roots = append(t.roots[:0], ps...)
	t.mu.Unlock()
}

// Roots returns a snapshot of the scope.
func (t *Task) Roots() []uintptr {
	t.mu.Lock()
	out := make([]uintptr, len(t.roots))
	copy(out, t.roots)
	t.mu.Unlock()
	return out
}

// Arrive marks this task as having reached the safepoint of the given
// epoch. It returns false if the task already arrived there, so a task
// that polls twice inside one rendezvous posts only one permit.
func (t *Task) Arrive(epoch uint64) bool {
	for {
		old := t.epoch.Load()
		if old >= epoch {
			return false
		}
		if t.epoch.CompareAndSwap(old, epoch) {
			return true
		}
	}
}

// A Set is the VM's task table. Mutations are rare (thread start/exit);
// the collector snapshots it when arming a safepoint.
type Set struct {
	mu    sync.RWMutex
	tasks map[ID]*Task
	next  atomic.Int64
}

// NewSet returns an empty task table.
func NewSet() *Set {
	return &Set{tasks: make(map[ID]*Task)}
}

// Register makes the calling thread a mutator. The caller should have
// pinned itself with runtime.LockOSThread so the captured thread id stays
// meaningful for signal delivery.
func (s *Set) Register() *Task {
	t := &Task{
		id:  ID(s.next.Add(1)),
		tid: unix.Gettid(),
	}
	t.safePointEnabled.Store(true)
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()
	return t
}

// Unregister removes a task from the table.
func (s *Set) Unregister(id ID) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// Snapshot returns the registered tasks at this instant.
func (s *Set) Snapshot() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Len reports the number of registered tasks.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Pin locks the calling goroutine to its OS thread, registers it, and
// returns the task plus an unpin func undoing both.
func (s *Set) Pin() (*Task, func()) {
	runtime.LockOSThread()
	t := s.Register()
	return t, func() {
		s.Unregister(t.id)
		runtime.UnlockOSThread()
	}
}
