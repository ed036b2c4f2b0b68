// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gc drives the selective collection cycle: plan, stop the
// world, scan roots, mark, sweep. The collector reclaims only the types
// its planner picked, so a cycle never walks the whole heap.
package gc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wang-zi-tao/mmmu/internal/heap"
	"github.com/wang-zi-tao/mmmu/internal/task"
	"github.com/wang-zi-tao/mmmu/internal/typeset"
)

// ErrGCAborted reports a tracker veto or an unrecoverable cycle error.
// The controller transitions to Broken and the VM must terminate.
var ErrGCAborted = errors.New("gc: cycle aborted")

// A State is the controller's phase.
type State int32

const (
	StateIdle State = iota
	StatePlanning
	StateMarking
	StateSweeping
	StateBroken
)

func (s State) String() string {
	return [...]string{"Idle", "Planning", "Marking", "Sweeping", "Broken"}[s]
}

// A Tracker observes collection cycles. A non-nil error from OnGC or
// OnPlan vetoes the cycle.
type Tracker interface {
	OnGC() error
	OnPlan(*Plan) error
	OnFinish(freed uint64)
}

// Config carries the collector tunables.
type Config struct {
	RecycleTypeCount int
	WalkStepCount    int
	HistoryWeight    float64
	Seed             int64
}

// Defaulted fills zero fields with the package defaults.
func (c Config) Defaulted() Config {
	if c.RecycleTypeCount == 0 {
		c.RecycleTypeCount = DefaultRecycleTypeCount
	}
	if c.WalkStepCount == 0 {
		c.WalkStepCount = DefaultWalkStepCount
	}
	if c.HistoryWeight == 0 {
		c.HistoryWeight = DefaultHistoryWeight
	}
	return c
}

// A Controller coordinates the planner, safepoint trigger, root scanner
// and cleaner into whole cycles. One controller per VM.
type Controller struct {
	cfg     Config
	reg     *typeset.Registry
	heap    *heap.Heap
	tasks   *task.Set
	trigger *Trigger
	planner *Planner
	scanner *RootScanner
	cleaner *Cleaner

	mu       sync.Mutex // the GC lock: one cycle at a time
	state    atomic.Int32
	trackers []Tracker
	globals  []func() []uintptr

	reqCh chan chan error
}

// NewController wires a controller over the VM's parts.
func NewController(reg *typeset.Registry, h *heap.Heap, tasks *task.Set, cfg Config) *Controller {
	cfg = cfg.Defaulted()
	return &Controller{
		cfg:     cfg,
		reg:     reg,
		heap:    h,
		tasks:   tasks,
		trigger: NewTrigger(tasks),
		planner: NewPlanner(reg, cfg),
		scanner: NewRootScanner(h),
		cleaner: NewCleaner(h),
		reqCh:   make(chan chan error, 16),
	}
}

// State returns the controller's phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// AddTracker registers a cycle observer.
func (c *Controller) AddTracker(t Tracker) {
	c.mu.Lock()
	c.trackers = append(c.trackers, t)
	c.mu.Unlock()
}

// AddGlobalRoots registers a provider of globally rooted objects (pool
// tables, class-graph metadata); queried once per cycle after the stacks
// are scanned.
func (c *Controller) AddGlobalRoots(f func() []uintptr) {
	c.mu.Lock()
	c.globals = append(c.globals, f)
	c.mu.Unlock()
}

// RequestGC hints that a cycle would be worthwhile. Never blocks.
func (c *Controller) RequestGC() {
	select {
	case c.reqCh <- nil:
	default:
	}
}

// ForceGC blocks until one full cycle completes (or fails).
func (c *Controller) ForceGC(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case c.reqCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves collection requests until ctx is cancelled. It is the
// collector's dedicated loop; mutators only ever touch reqCh.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case done := <-c.reqCh:
			err := c.Collect(ctx)
			if done != nil {
				done <- err
			}
			if err != nil && c.State() == StateBroken {
				glog.Errorf("gc: controller broken: %v", err)
				return
			}
		}
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Collect runs one cycle under the GC lock.
func (c *Controller) Collect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateBroken {
		return errors.Wrap(ErrGCAborted, "controller is broken")
	}
	err := c.cycle(ctx)
	switch {
	case err == nil:
		c.setState(StateIdle)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// A cancelled cycle is not fatal; the safepoint permits were
		// drained by epoch tagging and the next cycle starts clean.
		c.setState(StateIdle)
	default:
		c.setState(StateBroken)
	}
	return err
}

func (c *Controller) cycle(ctx context.Context) error {
	glog.V(1).Info("gc: cycle start")
	for _, tr := range c.trackers {
		if err := tr.OnGC(); err != nil {
			return errors.Wrapf(ErrGCAborted, "tracker veto: %v", err)
		}
	}

	c.setState(StatePlanning)
	plan := c.planner.MakePlan()
	for _, tr := range c.trackers {
		if err := tr.OnPlan(plan); err != nil {
			return errors.Wrapf(ErrGCAborted, "tracker plan veto: %v", err)
		}
	}
	if glog.V(2) {
		for _, t := range plan.CleanList() {
			glog.Infof("gc: plan clean %s (live %d, rate %.3f)", t.Name(), t.Stats().Live(), t.Stats().LiveRate())
		}
	}
	if len(plan.CleanTypes) == 0 {
		glog.V(1).Info("gc: nothing to collect")
		for _, tr := range c.trackers {
			tr.OnFinish(0)
		}
		return nil
	}

	c.setState(StateMarking)
	// No mark survives across cycles.
	c.heap.Marks().Reset()

	var rootMu sync.Mutex
	var roots []uintptr
	n, err := c.trigger.StopTheWorld(ctx, func(t *task.Task) {
		rs := t.Roots()
		rootMu.Lock()
		roots = append(roots, rs...)
		rootMu.Unlock()
	})
	if err != nil {
		return errors.Wrap(err, "gc: safepoint")
	}
	glog.V(1).Infof("gc: %d tasks reached the safepoint", n)

	for _, f := range c.globals {
		roots = append(roots, f()...)
	}
	// The root-scan/sweep handoff is synchronous, so mark-set writes
	// happen-before the cleaner reads the same bits.
	if err := c.scanner.Scan(ctx, plan, roots); err != nil {
		return errors.Wrap(err, "gc: root scan")
	}

	c.setState(StateSweeping)
	freed, err := c.cleaner.Clean(ctx, plan, c.cfg.HistoryWeight)
	if err != nil {
		return errors.Wrap(err, "gc: sweep")
	}
	glog.V(1).Infof("gc: cycle done, freed %d objects across %d types", freed, len(plan.CleanTypes))
	for _, tr := range c.trackers {
		tr.OnFinish(freed)
	}
	return nil
}
