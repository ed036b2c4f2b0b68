// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import "testing"

func TestRegisterUnregister(t *testing.T) {
	s := NewSet()
	tk, unpin := s.Pin()
	if tk.TID() == 0 {
		t.Errorf("task has no thread id")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if got := s.Snapshot(); len(got) != 1 || got[0] != tk {
		t.Fatalf("Snapshot() = %v", got)
	}
	unpin()
	if s.Len() != 0 {
		t.Fatalf("Len() after unpin = %d, want 0", s.Len())
	}
}

func TestRootScope(t *testing.T) {
	s := NewSet()
	tk := s.Register()
	defer s.Unregister(tk.ID())
	tk.PushRoot(0x10)
	tk.PushRoot(0x20)
	if got := tk.Roots(); len(got) != 2 || got[0] != 0x10 || got[1] != 0x20 {
		t.Fatalf("Roots() = %#v", got)
	}
	tk.PopRoot()
	if got := tk.Roots(); len(got) != 1 || got[0] != 0x10 {
		t.Fatalf("Roots() after pop = %#v", got)
	}
	tk.SetRoots([]uintptr{0x30})
	if got := tk.Roots(); len(got) != 1 || got[0] != 0x30 {
		t.Fatalf("Roots() after set = %#v", got)
	}
}

func TestArriveOncePerEpoch(t *testing.T) {
	s := NewSet()
	tk := s.Register()
	defer s.Unregister(tk.ID())
	if !tk.Arrive(1) {
		t.Fatalf("first arrival refused")
	}
	if tk.Arrive(1) {
		t.Fatalf("second arrival at the same epoch accepted")
	}
	if !tk.Arrive(2) {
		t.Fatalf("arrival at the next epoch refused")
	}
	if tk.Arrive(1) {
		t.Fatalf("arrival at a stale epoch accepted")
	}
}
