// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"sync"
	"testing"
)

func TestInternIdentity(t *testing.T) {
	p := NewStrings()
	a, err := p.Intern("abc中文")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	b, err := p.Intern("abc中文")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	c, err := p.Intern("abc中文")
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if a != b || b != c {
		t.Errorf("handles for equal values differ: %v %v %v", a, b, c)
	}
	if a.Hash() != b.Hash() {
		t.Errorf("cached hashes differ: %#x vs %#x", a.Hash(), b.Hash())
	}
	d, _ := p.Intern("something else")
	if d == a {
		t.Errorf("handles for distinct values compare equal")
	}
	d.Drop()

	a.Drop()
	b.Drop()
	if got := p.Len(); got != 1 {
		t.Errorf("after dropping two of three handles, Len() = %d, want 1", got)
	}
	c.Drop()
	if got := p.Len(); got != 0 {
		t.Errorf("after dropping the last handle, Len() = %d, want 0", got)
	}
}

func TestDropThenRevive(t *testing.T) {
	p := NewStrings()
	a, _ := p.Intern("x")
	a.Drop()
	b, _ := p.Intern("x")
	if !b.Valid() {
		t.Fatalf("revived handle invalid")
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	b.Drop()
}

func TestLimited(t *testing.T) {
	p := NewLimited(bkdrString, 2)
	a, _ := p.Intern("a")
	b, _ := p.Intern("b")
	if _, err := p.Intern("c"); err == nil {
		t.Errorf("intern beyond limit succeeded")
	}
	// Interning a live value must still succeed at the limit.
	a2, err := p.Intern("a")
	if err != nil {
		t.Errorf("re-intern of live value failed: %v", err)
	}
	a2.Drop()
	a.Drop()
	b.Drop()
}

func TestInternConcurrent(t *testing.T) {
	p := NewStrings()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				h, err := p.Intern(fmt.Sprintf("value-%d", j%17))
				if err != nil {
					t.Errorf("intern: %v", err)
					return
				}
				h.Drop()
			}
		}()
	}
	wg.Wait()
	if got := p.Len(); got != 0 {
		t.Errorf("after dropping everything, Len() = %d, want 0", got)
	}
}

func TestBKDR(t *testing.T) {
	if bkdrString("") != 0 {
		t.Errorf("hash of empty string = %#x, want 0", bkdrString(""))
	}
	if bkdrString("ab") != 'a'*131+'b' {
		t.Errorf("hash of %q = %#x", "ab", bkdrString("ab"))
	}
	if bkdrString("ab") != BKDRBytes([]byte("ab")) {
		t.Errorf("string and byte hashes disagree")
	}
}
