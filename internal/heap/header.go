// Copyright 2021 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"unsafe"

	"github.com/wang-zi-tao/mmmu/internal/graph"
)

// HeaderSize is the fixed object header footprint. The header sits
// immediately before the user region and keeps the user region aligned to
// ObjectMinAlign.
const HeaderSize = 16

// A header points back to the object's registered type and holds the GC
// index slot. backOff is the distance from the raw allocation base to the
// header, nonzero only for layouts over-aligned beyond ObjectMinAlign.
type header struct {
	typeID  graph.NodeID
	backOff uint32
	gcIndex uint64
}

func headerOf(user uintptr) *header {
	return (*header)(unsafe.Pointer(user - HeaderSize))
}

// TypeIDOf reads the type index from the header of a heap object.
func TypeIDOf(user uintptr) graph.NodeID {
	return headerOf(user).typeID
}

// GCIndexOf reads the object's GC index slot.
func GCIndexOf(user uintptr) uint64 {
	return headerOf(user).gcIndex
}

// SetGCIndex writes the object's GC index slot.
func SetGCIndex(user uintptr, idx uint64) {
	headerOf(user).gcIndex = idx
}
