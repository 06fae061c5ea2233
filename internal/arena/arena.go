// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arena provides a slab allocator backed directly by anonymous
// memory mappings. It serves all temporary containers built during a
// collection, when the process allocator may be frozen and must not be
// entered. Slabs are named [anon:leak_detector_malloc] so the mapping
// classifier can exclude them from the scan.
package arena

import (
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// vmaName is the name attached to arena mappings. The classifier drops
// mappings with this name so the arena is neither a root nor an allocation.
const vmaName = "leak_detector_malloc"

const (
	slabSize = 2 << 20
	pageSize = 4096
)

// An Arena is a thread-safe bump allocator. Memory is reclaimed wholesale
// by Release; individual allocations are never freed.
type Arena struct {
	logger log.Logger

	mu    sync.Mutex
	slabs [][]byte
	off   uintptr // offset of the next free byte in the last slab
}

func New(logger log.Logger) *Arena {
	return &Arena{logger: logger}
}

// Alloc returns size bytes aligned to align. align must be a power of two.
// The returned memory is zeroed.
func (a *Arena) Alloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.slabs) > 0 {
		slab := a.slabs[len(a.slabs)-1]
		off := (a.off + align - 1) &^ (align - 1)
		if off+size <= uintptr(len(slab)) {
			a.off = off + size
			return unsafe.Pointer(&slab[off])
		}
	}

	n := uintptr(slabSize)
	if size+align > n {
		n = (size + align + pageSize - 1) &^ (pageSize - 1)
	}
	slab, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		level.Error(a.logger).Log("msg", "arena mmap failed", "bytes", n, "err", err)
		return nil
	}
	nameSlab(slab)
	a.slabs = append(a.slabs, slab)

	base := uintptr(unsafe.Pointer(&slab[0]))
	off := ((base+align-1)&^(align-1) - base)
	a.off = off + size
	return unsafe.Pointer(&slab[off])
}

// Release unmaps every slab. The arena is empty and reusable afterwards.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, slab := range a.slabs {
		if err := unix.Munmap(slab); err != nil {
			level.Error(a.logger).Log("msg", "arena munmap failed", "err", err)
		}
	}
	a.slabs = nil
	a.off = 0
}

// Bytes returns a zeroed byte slice of length n drawn from the arena.
// The slice is pointer-aligned so it can be scanned word-wise.
func (a *Arena) Bytes(n int) []byte {
	p := a.Alloc(uintptr(n), unsafe.Alignof(uintptr(0)))
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

// nameSlab attaches vmaName to the mapping. Not all kernels support
// PR_SET_VMA_ANON_NAME, so failures are ignored.
func nameSlab(slab []byte) {
	name, err := unix.BytePtrFromString(vmaName)
	if err != nil {
		return
	}
	unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME,
		uintptr(unsafe.Pointer(&slab[0])), uintptr(len(slab)),
		uintptr(unsafe.Pointer(name)))
}

// Value allocates a zeroed T. This is the per-type adapter used by the
// collection's containers; any element type may be bound to the same arena.
func Value[T any](a *Arena) *T {
	var zero T
	return (*T)(a.Alloc(unsafe.Sizeof(zero), unsafe.Alignof(zero)))
}

// MakeSlice allocates a slice of T with the given length and capacity.
func MakeSlice[T any](a *Arena, length, capacity int) []T {
	if capacity == 0 {
		return nil
	}
	var zero T
	p := a.Alloc(unsafe.Sizeof(zero)*uintptr(capacity), unsafe.Alignof(zero))
	return unsafe.Slice((*T)(p), capacity)[:length]
}

// Append appends vs to s, growing s inside the arena when needed.
func Append[T any](a *Arena, s []T, vs ...T) []T {
	need := len(s) + len(vs)
	if need > cap(s) {
		capacity := cap(s) * 2
		if capacity < need {
			capacity = need
		}
		if capacity < 8 {
			capacity = 8
		}
		grown := MakeSlice[T](a, len(s), capacity)
		copy(grown, s)
		s = grown
	}
	s = s[:need]
	copy(s[need-len(vs):], vs)
	return s
}
