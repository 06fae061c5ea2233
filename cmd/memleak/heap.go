// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// trackedHeap is a toy malloc for demonstration: one anonymous slab named
// [anon:libc_malloc] so the mapping classifier treats it as a heap
// mapping, plus a block list to answer Enumerate. It never frees.
type trackedHeap struct {
	mu     sync.Mutex
	slab   []byte
	off    uintptr
	blocks map[uintptr]uintptr // base -> size
}

const slabSize = 1 << 20

func newTrackedHeap() (*trackedHeap, error) {
	slab, err := unix.Mmap(-1, 0, slabSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("tracked heap: mmap: %v", err)
	}
	if name, err := unix.BytePtrFromString("libc_malloc"); err == nil {
		// Shows up as [anon:libc_malloc]; without the name the slab would
		// classify as an unnamed global and be scanned as a root instead.
		unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME,
			uintptr(unsafe.Pointer(&slab[0])), uintptr(len(slab)),
			uintptr(unsafe.Pointer(name)))
	}
	return &trackedHeap{slab: slab, blocks: make(map[uintptr]uintptr)}, nil
}

func (h *trackedHeap) Malloc(size uintptr) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	off := (h.off + 15) &^ 15
	if off+size > uintptr(len(h.slab)) {
		return 0, fmt.Errorf("tracked heap: out of memory")
	}
	h.off = off + size
	base := uintptr(unsafe.Pointer(&h.slab[off]))
	h.blocks[base] = size
	return base, nil
}

func (h *trackedHeap) Disable() { h.mu.Lock() }
func (h *trackedHeap) Enable()  { h.mu.Unlock() }

func (h *trackedHeap) Enumerate(begin, end uintptr, fn func(base, size uintptr)) error {
	for base, size := range h.blocks {
		if base >= begin && base < end {
			fn(base, size)
		}
	}
	return nil
}
