// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heapwalker holds the allocation index and performs the
// conservative mark/sweep over a quiescent memory image.
package heapwalker

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/btree"

	"github.com/heapprobe/memunreachable/internal/arena"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// A Range is a half-open byte range [Begin,End) in the target's address
// space.
type Range struct {
	Begin uintptr
	End   uintptr
}

func (r Range) size() uintptr { return r.End - r.Begin }

type allocation struct {
	begin      uintptr
	end        uintptr
	referenced bool
}

// Walker owns the allocation index: an interval store keyed by begin, with
// the invariant that no two intervals overlap.
type Walker struct {
	logger log.Logger
	arena  *arena.Arena

	allocations     *btree.BTreeG[*allocation]
	numAllocations  int
	allocationBytes uintptr
	// [low,high) covers every allocation; words outside it cannot be
	// references and are filtered before the index lookup.
	low  uintptr
	high uintptr

	roots []Range
}

func New(logger log.Logger, a *arena.Arena) *Walker {
	return &Walker{
		logger: logger,
		arena:  a,
		allocations: btree.NewG[*allocation](16, func(a, b *allocation) bool {
			return a.begin < b.begin
		}),
		low:  ^uintptr(0),
		high: 0,
	}
}

// Allocation inserts [begin,end) into the index. A region overlapping an
// existing allocation is reported and dropped; the allocator's enumeration
// is authoritative over the anon-mapping expansion, so the first insert
// wins. Zero-length allocations are widened to one byte so that pointers
// to them still mark.
func (w *Walker) Allocation(begin, end uintptr) bool {
	if begin > end {
		level.Error(w.logger).Log("msg", "invalid allocation", "begin", begin, "end", end)
		return false
	}
	if begin == end {
		end = begin + 1
	}

	var conflict *allocation
	w.allocations.DescendLessOrEqual(&allocation{begin: begin}, func(a *allocation) bool {
		conflict = a
		return false
	})
	if conflict != nil && conflict.end > begin {
		w.reportOverlap(begin, end, conflict)
		return false
	}
	conflict = nil
	w.allocations.AscendGreaterOrEqual(&allocation{begin: begin}, func(a *allocation) bool {
		conflict = a
		return false
	})
	if conflict != nil && conflict.begin < end {
		w.reportOverlap(begin, end, conflict)
		return false
	}

	node := arena.Value[allocation](w.arena)
	node.begin = begin
	node.end = end
	w.allocations.ReplaceOrInsert(node)
	w.numAllocations++
	w.allocationBytes += end - begin
	if begin < w.low {
		w.low = begin
	}
	if end > w.high {
		w.high = end
	}
	return true
}

func (w *Walker) reportOverlap(begin, end uintptr, existing *allocation) {
	level.Error(w.logger).Log("msg", "two allocations overlap",
		"begin", hex(begin), "end", hex(end),
		"existing_begin", hex(existing.begin), "existing_end", hex(existing.end))
}

// Root queues [begin,end) to be scanned as pointer-bearing memory.
func (w *Walker) Root(begin, end uintptr) {
	if begin >= end {
		return
	}
	w.roots = arena.Append(w.arena, w.roots, Range{begin, end})
}

// RootRegs queues a register file blob. The bytes are copied into arena
// storage first; the source may live on the capture thread's stack and be
// gone by the time the mark runs.
func (w *Walker) RootRegs(regs []byte) {
	if len(regs) == 0 {
		return
	}
	buf := w.arena.Bytes(len(regs))
	copy(buf, regs)
	begin := uintptr(unsafe.Pointer(&buf[0]))
	w.roots = arena.Append(w.arena, w.roots, Range{begin, begin + uintptr(len(buf))})
}

// Allocations returns the number of allocations in the index.
func (w *Walker) Allocations() int { return w.numAllocations }

// AllocationBytes returns the total size of all allocations in the index.
func (w *Walker) AllocationBytes() uintptr { return w.allocationBytes }

// Leaked marks everything reachable from the roots, then sweeps. It
// returns up to limit leaked ranges ordered by decreasing size, ties broken
// by ascending begin, along with the exact totals over all leaks
// regardless of truncation.
func (w *Walker) Leaked(limit int) (leaks []Range, numLeaks int, leakBytes uintptr, err error) {
	w.mark()

	var leaked []Range
	w.allocations.Ascend(func(a *allocation) bool {
		if !a.referenced {
			numLeaks++
			leakBytes += a.end - a.begin
			leaked = arena.Append(w.arena, leaked, Range{a.begin, a.end})
		}
		return true
	})

	sort.Slice(leaked, func(i, j int) bool {
		if leaked[i].size() != leaked[j].size() {
			return leaked[i].size() > leaked[j].size()
		}
		return leaked[i].Begin < leaked[j].Begin
	})
	if limit >= 0 && len(leaked) > limit {
		leaked = leaked[:limit]
	}
	return leaked, numLeaks, leakBytes, nil
}

// mark runs the conservative traversal. Each allocation can be enqueued at
// most once, so the queue always drains.
func (w *Walker) mark() {
	queue := arena.MakeSlice[Range](w.arena, 0, len(w.roots)+w.numAllocations)
	queue = arena.Append(w.arena, queue, w.roots...)

	buf := w.arena.Bytes(scanChunk)
	for len(queue) > 0 {
		r := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		queue = w.scanRange(r, queue, buf)
	}
}

const (
	scanChunk = 64 << 10
	pageSize  = 4096
)

// scanRange reads r chunk-wise and checks every word-aligned pointer-sized
// word against the allocation index. Interior pointers count: the lookup is
// "interval containing the value". Newly referenced allocations are pushed
// onto the queue.
func (w *Walker) scanRange(r Range, queue []Range, buf []byte) []Range {
	addr := (r.Begin + ptrSize - 1) &^ (ptrSize - 1)
	for addr+ptrSize <= r.End {
		want := r.End - addr
		if want > uintptr(len(buf)) {
			want = uintptr(len(buf))
		}
		n, err := readMemory(addr, buf[:want])
		for off := uintptr(0); off+ptrSize <= uintptr(n); off += ptrSize {
			v := *(*uintptr)(unsafe.Pointer(&buf[off]))
			if v < w.low || v >= w.high {
				continue
			}
			if a := w.find(v); a != nil && !a.referenced {
				a.referenced = true
				queue = arena.Append(w.arena, queue, Range{a.begin, a.end})
			}
		}
		if err != nil || uintptr(n) < want {
			// An unreadable page inside a mapped region; skip past it.
			level.Debug(w.logger).Log("msg", "short read during scan",
				"addr", hex(addr+uintptr(n)), "err", err)
			addr = (addr + uintptr(n) + pageSize) &^ (pageSize - 1)
			continue
		}
		addr += uintptr(n)
	}
	return queue
}

// find returns the allocation containing v, or nil.
func (w *Walker) find(v uintptr) *allocation {
	var found *allocation
	w.allocations.DescendLessOrEqual(&allocation{begin: v}, func(a *allocation) bool {
		found = a
		return false
	})
	if found != nil && v < found.end {
		return found
	}
	return nil
}

// ReadContents copies len(buf) bytes starting at begin into buf. If part of
// the region cannot be read the remainder of buf is zero-filled.
func (w *Walker) ReadContents(begin uintptr, buf []byte) {
	if len(buf) == 0 {
		return
	}
	n, _ := readMemory(begin, buf)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func hex(v uintptr) string {
	return fmt.Sprintf("%#x", v)
}
