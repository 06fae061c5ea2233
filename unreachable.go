// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memunreachable

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/heapprobe/memunreachable/internal/arena"
	"github.com/heapprobe/memunreachable/internal/heapwalker"
	"github.com/heapprobe/memunreachable/internal/leakpipe"
	"github.com/heapprobe/memunreachable/internal/procmaps"
	"github.com/heapprobe/memunreachable/internal/threadcapture"
)

// walkChild is the body of the heap walker child process. It examines the
// copy-on-write snapshot using the state captured before the fork and
// streams results to the parent, then exits. It must stay on the forking
// thread.
func (d *Detector) walkChild(pid int, a *arena.Arena, pipe *leakpipe.Pipe,
	threads []threadcapture.ThreadInfo, mappings []procmaps.Mapping, limit int) {
	scope := disableMalloc(d.allocator)
	defer scope.release()

	sender, err := pipe.OpenSender()
	if err != nil {
		level.Error(d.logger).Log("msg", "opening pipe sender failed", "err", err)
		unix.Exit(childCaptureFailed)
	}

	c := newCollection(pid, d.logger, d.allocator, a)
	if err := c.collectAllocations(threads, mappings); err != nil {
		level.Error(d.logger).Log("msg", "collecting allocations failed", "err", err)
		unix.Exit(childCollectFailed)
	}
	numAllocations := uint64(c.walker.Allocations())
	allocationBytes := uint64(c.walker.AllocationBytes())

	leaks, numLeaks, leakBytes, err := c.unreachable(limit)
	if err != nil {
		level.Error(d.logger).Log("msg", "sweep failed", "err", err)
		unix.Exit(childCollectFailed)
	}

	err = firstErr(
		leakpipe.Send(sender, &numAllocations),
		leakpipe.Send(sender, &allocationBytes),
		leakpipe.Send(sender, &numLeaks),
		leakpipe.Send(sender, &leakBytes),
		leakpipe.SendVector(sender, leaks),
	)
	if err != nil {
		unix.Exit(childPipeFailed)
	}
	sender.Close()
	unix.Exit(childOK)
}

// collection drives the heap walker over one captured snapshot.
type collection struct {
	pid       int
	logger    log.Logger
	allocator Allocator
	arena     *arena.Arena
	walker    *heapwalker.Walker
}

func newCollection(pid int, logger log.Logger, allocator Allocator, a *arena.Arena) *collection {
	return &collection{
		pid:       pid,
		logger:    logger,
		allocator: allocator,
		arena:     a,
		walker:    heapwalker.New(logger, a),
	}
}

// collectAllocations seeds the walker: allocator enumeration over heap
// mappings and whole-range expansion of anonymous mappings become
// allocations; globals, captured stacks and register files become roots.
func (c *collection) collectAllocations(threads []threadcapture.ThreadInfo,
	mappings []procmaps.Mapping) error {
	level.Info(c.logger).Log("msg", "searching process for allocations", "pid", c.pid)

	heap, anon, globals, stacks := classifyMappings(c.arena, mappings)

	for _, m := range heap {
		level.Debug(c.logger).Log("msg", "heap mapping", "begin", m.Begin, "end", m.End, "name", m.Name)
		if c.allocator == nil {
			continue
		}
		err := c.allocator.Enumerate(m.Begin, m.End, func(base, size uintptr) {
			c.walker.Allocation(base, base+size)
		})
		if err != nil {
			return err
		}
	}
	for _, m := range anon {
		level.Debug(c.logger).Log("msg", "anon mapping", "begin", m.Begin, "end", m.End, "name", m.Name)
		c.walker.Allocation(m.Begin, m.End)
	}
	for _, m := range globals {
		level.Debug(c.logger).Log("msg", "globals mapping", "begin", m.Begin, "end", m.End, "name", m.Name)
		c.walker.Root(m.Begin, m.End)
	}
	for _, t := range threads {
		for _, m := range stacks {
			if t.StackTop >= m.Begin && t.StackTop <= m.End {
				level.Debug(c.logger).Log("msg", "stack", "top", t.StackTop, "end", m.End, "tid", t.TID)
				c.walker.Root(t.StackTop, m.End)
			}
		}
		c.walker.RootRegs(t.Regs)
	}

	level.Info(c.logger).Log("msg", "searching done")
	return nil
}

// unreachable marks and sweeps, then captures the leading bytes of every
// reported leak.
func (c *collection) unreachable(limit int) (leaks []Leak, numLeaks, leakBytes uint64, err error) {
	level.Info(c.logger).Log("msg", "sweeping process for unreachable memory", "pid", c.pid)

	ranges, n, bytes, err := c.walker.Leaked(limit)
	if err != nil {
		return nil, 0, 0, err
	}

	leaks = arena.MakeSlice[Leak](c.arena, 0, len(ranges))
	for _, r := range ranges {
		leak := Leak{Begin: r.Begin, Size: r.End - r.Begin}
		contents := leak.Size
		if contents > ContentsLen {
			contents = ContentsLen
		}
		c.walker.ReadContents(r.Begin, leak.Contents[:contents])
		leaks = arena.Append(c.arena, leaks, leak)
	}

	level.Info(c.logger).Log("msg", "sweeping done")
	return leaks, uint64(n), uint64(bytes), nil
}

// classifyMappings partitions the mapping list. Writable data mappings of a
// shared object share its pathname and follow its executable mapping, so
// the most recent executable mapping's name identifies library .data and
// .rodata. Named anonymous mappings other than the detector's own arena
// cannot be told apart from named .bss or .data and are scanned as globals
// rather than treated as possible leaks; nothing is ever classified into
// the anon list, but the expansion of whatever lands there is kept.
func classifyMappings(a *arena.Arena, mappings []procmaps.Mapping) (heap, anon, globals, stacks []procmaps.Mapping) {
	currentLib := ""
	for _, m := range mappings {
		if m.Execute {
			currentLib = m.Name
			continue
		}
		if !m.Read {
			continue
		}
		switch {
		case m.Name == "[anon:.bss]":
			// named .bss section
			globals = arena.Append(a, globals, m)
		case m.Name == currentLib:
			// .rodata or .data section
			globals = arena.Append(a, globals, m)
		case m.Name == "[anon:libc_malloc]":
			// named malloc mapping
			heap = arena.Append(a, heap, m)
		case strings.HasPrefix(m.Name, "/dev/ashmem/dalvik"):
			// named managed-runtime heap mapping
			globals = arena.Append(a, globals, m)
		case strings.HasPrefix(m.Name, "[stack"):
			// named stack mapping
			stacks = arena.Append(a, stacks, m)
		case m.Name == "":
			globals = arena.Append(a, globals, m)
		case strings.HasPrefix(m.Name, "[anon:") && m.Name != "[anon:leak_detector_malloc]":
			globals = arena.Append(a, globals, m)
		}
	}
	return heap, anon, globals, stacks
}
