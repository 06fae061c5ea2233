// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memunreachable finds heap allocations that are not transitively
// reachable from any live root (CPU registers, thread stacks, mapped
// globals) of the calling process. It is a debugging probe: leaks are
// reported, never reclaimed.
//
// A collection freezes the process allocator, pauses every sibling thread
// through ptrace, snapshots registers, stacks and memory mappings, then
// forks. The child inherits a consistent copy-on-write image of the frozen
// process and runs a conservative mark/sweep against it while the parent's
// threads resume; results come back over a pipe.
package memunreachable

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/heapprobe/memunreachable/internal/arena"
	"github.com/heapprobe/memunreachable/internal/leakpipe"
	"github.com/heapprobe/memunreachable/internal/procmaps"
	"github.com/heapprobe/memunreachable/internal/sem"
	"github.com/heapprobe/memunreachable/internal/threadcapture"
)

// ContentsLen is the number of leading bytes captured from each reported
// leak.
const ContentsLen = 32

// DefaultLimit is the leak report ceiling used when the caller passes a
// non-positive limit.
const DefaultLimit = 100

// DefaultCaptureTimeout bounds the wait for the capture thread's hand-off.
const DefaultCaptureTimeout = 100 * time.Second

// A Leak describes one unreachable allocation.
type Leak struct {
	Begin    uintptr
	Size     uintptr
	Contents [ContentsLen]byte
}

// UnreachableMemoryInfo is the result of one collection. NumLeaks and
// LeakBytes always cover every leak found, even when Leaks was truncated
// to the requested limit.
type UnreachableMemoryInfo struct {
	NumAllocations  uint64
	AllocationBytes uint64
	NumLeaks        uint64
	LeakBytes       uint64
	Leaks           []Leak
}

// Exit statuses of the heap walker child process.
const (
	childOK            = 0
	childCaptureFailed = 1
	childCollectFailed = 2
	childPipeFailed    = 3
)

// Options configures a Detector. The zero value is usable: it inspects the
// calling process with no allocator enumeration (only anonymous-mapping
// expansion) and logs to stderr.
type Options struct {
	Logger         log.Logger
	Allocator      Allocator
	CaptureTimeout time.Duration
	ProcRoot       string
	Metrics        *Metrics
}

// A Detector performs collections against the calling process. It keeps no
// state between collections; every call is self-contained.
type Detector struct {
	logger         log.Logger
	allocator      Allocator
	captureTimeout time.Duration
	procRoot       string
	metrics        *Metrics
}

func New(opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	timeout := opts.CaptureTimeout
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	procRoot := opts.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Detector{
		logger:         logger,
		allocator:      opts.Allocator,
		captureTimeout: timeout,
		procRoot:       procRoot,
		metrics:        opts.Metrics,
	}
}

// GetUnreachableMemory performs one collection against the calling process
// with default options. Use New to attach an Allocator so heap mappings
// can be enumerated.
func GetUnreachableMemory(limit int) (*UnreachableMemoryInfo, error) {
	return New(Options{}).GetUnreachableMemory(limit)
}

// LogUnreachableMemory collects and logs each leak with default options.
func LogUnreachableMemory(logContents bool, limit int) error {
	return New(Options{}).LogUnreachableMemory(logContents, limit)
}

// GetUnreachableMemory performs one collection, reporting at most limit
// leaks. No partial results: on any failure the info is nil.
func (d *Detector) GetUnreachableMemory(limit int) (*UnreachableMemoryInfo, error) {
	info, err := d.collect(limit)
	if err != nil {
		d.metrics.observeFailure()
		return nil, err
	}
	d.metrics.observeSuccess(info)
	return info, nil
}

type captureResult struct {
	code  int
	child int
}

func (d *Detector) collect(limit int) (*UnreachableMemoryInfo, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	// The capture thread releases the original thread by tid, so this
	// goroutine has to keep its thread identity for the whole protocol.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid := unix.Getpid()
	tid := unix.Gettid()

	a := arena.New(d.logger)

	pipe, err := leakpipe.New()
	if err != nil {
		a.Release()
		return nil, err
	}

	continueParent := sem.New()
	result := make(chan captureResult, 1)

	// Freeze the allocator for a consistent view of memory while the
	// capture thread stops the world.
	scope := disableMalloc(d.allocator)

	go func() {
		// All ptrace requests and the fork must come from one OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		code, child := d.capture(pid, tid, a, pipe, continueParent, limit)
		result <- captureResult{code: code, child: child}
	}()

	// Wait until the capture thread is ready to fork the heap walker, then
	// re-enable the allocator so the fork handlers can take their locks.
	if err := continueParent.Wait(d.captureTimeout); err != nil {
		scope.release()
		level.Error(d.logger).Log("msg", "capture thread hand-off timed out", "err", err)
		// The abandoned capture thread still owns the arena and pipe;
		// reclaim them once it is observed to finish.
		go func() {
			<-result
			a.Release()
			pipe.Close()
		}()
		return nil, fmt.Errorf("memunreachable: no hand-off from capture thread within %v", d.captureTimeout)
	}
	scope.release()
	defer a.Release()
	defer pipe.Close()

	res := <-result
	if res.code != childOK {
		return nil, fmt.Errorf("memunreachable: capture thread failed with status %d", res.code)
	}

	receiver, err := pipe.OpenReceiver()
	if err != nil {
		reap(res.child)
		return nil, err
	}
	defer receiver.Close()

	info := &UnreachableMemoryInfo{}
	err = firstErr(
		leakpipe.Receive(receiver, &info.NumAllocations),
		leakpipe.Receive(receiver, &info.AllocationBytes),
		leakpipe.Receive(receiver, &info.NumLeaks),
		leakpipe.Receive(receiver, &info.LeakBytes),
	)
	if err == nil {
		info.Leaks, err = leakpipe.ReceiveVector[Leak](receiver)
	}
	reap(res.child)
	if err != nil {
		level.Error(d.logger).Log("msg", "receiving results failed", "err", err)
		return nil, err
	}

	level.Info(d.logger).Log("msg", "unreachable memory detection done")
	level.Info(d.logger).Log("msg", summary(info))
	return info, nil
}

// capture runs on the dedicated capture thread. It pauses the siblings,
// snapshots thread and mapping state, releases the original thread, posts
// the hand-off and forks the heap walker. The returned code is 0 for the
// parent-of-fork path; the child never returns from here.
func (d *Detector) capture(pid, parentTid int, a *arena.Arena, pipe *leakpipe.Pipe,
	continueParent *sem.Semaphore, limit int) (code, child int) {
	posted := false
	post := func() {
		if !posted {
			posted = true
			continueParent.Post()
		}
	}
	// The original thread must never be left waiting for the full timeout
	// on an early failure.
	defer post()

	level.Info(d.logger).Log("msg", "collecting thread info", "pid", pid)

	tc := threadcapture.New(pid, d.procRoot, d.logger, a)
	defer tc.ReleaseAll()

	if err := tc.CaptureThreads(); err != nil {
		level.Error(d.logger).Log("msg", "thread capture failed", "err", err)
		return childCaptureFailed, 0
	}
	threads, err := tc.CapturedThreadInfo()
	if err != nil {
		level.Error(d.logger).Log("msg", "reading thread state failed", "err", err)
		return childCaptureFailed, 0
	}
	mappings, err := procmaps.Read(d.procRoot, pid)
	if err != nil {
		level.Error(d.logger).Log("msg", "reading process mappings failed", "err", err)
		return childCaptureFailed, 0
	}

	// fork needs the allocator: its fork handlers take the locks the
	// freeze scope holds. Every sibling is paused in ptrace, so memory
	// stays consistent; release only the original thread so it can drop
	// the locks. It blocks in join until this thread finishes.
	tc.ReleaseThread(parentTid)
	post()

	childPid, err := fork()
	if err != nil {
		level.Error(d.logger).Log("msg", "fork failed", "err", err)
		return childCaptureFailed, 0
	}
	if childPid != 0 {
		// Parent of fork: done. The deferred ReleaseAll resumes the
		// remaining captured threads.
		level.Info(d.logger).Log("msg", "collection thread done")
		return childOK, childPid
	}

	d.walkChild(pid, a, pipe, threads, mappings, limit)
	panic("memunreachable: heap walker child returned")
}

// reap waits for the heap walker child once the pipe has been drained.
func reap(pid int) {
	if pid <= 0 {
		return
	}
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
