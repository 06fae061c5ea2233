// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threadcapture pauses the sibling threads of a process through the
// ptrace facility and reads their register files.
//
// Every ptrace request against a captured thread must come from the thread
// that seized it, so the caller is required to lock its goroutine to an OS
// thread before calling CaptureThreads and to keep it locked until the
// threads are released.
package threadcapture

import (
	"debug/elf"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/heapprobe/memunreachable/internal/arena"
)

// ThreadInfo records the state of one captured thread. Regs is the raw
// NT_PRSTATUS register set, held as opaque bytes to be scanned for pointer
// values. StackTop is the thread's stack pointer at capture time.
type ThreadInfo struct {
	TID      int
	Regs     []byte
	StackTop uintptr
}

// maxScans bounds the capture loop. Each pass attaches any thread that was
// spawned while the previous pass ran; the loop ends when a pass finds no
// new thread.
const maxScans = 50

// ThreadCapture owns the paused state of the target's threads between
// CaptureThreads and ReleaseAll.
type ThreadCapture struct {
	pid      int
	procRoot string
	logger   log.Logger
	arena    *arena.Arena
	captured map[int]bool
	seen     map[int]bool
}

func New(pid int, procRoot string, logger log.Logger, a *arena.Arena) *ThreadCapture {
	return &ThreadCapture{
		pid:      pid,
		procRoot: procRoot,
		logger:   logger,
		arena:    a,
		captured: make(map[int]bool),
		seen:     make(map[int]bool),
	}
}

// ListThreads returns the thread ids of the target process.
func (tc *ThreadCapture) ListThreads() ([]int, error) {
	dir := filepath.Join(tc.procRoot, strconv.Itoa(tc.pid), "task")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "threadcapture: list %s", dir)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// CaptureThreads attaches to every sibling thread of the target and waits
// for each to stop. It rescans the thread list until no new threads appear,
// so threads spawned mid-capture are caught. A thread that exits during the
// sweep is skipped; any other attach failure is fatal.
func (tc *ThreadCapture) CaptureThreads() error {
	self := unix.Gettid()
	for i := 0; i < maxScans; i++ {
		tids, err := tc.ListThreads()
		if err != nil {
			return err
		}
		found := false
		for _, tid := range tids {
			if tid == self || tc.seen[tid] {
				continue
			}
			tc.seen[tid] = true
			found = true
			ok, err := tc.attach(tid)
			if err != nil {
				return err
			}
			if ok {
				tc.captured[tid] = true
			}
		}
		if !found {
			return nil
		}
	}
	return errors.Errorf("threadcapture: thread list did not settle after %d scans", maxScans)
}

// attach seizes and interrupts one thread, then waits for its stop.
// Returns false without error if the thread exited first.
func (tc *ThreadCapture) attach(tid int) (bool, error) {
	if err := ptrace(unix.PTRACE_SEIZE, tid, 0, 0); err != nil {
		if err == unix.ESRCH {
			level.Debug(tc.logger).Log("msg", "thread exited before seize", "tid", tid)
			return false, nil
		}
		return false, errors.Wrapf(err, "threadcapture: seize %d", tid)
	}
	if err := ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
		if err == unix.ESRCH {
			return false, nil
		}
		return false, errors.Wrapf(err, "threadcapture: interrupt %d", tid)
	}
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD || err == unix.ESRCH {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrapf(err, "threadcapture: wait for %d", tid)
		}
		if wpid == tid && status.Stopped() {
			return true, nil
		}
		if status.Exited() || status.Signaled() {
			return false, nil
		}
	}
}

// CapturedThreadInfo reads the register set and stack pointer of every
// captured thread. The returned slice and register buffers live in the
// collection arena.
func (tc *ThreadCapture) CapturedThreadInfo() ([]ThreadInfo, error) {
	tids := make([]int, 0, len(tc.captured))
	for tid := range tc.captured {
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	info := arena.MakeSlice[ThreadInfo](tc.arena, 0, len(tids))
	for _, tid := range tids {
		regs := tc.arena.Bytes(regSetSize)
		iov := unix.Iovec{Base: &regs[0]}
		iov.SetLen(len(regs))
		err := ptrace(unix.PTRACE_GETREGSET, tid, uintptr(elf.NT_PRSTATUS),
			uintptr(unsafe.Pointer(&iov)))
		if err == unix.ESRCH {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "threadcapture: registers of %d", tid)
		}
		if n := int(iov.Len); n < len(regs) {
			regs = regs[:n]
		}
		info = arena.Append(tc.arena, info, ThreadInfo{
			TID:      tid,
			Regs:     regs,
			StackTop: stackPointer(regs),
		})
	}
	return info, nil
}

// ReleaseThread detaches one thread, resuming it.
func (tc *ThreadCapture) ReleaseThread(tid int) {
	if !tc.captured[tid] {
		return
	}
	if err := ptrace(unix.PTRACE_DETACH, tid, 0, 0); err != nil && err != unix.ESRCH {
		level.Error(tc.logger).Log("msg", "detach failed", "tid", tid, "err", err)
	}
	delete(tc.captured, tid)
}

// ReleaseAll detaches every thread still captured. Idempotent.
func (tc *ThreadCapture) ReleaseAll() {
	for tid := range tc.captured {
		tc.ReleaseThread(tid)
	}
}

func ptrace(request, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(tid),
		addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
