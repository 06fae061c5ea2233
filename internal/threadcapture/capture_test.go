// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadcapture

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/heapprobe/memunreachable/internal/arena"
)

func TestListThreadsFixture(t *testing.T) {
	a := arena.New(log.NewNopLogger())
	defer a.Release()

	tc := New(99, "testdata", log.NewNopLogger(), a)
	tids, err := tc.ListThreads()
	require.NoError(t, err)
	// Non-numeric entries are ignored.
	require.ElementsMatch(t, []int{12, 34}, tids)
}

func TestListThreadsMissingProcess(t *testing.T) {
	a := arena.New(log.NewNopLogger())
	defer a.Release()

	tc := New(1234567, "testdata", log.NewNopLogger(), a)
	_, err := tc.ListThreads()
	require.Error(t, err)
}

func TestListThreadsSelf(t *testing.T) {
	a := arena.New(log.NewNopLogger())
	defer a.Release()

	tc := New(os.Getpid(), "/proc", log.NewNopLogger(), a)
	tids, err := tc.ListThreads()
	require.NoError(t, err)
	require.NotEmpty(t, tids)
	require.Contains(t, tids, os.Getpid())
}

func TestStackPointerOffset(t *testing.T) {
	regs := make([]byte, regSetSize)
	binary.LittleEndian.PutUint64(regs[spOffset:], 0x7ffc0001234)
	require.Equal(t, uintptr(0x7ffc0001234), stackPointer(regs))
}

func TestStackPointerShortBuffer(t *testing.T) {
	require.Equal(t, uintptr(0), stackPointer(nil))
	require.Equal(t, uintptr(0), stackPointer(make([]byte, 8)))
}

func TestReleaseUncaptured(t *testing.T) {
	a := arena.New(log.NewNopLogger())
	defer a.Release()

	tc := New(os.Getpid(), "/proc", log.NewNopLogger(), a)
	// Releasing threads that were never captured is a no-op.
	tc.ReleaseThread(unix.Gettid())
	tc.ReleaseAll()
}
