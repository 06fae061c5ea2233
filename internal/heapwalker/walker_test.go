// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heapwalker

import (
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/heapprobe/memunreachable/internal/arena"
)

// The tests allocate target "heap" buffers and root regions from an arena
// so their addresses are stable and their contents fully controlled.

func newWalker(t *testing.T) (*Walker, *arena.Arena) {
	t.Helper()
	a := arena.New(log.NewNopLogger())
	t.Cleanup(a.Release)
	return New(log.NewNopLogger(), a), a
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// words returns an arena-backed pointer array to use as a root region.
func words(a *arena.Arena, n int) []uintptr {
	return arena.MakeSlice[uintptr](a, n, n)
}

func rootOf(w *Walker, s []uintptr) {
	begin := uintptr(unsafe.Pointer(&s[0]))
	w.Root(begin, begin+uintptr(len(s))*unsafe.Sizeof(uintptr(0)))
}

func TestPureLeak(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(100)
	require.True(t, w.Allocation(addr(buf), addr(buf)+100))

	leaks, numLeaks, leakBytes, err := w.Leaked(100)
	require.NoError(t, err)
	require.Equal(t, 1, numLeaks)
	require.Equal(t, uintptr(100), leakBytes)
	require.Equal(t, []Range{{addr(buf), addr(buf) + 100}}, leaks)
}

func TestRootedAllocationIsReachable(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(64)
	require.True(t, w.Allocation(addr(buf), addr(buf)+64))

	root := words(a, 2)
	root[0] = addr(buf)
	rootOf(w, root)

	leaks, numLeaks, leakBytes, err := w.Leaked(100)
	require.NoError(t, err)
	require.Zero(t, numLeaks)
	require.Zero(t, leakBytes)
	require.Empty(t, leaks)
}

func TestInteriorPointerCounts(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(64)
	require.True(t, w.Allocation(addr(buf), addr(buf)+64))

	root := words(a, 1)
	root[0] = addr(buf) + 16
	rootOf(w, root)

	_, numLeaks, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Zero(t, numLeaks)
}

func TestPointerJustPastEndDoesNotCount(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(64)
	require.True(t, w.Allocation(addr(buf), addr(buf)+64))

	root := words(a, 1)
	root[0] = addr(buf) + 64
	rootOf(w, root)

	_, numLeaks, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Equal(t, 1, numLeaks)
}

func TestTransitiveReachability(t *testing.T) {
	w, a := newWalker(t)

	// root -> first -> second
	first := words(a, 1)
	second := a.Bytes(32)
	firstBegin := uintptr(unsafe.Pointer(&first[0]))
	require.True(t, w.Allocation(firstBegin, firstBegin+8))
	require.True(t, w.Allocation(addr(second), addr(second)+32))
	first[0] = addr(second)

	root := words(a, 1)
	root[0] = firstBegin
	rootOf(w, root)

	_, numLeaks, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Zero(t, numLeaks)
}

func TestCycleOfLeaks(t *testing.T) {
	w, a := newWalker(t)

	// Two allocations point at each other with no external reference;
	// the mark bitmap breaks the cycle and both report as leaks.
	x := words(a, 4)
	y := words(a, 4)
	xBegin := uintptr(unsafe.Pointer(&x[0]))
	yBegin := uintptr(unsafe.Pointer(&y[0]))
	require.True(t, w.Allocation(xBegin, xBegin+32))
	require.True(t, w.Allocation(yBegin, yBegin+32))
	x[0] = yBegin
	y[0] = xBegin

	leaks, numLeaks, leakBytes, err := w.Leaked(100)
	require.NoError(t, err)
	require.Equal(t, 2, numLeaks)
	require.Equal(t, uintptr(64), leakBytes)
	require.Len(t, leaks, 2)
}

func TestRegisterBlobRoots(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(64)
	require.True(t, w.Allocation(addr(buf), addr(buf)+64))

	regs := make([]byte, 32)
	*(*uintptr)(unsafe.Pointer(&regs[8])) = addr(buf)
	w.RootRegs(regs)
	// The blob was copied; clobbering the source must not matter.
	for i := range regs {
		regs[i] = 0
	}

	_, numLeaks, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Zero(t, numLeaks)
}

func TestOverlapRejected(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(128)
	base := addr(buf)
	require.True(t, w.Allocation(base, base+64))
	require.False(t, w.Allocation(base+16, base+32), "contained overlap")
	require.False(t, w.Allocation(base+48, base+96), "straddling overlap")
	require.False(t, w.Allocation(base, base+64), "exact duplicate")
	require.True(t, w.Allocation(base+64, base+128), "adjacent is not overlap")

	require.Equal(t, 2, w.Allocations())
	require.Equal(t, uintptr(128), w.AllocationBytes())
}

func TestZeroSizeAllocationWidened(t *testing.T) {
	w, a := newWalker(t)

	buf := a.Bytes(8)
	require.True(t, w.Allocation(addr(buf), addr(buf)))

	root := words(a, 1)
	root[0] = addr(buf)
	rootOf(w, root)

	_, numLeaks, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Zero(t, numLeaks)
}

func TestLimitTruncation(t *testing.T) {
	w, a := newWalker(t)

	sizes := []uintptr{10, 20, 30, 40, 50}
	for _, size := range sizes {
		buf := a.Bytes(64)
		require.True(t, w.Allocation(addr(buf), addr(buf)+size))
	}

	leaks, numLeaks, leakBytes, err := w.Leaked(3)
	require.NoError(t, err)
	require.Equal(t, 5, numLeaks)
	require.Equal(t, uintptr(150), leakBytes)
	require.Len(t, leaks, 3)
	require.Equal(t, uintptr(50), leaks[0].End-leaks[0].Begin)
	require.Equal(t, uintptr(40), leaks[1].End-leaks[1].Begin)
	require.Equal(t, uintptr(30), leaks[2].End-leaks[2].Begin)
}

func TestTieBreakByAscendingBegin(t *testing.T) {
	w, a := newWalker(t)

	first := a.Bytes(64)
	second := a.Bytes(64)
	require.True(t, w.Allocation(addr(first), addr(first)+32))
	require.True(t, w.Allocation(addr(second), addr(second)+32))

	leaks, _, _, err := w.Leaked(100)
	require.NoError(t, err)
	require.Len(t, leaks, 2)
	require.Less(t, leaks[0].Begin, leaks[1].Begin)
}

func TestCollectionIsIdempotent(t *testing.T) {
	w, a := newWalker(t)

	kept := a.Bytes(64)
	leaked := a.Bytes(100)
	require.True(t, w.Allocation(addr(kept), addr(kept)+64))
	require.True(t, w.Allocation(addr(leaked), addr(leaked)+100))

	root := words(a, 1)
	root[0] = addr(kept)
	rootOf(w, root)

	leaks1, num1, bytes1, err := w.Leaked(100)
	require.NoError(t, err)
	// Re-running mark on the same graph cannot change any referenced bit.
	leaks2, num2, bytes2, err := w.Leaked(100)
	require.NoError(t, err)
	require.Equal(t, num1, num2)
	require.Equal(t, bytes1, bytes2)
	require.Equal(t, leaks1, leaks2)
}

func TestReadContentsZeroFillsUnreadable(t *testing.T) {
	w, _ := newWalker(t)

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xff
	}
	// An address no mapping can contain.
	w.ReadContents(uintptr(1), buf)
	for i, c := range buf {
		require.Zero(t, c, "byte %d", i)
	}
}

func TestReadContents(t *testing.T) {
	w, a := newWalker(t)

	src := a.Bytes(32)
	copy(src, "leak contents")
	buf := make([]byte, 13)
	w.ReadContents(addr(src), buf)
	require.Equal(t, "leak contents", string(buf))
}
