// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arena

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestAllocAlignment(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	for _, align := range []uintptr{1, 2, 4, 8, 16, 64, 4096} {
		p := a.Alloc(3, align)
		require.NotNil(t, p)
		require.Zero(t, uintptr(p)%align, "alignment %d", align)
	}
}

func TestAllocZeroed(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	b := a.Bytes(1 << 12)
	require.Len(t, b, 1<<12)
	for i, c := range b {
		require.Zero(t, c, "byte %d", i)
	}
}

func TestAllocLargerThanSlab(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	b := a.Bytes(3 << 20)
	require.Len(t, b, 3<<20)
	b[0] = 1
	b[len(b)-1] = 1
}

func TestValueAndSlice(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	type node struct {
		begin, end uintptr
		flag       bool
	}
	n := Value[node](a)
	require.NotNil(t, n)
	require.Zero(t, uintptr(unsafe.Pointer(n))%unsafe.Alignof(node{}))

	s := MakeSlice[uint64](a, 2, 8)
	require.Len(t, s, 2)
	require.Equal(t, 8, cap(s))
}

func TestAppendGrows(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	var s []int
	for i := 0; i < 1000; i++ {
		s = Append(a, s, i)
	}
	require.Len(t, s, 1000)
	for i, v := range s {
		require.Equal(t, i, v)
	}
}

func TestConcurrentAlloc(t *testing.T) {
	a := New(log.NewNopLogger())
	defer a.Release()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b := a.Bytes(128)
				require.Len(t, b, 128)
			}
		}()
	}
	wg.Wait()
}

func TestReleaseAndReuse(t *testing.T) {
	a := New(log.NewNopLogger())
	a.Bytes(64)
	a.Release()

	b := a.Bytes(64)
	require.Len(t, b, 64)
	a.Release()
}
