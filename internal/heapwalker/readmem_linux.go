// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heapwalker

import "golang.org/x/sys/unix"

// readMemory copies target memory into buf through process_vm_readv, which
// returns an error or a short count instead of faulting on an unreadable
// address. The walker runs in the forked child, so "the target" is its own
// copy-on-write image.
func readMemory(addr uintptr, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	n, err := unix.ProcessVMReadv(unix.Getpid(), local, remote, 0)
	if n < 0 {
		n = 0
	}
	return n, err
}
