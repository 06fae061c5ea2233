// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memunreachable

import "golang.org/x/sys/unix"

// fork forks the process without exec. The child returns (0, nil) and runs
// only on the calling thread; none of the runtime's other threads exist in
// the child, so the child must stay on this thread, avoid the scheduler,
// and leave through unix.Exit.
func fork() (int, error) {
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(pid), nil
}
