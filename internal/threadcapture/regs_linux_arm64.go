// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadcapture

import "encoding/binary"

// regSetSize is sizeof(struct user_pt_regs): x0-x30, sp, pc, pstate.
const regSetSize = 34 * 8

// sp follows the 31 general-purpose registers.
const spOffset = 31 * 8

func stackPointer(regs []byte) uintptr {
	if len(regs) < spOffset+8 {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(regs[spOffset:]))
}
