// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadcapture

import "encoding/binary"

// regSetSize is sizeof(struct user_regs_struct): 27 64-bit registers.
const regSetSize = 27 * 8

// rsp is register 19 in the NT_PRSTATUS layout.
const spOffset = 19 * 8

func stackPointer(regs []byte) uintptr {
	if len(regs) < spOffset+8 {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(regs[spOffset:]))
}
