// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memunreachable

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogUnreachableMemory performs one collection and logs every reported
// leak, optionally with a hex dump of its leading bytes.
func (d *Detector) LogUnreachableMemory(logContents bool, limit int) error {
	info, err := d.GetUnreachableMemory(limit)
	if err != nil {
		return err
	}
	for i := range info.Leaks {
		logLeak(d.logger, &info.Leaks[i], logContents)
	}
	return nil
}

func logLeak(logger log.Logger, leak *Leak, logContents bool) {
	level.Error(logger).Log("msg",
		fmt.Sprintf("unreachable allocation at %x of approximate size %d", leak.Begin, leak.Size))
	if !logContents {
		return
	}
	for _, line := range hexDump(leak.Begin, leak.Contents[:], leak.Size) {
		level.Error(logger).Log("msg", line)
	}
}

const bytesPerLine = 16

// hexDump renders the captured contents 16 bytes per line: the absolute
// address, two-digit hex bytes padded to full width, then the ASCII run
// with unprintable characters replaced by '.'.
func hexDump(begin uintptr, contents []byte, size uintptr) []string {
	n := size
	if n > uintptr(len(contents)) {
		n = uintptr(len(contents))
	}
	var lines []string
	for i := uintptr(0); i < n; i += bytesPerLine {
		var b strings.Builder
		fmt.Fprintf(&b, "%x: ", begin+i)
		j := i
		for ; j < n && j < i+bytesPerLine; j++ {
			fmt.Fprintf(&b, "%02x ", contents[j])
		}
		for ; j < i+bytesPerLine; j++ {
			b.WriteString("   ")
		}
		for j = i; j < n && j < i+bytesPerLine; j++ {
			ch := contents[j]
			if ch < ' ' || ch >= 0x7f {
				ch = '.'
			}
			b.WriteByte(ch)
		}
		lines = append(lines, b.String())
	}
	return lines
}

func summary(info *UnreachableMemoryInfo) string {
	return fmt.Sprintf("%d bytes in %d allocation%s unreachable out of %d bytes in %d allocation%s",
		info.LeakBytes, info.NumLeaks, plural(info.NumLeaks),
		info.AllocationBytes, info.NumAllocations, plural(info.NumAllocations))
}

func plural(n uint64) string {
	if n == 1 {
		return ""
	}
	return "s"
}
