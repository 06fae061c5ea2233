// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmaps reads a process's virtual memory map.
package procmaps

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// A Mapping is one region of the target's address space, [Begin,End),
// with its protection bits and optional name. The name may be empty, a
// filesystem path, or a bracketed pseudo-name such as [stack] or
// [anon:libc_malloc].
type Mapping struct {
	Begin   uintptr
	End     uintptr
	Read    bool
	Write   bool
	Execute bool
	Name    string
}

// Read parses <procRoot>/<pid>/maps. Mappings are returned in file order,
// which the kernel keeps sorted by ascending virtual address. Lines
// without a name and names containing spaces are handled by the procfs
// parser.
func Read(procRoot string, pid int) ([]Mapping, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "procmaps: open %s", procRoot)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "procmaps: process %d", pid)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "procmaps: maps of process %d", pid)
	}

	mappings := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		mappings = append(mappings, Mapping{
			Begin:   m.StartAddr,
			End:     m.EndAddr,
			Read:    m.Perms.Read,
			Write:   m.Perms.Write,
			Execute: m.Perms.Execute,
			Name:    m.Pathname,
		})
	}
	return mappings, nil
}
