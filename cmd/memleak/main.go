// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The memleak tool drives the unreachable-memory detector against its own
// process. "collect" allocates a test workload from a tracked heap, leaks
// part of it and runs one collection; "shell" gives an interactive prompt
// for repeated collections.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/heapprobe/memunreachable"
)

var (
	flagLimit    int
	flagContents bool
	flagLeak     int
	flagKeep     int
)

// keepRefs parks pointers in a data-segment global so the kept workload
// stays reachable through the globals root set.
var keepRefs []uintptr

func main() {
	root := &cobra.Command{
		Use:           "memleak",
		Short:         "report unreachable heap memory in this process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&flagLimit, "limit", 100, "maximum number of leaks to report")
	root.PersistentFlags().BoolVar(&flagContents, "contents", false, "hex dump the first bytes of each leak")

	collect := &cobra.Command{
		Use:   "collect",
		Short: "allocate a test workload, then run one collection",
		RunE:  runCollect,
	}
	collect.Flags().IntVar(&flagLeak, "leak", 2, "allocations to leak")
	collect.Flags().IntVar(&flagKeep, "keep", 2, "allocations to keep reachable")

	shell := &cobra.Command{
		Use:   "shell",
		Short: "interactive prompt for repeated collections",
		RunE:  runShell,
	}

	root.AddCommand(collect, shell)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memleak:", err)
		os.Exit(1)
	}
}

func newDetector(alloc memunreachable.Allocator) *memunreachable.Detector {
	return memunreachable.New(memunreachable.Options{
		Logger:    log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		Allocator: alloc,
	})
}

func runCollect(cmd *cobra.Command, args []string) error {
	heap, err := newTrackedHeap()
	if err != nil {
		return err
	}

	for i := 0; i < flagKeep; i++ {
		p, err := heap.Malloc(64)
		if err != nil {
			return err
		}
		keepRefs = append(keepRefs, p)
	}
	for i := 0; i < flagLeak; i++ {
		// Allocate and drop the only pointer.
		if _, err := heap.Malloc(100); err != nil {
			return err
		}
	}

	return newDetector(heap).LogUnreachableMemory(flagContents, flagLimit)
}

func runShell(cmd *cobra.Command, args []string) error {
	heap, err := newTrackedHeap()
	if err != nil {
		return err
	}
	d := newDetector(heap)

	rl, err := readline.New("memleak> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	limit := flagLimit
	contents := flagContents
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "collect":
			n := limit
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					n = v
				}
			}
			if err := d.LogUnreachableMemory(contents, n); err != nil {
				fmt.Fprintln(rl.Stderr(), "collect failed:", err)
			}
		case "contents":
			contents = len(fields) > 1 && fields[1] == "on"
		case "limit":
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					limit = v
				}
			}
		case "malloc":
			size := 100
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					size = v
				}
			}
			p, err := heap.Malloc(uintptr(size))
			if err != nil {
				fmt.Fprintln(rl.Stderr(), "malloc failed:", err)
				continue
			}
			fmt.Fprintf(rl.Stdout(), "%#x\n", p)
		case "keep":
			if len(fields) > 1 {
				if v, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64); err == nil {
					keepRefs = append(keepRefs, uintptr(v))
				}
			}
		case "quit", "exit":
			return nil
		case "help":
			fmt.Fprintln(rl.Stdout(), "commands: collect [limit], malloc [size], keep <hex addr>, contents on|off, limit <n>, quit")
		default:
			fmt.Fprintf(rl.Stderr(), "unknown command %q, try help\n", fields[0])
		}
	}
}
