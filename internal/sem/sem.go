// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sem provides a timed counting semaphore for the hand-off between
// the original thread and the capture thread.
package sem

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

const maxCount = 1 << 30

// A Semaphore is a counting semaphore whose count starts at zero.
type Semaphore struct {
	w *semaphore.Weighted
}

func New() *Semaphore {
	w := semaphore.NewWeighted(maxCount)
	if !w.TryAcquire(maxCount) {
		panic("sem: fresh semaphore not at capacity")
	}
	return &Semaphore{w: w}
}

// Post increments the count, waking one waiter if any.
func (s *Semaphore) Post() {
	s.w.Release(1)
}

// Wait decrements the count, blocking for at most timeout. It returns nil
// on success and the context deadline error on timeout. A timed-out call
// leaves no waiter behind.
func (s *Semaphore) Wait(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.w.Acquire(ctx, 1)
}
