// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memunreachable

// Allocator is the managed heap under inspection. Disable must acquire
// every allocator-internal lock (the same locks its fork handlers take) so
// that no thread can mutate allocator state while held; Enable releases
// them. Enumerate reports every live allocation that lies inside
// [begin,end) to fn.
type Allocator interface {
	Disable()
	Enable()
	Enumerate(begin, end uintptr, fn func(base, size uintptr)) error
}

// mallocScope freezes the allocator for its lifetime. A nil allocator
// yields a no-op scope.
type mallocScope struct {
	a Allocator
}

func disableMalloc(a Allocator) *mallocScope {
	if a != nil {
		a.Disable()
	}
	return &mallocScope{a: a}
}

func (s *mallocScope) release() {
	if s.a != nil {
		s.a.Enable()
		s.a = nil
	}
}
