// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leakpipe carries typed messages from the heap walker child
// process back to the parent. It is an OS pipe plus one anonymous shared
// page; the page records which process claimed which end, so each end is
// bound exactly once across the fork. Once both ends are bound only the
// child holds the write side, and child death surfaces to the receiver as
// end-of-stream.
package leakpipe

import (
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pipe must be created before the fork so that both processes inherit the
// descriptors and the shared bind-state page.
type Pipe struct {
	r, w  int
	state []byte // MAP_SHARED page: two uint32 bind flags
}

func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "leakpipe: pipe2")
	}
	state, err := unix.Mmap(-1, 0, int(unsafe.Sizeof(uint32(0)))*2,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, errors.Wrap(err, "leakpipe: mmap bind state")
	}
	return &Pipe{r: fds[0], w: fds[1], state: state}, nil
}

func (p *Pipe) bindFlag(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.state[i*4]))
}

// OpenSender claims the write end and closes this process's read end.
func (p *Pipe) OpenSender() (*Sender, error) {
	if !atomic.CompareAndSwapUint32(p.bindFlag(0), 0, 1) {
		return nil, errors.New("leakpipe: sender already bound")
	}
	if p.r >= 0 {
		unix.Close(p.r)
		p.r = -1
	}
	s := &Sender{fd: p.w}
	p.w = -1
	return s, nil
}

// OpenReceiver claims the read end and closes this process's write end.
func (p *Pipe) OpenReceiver() (*Receiver, error) {
	if !atomic.CompareAndSwapUint32(p.bindFlag(1), 0, 1) {
		return nil, errors.New("leakpipe: receiver already bound")
	}
	if p.w >= 0 {
		unix.Close(p.w)
		p.w = -1
	}
	r := &Receiver{fd: p.r}
	p.r = -1
	return r, nil
}

// Close releases whatever this process still owns. Ends handed out through
// OpenSender/OpenReceiver are closed by their owners.
func (p *Pipe) Close() {
	if p.r >= 0 {
		unix.Close(p.r)
		p.r = -1
	}
	if p.w >= 0 {
		unix.Close(p.w)
		p.w = -1
	}
	if p.state != nil {
		unix.Munmap(p.state)
		p.state = nil
	}
}

type Sender struct {
	fd int
}

func (s *Sender) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

func (s *Sender) write(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(s.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "leakpipe: write")
		}
		b = b[n:]
	}
	return nil
}

type Receiver struct {
	fd int
}

func (r *Receiver) Close() {
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
}

func (r *Receiver) read(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(r.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "leakpipe: read")
		}
		if n == 0 {
			// Peer died before delivering the full message.
			return io.ErrUnexpectedEOF
		}
		b = b[n:]
	}
	return nil
}

func byteView[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// Send writes the byte image of *v. T must not contain pointers; both ends
// run in the same (forked) image, so no endianness conversion is needed.
func Send[T any](s *Sender, v *T) error {
	return s.write(byteView(v))
}

// SendVector writes a uint64 length followed by the elements of vs.
func SendVector[T any](s *Sender, vs []T) error {
	n := uint64(len(vs))
	if err := Send(s, &n); err != nil {
		return err
	}
	for i := range vs {
		if err := Send(s, &vs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Receive fills *v from the stream.
func Receive[T any](r *Receiver, v *T) error {
	return r.read(byteView(v))
}

// maxVectorLen bounds ReceiveVector against a corrupt or truncated length
// prefix.
const maxVectorLen = 1 << 24

// ReceiveVector reads a uint64 length then that many elements.
func ReceiveVector[T any](r *Receiver) ([]T, error) {
	var n uint64
	if err := Receive(r, &n); err != nil {
		return nil, err
	}
	if n > maxVectorLen {
		return nil, errors.Errorf("leakpipe: implausible vector length %d", n)
	}
	vs := make([]T, n)
	for i := range vs {
		if err := Receive(r, &vs[i]); err != nil {
			return nil, err
		}
	}
	return vs, nil
}
