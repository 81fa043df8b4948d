// Copyright 2024 The Shadow-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package syscalls

import (
	"encoding/binary"
	"time"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/pkg/errno"
)

// poll(2) event bits this core understands, translated to and from
// descriptor.Status* bits.
const (
	pollIn   = 0x001
	pollOut  = 0x004
	pollErr  = 0x008
	pollHup  = 0x010
	pollNVal = 0x020
)

// struct pollfd { int fd; short events; short revents; }: fd and events
// are read-only input this core never rewrites, so reads are confined to
// the first 6 bytes and writes to the trailing 2, two ranges that
// never overlap within a single dispatch turn even though they address
// the same struct.
const (
	pollfdSize        = 8
	pollfdInputSize   = 6
	pollfdReventsOff  = 6
)

type pollfd struct {
	fd      int32
	events  int16
	revents int16
}

func readPollFDs(ctx *Context, addr uintptr, n int) ([]pollfd, errno.Errno) {
	out := make([]pollfd, n)
	for i := 0; i < n; i++ {
		buf, err := ctx.Process.Mem.ReadPtr(addr+uintptr(i*pollfdSize), pollfdInputSize)
		if err != nil {
			return nil, errno.EFAULT
		}
		out[i] = pollfd{
			fd:     int32(binary.LittleEndian.Uint32(buf[0:4])),
			events: int16(binary.LittleEndian.Uint16(buf[4:6])),
		}
	}
	return out, 0
}

func writePollFDs(ctx *Context, addr uintptr, fds []pollfd) errno.Errno {
	for i, p := range fds {
		revents := p.revents
		if err := ctx.Process.Mem.WriteStruct(addr+uintptr(i*pollfdSize)+pollfdReventsOff, 2, func(b []byte) {
			binary.LittleEndian.PutUint16(b, uint16(revents))
		}); err != nil {
			return errno.EFAULT
		}
	}
	return 0
}

func statusToRevents(mask uint32, events int16) int16 {
	var r int16
	if events&pollIn != 0 && mask&descriptor.StatusReadable != 0 {
		r |= pollIn
	}
	if events&pollOut != 0 && mask&descriptor.StatusWritable != 0 {
		r |= pollOut
	}
	if mask&descriptor.StatusError != 0 {
		r |= pollErr
	}
	if mask&descriptor.StatusHangup != 0 {
		r |= pollHup
	}
	return r
}

// pollOnce resolves every fd to a descriptor (or POLLNVAL) and computes
// its revents against the process's current state. ready counts entries
// with any revents bit set. Never touches guest memory.
func pollOnce(ctx *Context, fds []pollfd) (ready int) {
	for i := range fds {
		if fds[i].fd < 0 {
			continue
		}
		d, ok := ctx.Process.Descriptors.Get(fds[i].fd)
		if !ok {
			fds[i].revents = pollNVal
			ready++
			continue
		}
		fds[i].revents = statusToRevents(d.StatusMask(), fds[i].events)
		if fds[i].revents != 0 {
			ready++
		}
	}
	return ready
}

func descriptorMaskFor(events int16) uint32 {
	var m uint32
	if events&pollIn != 0 {
		m |= descriptor.StatusReadable
	}
	if events&pollOut != 0 {
		m |= descriptor.StatusWritable
	}
	return m | descriptor.StatusError | descriptor.StatusHangup
}

func armPollCondition(ctx *Context, fds []pollfd, timeout *time.Duration) *cond.Condition {
	c := cond.New()
	invalid := false
	for _, p := range fds {
		if p.fd < 0 {
			continue
		}
		if d, ok := ctx.Process.Descriptors.Get(p.fd); ok {
			c.AddTrigger(d, descriptorMaskFor(p.events))
		} else {
			invalid = true
		}
	}
	switch {
	case invalid:
		// An unknown fd resolves to POLLNVAL with no further waiting,
		// same as a real kernel: force an immediate fire.
		c.SetTimeout(toTime(ctx.Scheduler.Now()))
	case timeout != nil:
		c.SetTimeout(toTime(ctx.Scheduler.Now() + *timeout))
	}
	return c
}

// handlePollCommon implements poll/ppoll's shared machinery: a first call
// either observes immediate readiness or arms a Condition over every
// watched descriptor plus the optional deadline; a resumed call (the
// condition has since fired) recomputes current readiness and always
// completes, even if that means reporting zero ready fds at a timeout.
func handlePollCommon(ctx *Context, fdsAddr uintptr, n int, timeout *time.Duration) Return {
	fds, errn := readPollFDs(ctx, fdsAddr, n)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}

	resuming := ctx.Thread.Condition() != nil
	if resuming {
		c := ctx.Thread.Condition()
		fired, _, _ := c.Poll(toTime(ctx.Scheduler.Now()))
		if !fired {
			return Block(c, true)
		}
		ctx.Thread.SetCondition(nil)
		c.Release()
	}

	ready := pollOnce(ctx, fds)
	if ready > 0 || resuming {
		if errn := writePollFDs(ctx, fdsAddr, fds); errn != 0 {
			return Done(errno.Ret(errn))
		}
		return Done(int64(ready))
	}

	c := armPollCondition(ctx, fds, timeout)
	ctx.Thread.SetCondition(c)
	return Block(c, true)
}

// handlePoll implements poll(2); timeout is in milliseconds, -1 meaning
// unbounded.
func handlePoll(ctx *Context, args [6]uintptr) Return {
	fdsAddr, nfds, timeoutMs := args[0], int(args[1]), int32(args[2])
	var timeout *time.Duration
	if timeoutMs >= 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		timeout = &d
	}
	return handlePollCommon(ctx, fdsAddr, nfds, timeout)
}

// handlePpoll implements ppoll(2); the signal-mask argument is not
// applied (temporarily swapping the blocked mask for the call's duration
// is a refinement this core doesn't need: the signal-interruption rule
// in the host layer already converts a Block into Interrupted whenever an unblocked
// signal is pending, which covers the cases ppoll's sigmask exists to
// make safe).
func handlePpoll(ctx *Context, args [6]uintptr) Return {
	fdsAddr, nfds, timeoutAddr := args[0], int(args[1]), args[2]
	var timeout *time.Duration
	if timeoutAddr != 0 {
		d, errn := readTimespec(ctx, timeoutAddr)
		if errn != 0 {
			return Done(errno.Ret(errn))
		}
		timeout = &d
	}
	return handlePollCommon(ctx, fdsAddr, nfds, timeout)
}

const fdSetBytes = 128 // 1024 bits, matching glibc's fd_set

func fdSetBit(set []byte, fd int) bool {
	return set[fd/8]&(1<<uint(fd%8)) != 0
}

func setFdBit(set []byte, fd int) {
	set[fd/8] |= 1 << uint(fd%8)
}

// selectScratch is what handleSelectCommon stashes on the Thread between
// its read turn and its write turn (see the package's note on
// Thread.SetScratch): select(2) rewrites its three fd_set bitmaps in
// place, so unlike poll's non-overlapping fd/events-vs-revents fields
// there is no way to split a bitmap's input and output bytes; the whole
// buffer is both read and, potentially, rewritten.
type selectScratch struct {
	fds                          []pollfd
	readAddr, writeAddr, exceptAddr uintptr
}

// handleSelectCommon rewrites select/pselect6's three fd_set bitmaps
// into a temporary pollfd array. The read of the input bitmaps and the
// write of the output bitmaps never happen in the same dispatch turn:
// the first call only reads and always blocks (even when everything is
// already ready, relying on the armed Condition firing on its very next
// poll), and the resumed call only writes, using the fd list stashed by
// the first call rather than reading the bitmaps again.
func handleSelectCommon(ctx *Context, nfds int, readAddr, writeAddr, exceptAddr uintptr, timeout *time.Duration) Return {
	if nfds < 0 {
		return Done(errno.Ret(errno.EINVAL))
	}

	if c := ctx.Thread.Condition(); c != nil {
		fired, _, _ := c.Poll(toTime(ctx.Scheduler.Now()))
		if !fired {
			return Block(c, true)
		}
		ctx.Thread.SetCondition(nil)
		c.Release()

		scratch, _ := ctx.Thread.Scratch().(*selectScratch)
		ctx.Thread.SetScratch(nil)
		if scratch == nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		return finishSelect(ctx, scratch)
	}

	readSet, errn := readOptionalFDSet(ctx, readAddr)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	writeSet, errn := readOptionalFDSet(ctx, writeAddr)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	exceptSet, errn := readOptionalFDSet(ctx, exceptAddr)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}

	var fds []pollfd
	for fd := 0; fd < nfds; fd++ {
		var events int16
		if readSet != nil && fdSetBit(readSet, fd) {
			events |= pollIn
		}
		if writeSet != nil && fdSetBit(writeSet, fd) {
			events |= pollOut
		}
		if exceptSet != nil && fdSetBit(exceptSet, fd) {
			events |= pollErr
		}
		if events != 0 {
			fds = append(fds, pollfd{fd: int32(fd), events: events})
		}
	}

	c := armPollCondition(ctx, fds, timeout)
	ctx.Thread.SetCondition(c)
	ctx.Thread.SetScratch(&selectScratch{fds: fds, readAddr: readAddr, writeAddr: writeAddr, exceptAddr: exceptAddr})
	return Block(c, true)
}

func finishSelect(ctx *Context, s *selectScratch) Return {
	pollOnce(ctx, s.fds)

	outRead := make([]byte, fdSetBytes)
	outWrite := make([]byte, fdSetBytes)
	outExcept := make([]byte, fdSetBytes)
	count := 0
	for _, p := range s.fds {
		if p.revents&pollNVal != 0 {
			return Done(errno.Ret(errno.EBADF))
		}
		hit := false
		if p.revents&pollIn != 0 {
			setFdBit(outRead, int(p.fd))
			hit = true
		}
		if p.revents&pollOut != 0 {
			setFdBit(outWrite, int(p.fd))
			hit = true
		}
		if p.revents&(pollErr|pollHup) != 0 {
			setFdBit(outExcept, int(p.fd))
			hit = true
		}
		if hit {
			count++
		}
	}

	if s.readAddr != 0 {
		if errn := writeFDSet(ctx, s.readAddr, outRead); errn != 0 {
			return Done(errno.Ret(errn))
		}
	}
	if s.writeAddr != 0 {
		if errn := writeFDSet(ctx, s.writeAddr, outWrite); errn != 0 {
			return Done(errno.Ret(errn))
		}
	}
	if s.exceptAddr != 0 {
		if errn := writeFDSet(ctx, s.exceptAddr, outExcept); errn != 0 {
			return Done(errno.Ret(errn))
		}
	}
	return Done(int64(count))
}

func readOptionalFDSet(ctx *Context, addr uintptr) ([]byte, errno.Errno) {
	if addr == 0 {
		return nil, 0
	}
	buf, err := ctx.Process.Mem.ReadPtr(addr, fdSetBytes)
	if err != nil {
		return nil, errno.EFAULT
	}
	cp := make([]byte, fdSetBytes)
	copy(cp, buf)
	return cp, 0
}

func writeFDSet(ctx *Context, addr uintptr, set []byte) errno.Errno {
	if err := ctx.Process.Mem.WriteStruct(addr, fdSetBytes, func(b []byte) {
		copy(b, set)
	}); err != nil {
		return errno.EFAULT
	}
	return 0
}

// handleSelect implements select(2); timeout is a struct timeval
// (seconds, microseconds), converted to nanosecond resolution. Read once,
// up front: the resumed turn never revisits it (see handleSelectCommon).
func handleSelect(ctx *Context, args [6]uintptr) Return {
	nfds := int(int32(args[0]))
	if ctx.Thread.Condition() != nil {
		return handleSelectCommon(ctx, nfds, args[1], args[2], args[3], nil)
	}

	timeoutAddr := args[4]
	var timeout *time.Duration
	if timeoutAddr != 0 {
		buf, err := ctx.Process.Mem.ReadPtr(timeoutAddr, 16)
		if err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		sec := int64(binary.LittleEndian.Uint64(buf[0:8]))
		usec := int64(binary.LittleEndian.Uint64(buf[8:16]))
		if sec < 0 || usec < 0 {
			return Done(errno.Ret(errno.EINVAL))
		}
		d := time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
		timeout = &d
	}
	return handleSelectCommon(ctx, nfds, args[1], args[2], args[3], timeout)
}

// handlePselect6 implements pselect6(2); like ppoll, the sigmask argument
// is intentionally not applied (see handlePpoll).
func handlePselect6(ctx *Context, args [6]uintptr) Return {
	nfds := int(int32(args[0]))
	if ctx.Thread.Condition() != nil {
		return handleSelectCommon(ctx, nfds, args[1], args[2], args[3], nil)
	}

	timeoutAddr := args[4]
	var timeout *time.Duration
	if timeoutAddr != 0 {
		d, errn := readTimespec(ctx, timeoutAddr)
		if errn != 0 {
			return Done(errno.Ret(errn))
		}
		timeout = &d
	}
	return handleSelectCommon(ctx, nfds, args[1], args[2], args[3], timeout)
}
