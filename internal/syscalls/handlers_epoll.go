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
	"sync"
	"time"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/pkg/errno"
)

// epoll_ctl ops.
const (
	epollCtlAdd = 1
	epollCtlDel = 2
	epollCtlMod = 3
)

const epollEventSize = 12 // struct epoll_event is packed: events(4) + data(8)

type epollEntry struct {
	desc   descriptor.Descriptor
	events uint32
	data   uint64
}

// epollInstance tracks a set of watched descriptors and their requested
// event masks. Unlike socket or regular-file behavior, epoll's semantics
// are just bookkeeping over other descriptors plus the same readiness
// translation poll already does, so this core implements it
// directly rather than treating it as an external collaborator; only the
// watched descriptors themselves are collaborator-provided.
type epollInstance struct {
	mu      sync.Mutex
	entries map[int32]*epollEntry
}

func newEpollInstance() *epollInstance {
	return &epollInstance{entries: make(map[int32]*epollEntry)}
}

// StatusMask and Subscribe make epollInstance itself a valid Descriptor
// (so epoll_create's fd can be polymorphically closed, stored, or even
// nested in another epoll set), but this core doesn't support nested
// epoll readiness propagation: an epoll fd never reports ready via these
// two methods. epoll_wait below evaluates its entries directly instead.
func (e *epollInstance) StatusMask() uint32          { return 0 }
func (e *epollInstance) Subscribe(func()) func()     { return func() {} }
func (e *epollInstance) Close() error                { return nil }

func (e *epollInstance) snapshot() []*epollEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*epollEntry, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent)
	}
	return out
}

func getEpoll(ctx *Context, fd int32) (*epollInstance, errno.Errno) {
	d, ok := ctx.Process.Descriptors.Get(fd)
	if !ok {
		return nil, errno.EBADF
	}
	e, ok := d.(*epollInstance)
	if !ok {
		return nil, errno.EINVAL
	}
	return e, 0
}

func handleEpollCreate1(ctx *Context, args [6]uintptr) Return {
	fd := ctx.Process.Descriptors.Install(newEpollInstance())
	return Done(int64(fd))
}

func handleEpollCreate(ctx *Context, args [6]uintptr) Return {
	if int32(args[0]) <= 0 {
		return Done(errno.Ret(errno.EINVAL))
	}
	return handleEpollCreate1(ctx, args)
}

func readEpollEvent(ctx *Context, addr uintptr) (uint32, uint64, errno.Errno) {
	buf, err := ctx.Process.Mem.ReadPtr(addr, epollEventSize)
	if err != nil {
		return 0, 0, errno.EFAULT
	}
	events := binary.LittleEndian.Uint32(buf[0:4])
	data := binary.LittleEndian.Uint64(buf[4:12])
	return events, data, 0
}

func handleEpollCtl(ctx *Context, args [6]uintptr) Return {
	epfd, op, targetFd, eventAddr := int32(args[0]), int(args[1]), int32(args[2]), args[3]

	e, errn := getEpoll(ctx, epfd)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}

	switch op {
	case epollCtlDel:
		e.mu.Lock()
		delete(e.entries, targetFd)
		e.mu.Unlock()
		return Done(0)

	case epollCtlAdd, epollCtlMod:
		events, data, errn := readEpollEvent(ctx, eventAddr)
		if errn != 0 {
			return Done(errno.Ret(errn))
		}
		target, ok := ctx.Process.Descriptors.Get(targetFd)
		if !ok {
			return Done(errno.Ret(errno.EBADF))
		}
		e.mu.Lock()
		if op == epollCtlMod {
			if _, exists := e.entries[targetFd]; !exists {
				e.mu.Unlock()
				return Done(errno.Ret(errno.ENOENT))
			}
		}
		e.entries[targetFd] = &epollEntry{desc: target, events: events, data: data}
		e.mu.Unlock()
		return Done(0)

	default:
		return Done(errno.Ret(errno.EINVAL))
	}
}

func epollReady(entries []*epollEntry) (ready []*epollEntry) {
	for _, ent := range entries {
		if statusToRevents(ent.desc.StatusMask(), int16(ent.events)) != 0 {
			ready = append(ready, ent)
		}
	}
	return ready
}

func writeEpollEvents(ctx *Context, addr uintptr, ready []*epollEntry) errno.Errno {
	for i, ent := range ready {
		revents := uint32(statusToRevents(ent.desc.StatusMask(), int16(ent.events)))
		data := ent.data
		if err := ctx.Process.Mem.WriteStruct(addr+uintptr(i*epollEventSize), epollEventSize, func(b []byte) {
			binary.LittleEndian.PutUint32(b[0:4], revents)
			binary.LittleEndian.PutUint64(b[4:12], data)
		}); err != nil {
			return errno.EFAULT
		}
	}
	return 0
}

// handleEpollWait never reads the guest's output events buffer (only
// epfd, maxevents, and the timeout are consumed on entry), so, unlike
// select, there is no read/write overlap to split across turns: the
// resumed call simply recomputes readiness and writes straight through.
func handleEpollWaitCommon(ctx *Context, epfd int32, eventsAddr uintptr, maxEvents int, timeout *time.Duration) Return {
	e, errn := getEpoll(ctx, epfd)
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

	entries := e.snapshot()
	ready := epollReady(entries)
	if len(ready) > maxEvents {
		ready = ready[:maxEvents]
	}

	if len(ready) > 0 || resuming {
		if errn := writeEpollEvents(ctx, eventsAddr, ready); errn != 0 {
			return Done(errno.Ret(errn))
		}
		return Done(int64(len(ready)))
	}

	c := cond.New()
	for _, ent := range entries {
		c.AddTrigger(ent.desc, descriptorMaskFor(int16(ent.events)))
	}
	if timeout != nil {
		c.SetTimeout(toTime(ctx.Scheduler.Now() + *timeout))
	}
	ctx.Thread.SetCondition(c)
	return Block(c, true)
}

func handleEpollWait(ctx *Context, args [6]uintptr) Return {
	epfd, eventsAddr, maxEvents, timeoutMs := int32(args[0]), args[1], int(args[2]), int32(args[3])
	var timeout *time.Duration
	if timeoutMs >= 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		timeout = &d
	}
	return handleEpollWaitCommon(ctx, epfd, eventsAddr, maxEvents, timeout)
}

// handleEpollPwait is epoll_wait plus a signal mask (args[4]), which is
// intentionally not applied; see handlePpoll's doc comment for why.
func handleEpollPwait(ctx *Context, args [6]uintptr) Return {
	return handleEpollWait(ctx, args)
}
