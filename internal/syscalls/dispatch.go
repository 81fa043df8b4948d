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
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/shadow/shadow-go/pkg/errno"
)

// Class is one of the three dispatch-table columns.
type Class int

const (
	ClassHandled Class = iota
	ClassNative
	ClassUnsupported
)

// Handler computes a syscall's simulated result from its six argument
// registers.
type Handler func(ctx *Context, args [6]uintptr) Return

type entry struct {
	class   Class
	handler Handler
}

// Dispatcher owns the syscall-number → {class, handler} table and the
// "log once" bookkeeping for unsupported numbers. Unlike Context,
// a Dispatcher is long-lived, constructed once per host and shared
// across every dispatch, since the unsupported-number warning state and
// the table itself are not transient per-call data.
type Dispatcher struct {
	table map[uintptr]entry

	mu     sync.Mutex
	warned map[uintptr]bool
}

// New returns a Dispatcher preloaded with the full dispatch table.
func New() *Dispatcher {
	d := &Dispatcher{
		table:  make(map[uintptr]entry),
		warned: make(map[uintptr]bool),
	}
	d.registerHandled()
	d.registerNative()
	d.registerUnsupported()
	d.registerShadow()
	return d
}

func (d *Dispatcher) handle(sysno uintptr, h Handler) {
	d.table[sysno] = entry{class: ClassHandled, handler: h}
}

func (d *Dispatcher) native(sysno uintptr) {
	d.table[sysno] = entry{class: ClassNative}
}

func (d *Dispatcher) unsupported(sysno uintptr) {
	d.table[sysno] = entry{class: ClassUnsupported}
}

// Dispatch implements the dispatch half of MakeSyscall: it enforces the
// "blocked syscall number must match" core invariant, looks up the
// number's class, and runs its handler (or synthesizes the Native /
// ENOSYS result for the other two classes). It does not apply the
// signal-interruption or latency-model rules; those belong to
// internal/host.MakeSyscall, layered on top of this call.
func (d *Dispatcher) Dispatch(ctx *Context, sysno uintptr, args [6]uintptr) Return {
	if blocked, ok := ctx.Thread.BlockedSyscallNo(); ok && blocked != sysno {
		panic(fmt.Sprintf("syscalls: resumed with syscall %d, expected blocked syscall %d", sysno, blocked))
	}

	if linuxabi.IsShadowSyscall(sysno) {
		e, ok := d.table[sysno]
		if !ok {
			return Done(errno.Ret(errno.ENOSYS))
		}
		return e.handler(ctx, args)
	}

	e, ok := d.table[sysno]
	if !ok {
		return d.warnUnsupported(ctx, sysno)
	}
	switch e.class {
	case ClassHandled:
		return e.handler(ctx, args)
	case ClassNative:
		return Native()
	case ClassUnsupported:
		return d.warnUnsupported(ctx, sysno)
	default:
		return Done(errno.Ret(errno.ENOSYS))
	}
}

func (d *Dispatcher) warnUnsupported(ctx *Context, sysno uintptr) Return {
	d.mu.Lock()
	first := !d.warned[sysno]
	d.warned[sysno] = true
	d.mu.Unlock()
	if first && ctx.Log != nil {
		ctx.Log.WithField("syscall", sysno).Warn("syscalls: unsupported syscall, returning ENOSYS")
	}
	return Done(errno.Ret(errno.ENOSYS))
}

// registerNative lists the syscalls passed straight to the guest's OS:
// anything purely local to the guest's address space, plus
// arch_prctl/rt_sigreturn.
func (d *Dispatcher) registerNative() {
	for _, sysno := range []uintptr{
		unix.SYS_ARCH_PRCTL,
		unix.SYS_RT_SIGRETURN,
		unix.SYS_MKDIR,
		unix.SYS_STAT,
		unix.SYS_LSTAT,
		unix.SYS_FSTAT,
		unix.SYS_GETCWD,
		unix.SYS_CHDIR,
		unix.SYS_GETUID,
		unix.SYS_GETGID,
		unix.SYS_GETEUID,
		unix.SYS_GETEGID,
		unix.SYS_OPEN,
		unix.SYS_OPENAT,
		unix.SYS_CLOSE,
		unix.SYS_LSEEK,
		unix.SYS_FCNTL,
		unix.SYS_IOCTL,
		unix.SYS_BRK,
		unix.SYS_EXIT,
		unix.SYS_EXIT_GROUP,
		unix.SYS_EXECVE,
	} {
		d.native(sysno)
	}
}

// registerHandled wires every Handled-class syscall number to the
// handler function that computes its simulated result.
func (d *Dispatcher) registerHandled() {
	table := map[uintptr]Handler{
		unix.SYS_READ:  handleRead,
		unix.SYS_WRITE: handleWrite,

		unix.SYS_NANOSLEEP:     handleNanosleep,
		unix.SYS_CLOCK_GETTIME: handleClockGettime,
		unix.SYS_GETTIMEOFDAY:  handleGettimeofday,
		unix.SYS_TIME:          handleTime,

		unix.SYS_KILL:           handleKill,
		unix.SYS_TGKILL:         handleTgkill,
		unix.SYS_TKILL:          handleTkill,
		unix.SYS_RT_SIGACTION:   handleRtSigaction,
		unix.SYS_RT_SIGPROCMASK: handleRtSigprocmask,
		unix.SYS_SIGALTSTACK:    handleSigaltstack,

		unix.SYS_CLONE:           handleClone,
		unix.SYS_GETPID:          handleGetpid,
		unix.SYS_SET_TID_ADDRESS: handleSetTidAddress,
		unix.SYS_FUTEX:           handleFutex,

		unix.SYS_UNAME:   handleUname,
		unix.SYS_SYSINFO: handleSysinfo,

		unix.SYS_MMAP:   handleMmap,
		unix.SYS_MREMAP: handleMremap,
		unix.SYS_MUNMAP: handleMunmap,

		unix.SYS_POLL:     handlePoll,
		unix.SYS_PPOLL:    handlePpoll,
		unix.SYS_SELECT:   handleSelect,
		unix.SYS_PSELECT6: handlePselect6,

		unix.SYS_SOCKET:     handleSocket,
		unix.SYS_BIND:       handleBind,
		unix.SYS_CONNECT:    handleConnect,
		unix.SYS_LISTEN:     handleListen,
		unix.SYS_ACCEPT:     handleAccept,
		unix.SYS_ACCEPT4:    handleAccept4,
		unix.SYS_SENDTO:     handleSendto,
		unix.SYS_RECVFROM:   handleRecvfrom,
		unix.SYS_SETSOCKOPT: handleSetsockopt,
		unix.SYS_GETSOCKOPT: handleGetsockopt,

		unix.SYS_EPOLL_CREATE:  handleEpollCreate,
		unix.SYS_EPOLL_CREATE1: handleEpollCreate1,
		unix.SYS_EPOLL_CTL:     handleEpollCtl,
		unix.SYS_EPOLL_WAIT:    handleEpollWait,
		unix.SYS_EPOLL_PWAIT:   handleEpollPwait,
	}
	for sysno, h := range table {
		d.handle(sysno, h)
	}
}

// registerShadow wires the simulator-private syscall range: the
// single implemented call, the two forward-looking hooks, and ENOSYS for
// the three retired numbers.
func (d *Dispatcher) registerShadow() {
	d.handle(linuxabi.SysShadowHostnameToAddrIPv4, handleShadowHostnameToAddr)
	d.handle(linuxabi.SysShadowInitMemoryManager, handleShadowInitMemoryManager)
	d.handle(linuxabi.SysShadowYield, handleShadowYield)

	enosys := func(ctx *Context, args [6]uintptr) Return {
		return Done(errno.Ret(errno.ENOSYS))
	}
	d.handle(linuxabi.SysShadowDeprecated0, enosys)
	d.handle(linuxabi.SysShadowDeprecated1, enosys)
	d.handle(linuxabi.SysShadowDeprecated2, enosys)
}

// registerUnsupported lists the syscalls that return ENOSYS with a
// one-time log: the zero-copy/batched I/O calls
// this core doesn't model. (The obsolete pre-rt sigaction/signal/
// sigprocmask syscalls have no x86-64 syscall numbers at all; amd64
// Linux only ever had the rt_ variants, so there's nothing to register
// them as.)
func (d *Dispatcher) registerUnsupported() {
	for _, sysno := range []uintptr{
		unix.SYS_SENDFILE,
		unix.SYS_SPLICE,
		unix.SYS_TEE,
		unix.SYS_RECVMMSG,
		unix.SYS_SENDMMSG,
	} {
		d.unsupported(sysno)
	}
}
