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
	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/thread"
	"github.com/shadow/shadow-go/pkg/errno"
)

// handleClone implements clone(2) by delegating
// to the Managed Thread's native-injection primitive, which also adds
// the new thread to the caller's process; this handler's only job is
// the errno mapping.
func handleClone(ctx *Context, args [6]uintptr) Return {
	flags, stack, ptidAddr, ctidAddr, tls := args[0], args[1], args[2], args[3], args[4]

	_, ret, err := ctx.Thread.Clone(flags, stack, ptidAddr, ctidAddr, tls, ctx.Thread.SyscallInsnAddr(), ctx.Log)
	if err == thread.ErrCloneUnsupportedFlags {
		return Done(errno.Ret(errno.ENOTSUP))
	}
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(ret)
}

// handleGetpid implements getpid(2): the guest observes the process's
// native pid, which this core never remaps; only thread ids are
// virtualized.
func handleGetpid(ctx *Context, args [6]uintptr) Return {
	return Done(int64(ctx.Process.PID))
}

// handleSetTidAddress implements set_tid_address(2): records the
// CLEARTID address for the calling thread itself, reusing the same
// bookkeeping clone's CHILD_CLEARTID flag populates, and returns
// the thread's virtual tid.
func handleSetTidAddress(ctx *Context, args [6]uintptr) Return {
	ctx.Thread.SetTIDClearAddress(args[0])
	return Done(int64(ctx.Thread.VTID))
}

// Futex operation codes this core recognizes; any other op returns
// ENOSYS.
const (
	futexOpMask = 0x7f
	futexWait   = 0
	futexWake   = 1
)

// handleFutex implements just enough of futex(2) to unblock the
// clone(2) CHILD_CLEARTID wake path and simple producer/consumer
// spin-wait loops: FUTEX_WAKE always reports zero waiters woken (no
// other traced thread is parked on a real kernel futex queue; they are
// all paused by ptrace). FUTEX_WAIT with a timeout blocks on a Condition
// armed with that timeout, since nothing else wakes it; FUTEX_WAIT
// without a timeout returns 0 at once as a spurious wake.
func handleFutex(ctx *Context, args [6]uintptr) Return {
	op := int(args[1]) & futexOpMask
	switch op {
	case futexWake:
		return Done(0)
	case futexWait:
		if c := ctx.Thread.Condition(); c != nil {
			return resumeFutexWait(ctx, c)
		}
		return blockFutexWait(ctx, args[3])
	default:
		return Done(errno.Ret(errno.ENOSYS))
	}
}

func blockFutexWait(ctx *Context, timeoutAddr uintptr) Return {
	if timeoutAddr == 0 {
		// No timeout: nothing in this core ever wakes a plain
		// FUTEX_WAIT via a real futex queue, so treat it as an
		// immediate (spurious) wake rather than blocking forever.
		return Done(0)
	}
	d, errn := readTimespec(ctx, timeoutAddr)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	c := cond.New()
	c.SetTimeout(toTime(ctx.Scheduler.Now() + d))
	ctx.Thread.SetCondition(c)
	return Block(c, true)
}

// resumeFutexWait is reached only once the deadline armed by
// blockFutexWait has fired (nothing else in this core currently wakes a
// FUTEX_WAIT), so it always reports ETIMEDOUT.
func resumeFutexWait(ctx *Context, c *cond.Condition) Return {
	ctx.Thread.SetCondition(nil)
	c.Release()
	return Done(errno.Ret(unix.ETIMEDOUT))
}
