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
	"github.com/shadow/shadow-go/pkg/errno"
)

// handleClockGettime implements clock_gettime(2) against the simulated
// clock: every clock id maps to the same simulated time.
func handleClockGettime(ctx *Context, args [6]uintptr) Return {
	return writeTimespec(ctx, args[1], ctx.Scheduler.Now())
}

// handleGettimeofday implements gettimeofday(2); the timezone argument,
// if given, is zeroed (the guest observes UTC).
func handleGettimeofday(ctx *Context, args [6]uintptr) Return {
	now := ctx.Scheduler.Now()
	if err := ctx.Process.Mem.WriteStruct(args[0], 16, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:8], uint64(now/time.Second))
		binary.LittleEndian.PutUint64(b[8:16], uint64((now%time.Second)/time.Microsecond))
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	if tz := args[1]; tz != 0 {
		if err := ctx.Process.Mem.WriteStruct(tz, 8, func(b []byte) {
			for i := range b {
				b[i] = 0
			}
		}); err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
	}
	return Done(0)
}

// handleTime implements time(2): returns the simulated epoch seconds,
// additionally writing them through the pointer argument if non-null.
func handleTime(ctx *Context, args [6]uintptr) Return {
	now := ctx.Scheduler.Now()
	secs := int64(now / time.Second)
	if args[0] != 0 {
		if err := ctx.Process.Mem.WriteStruct(args[0], 8, func(b []byte) {
			binary.LittleEndian.PutUint64(b, uint64(secs))
		}); err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
	}
	return Done(secs)
}

func writeTimespec(ctx *Context, addr uintptr, d time.Duration) Return {
	if addr == 0 {
		return Done(errno.Ret(errno.EFAULT))
	}
	if err := ctx.Process.Mem.WriteStruct(addr, 16, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:8], uint64(d/time.Second))
		binary.LittleEndian.PutUint64(b[8:16], uint64(d%time.Second))
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(0)
}

// readTimespec returns a zero errno.Errno on success; errno.Errno's
// zero value is not a valid Linux error number, so callers test it with
// `!= 0`.
func readTimespec(ctx *Context, addr uintptr) (time.Duration, errno.Errno) {
	buf, err := ctx.Process.Mem.ReadPtr(addr, 16)
	if err != nil {
		return 0, errno.EFAULT
	}
	sec := int64(binary.LittleEndian.Uint64(buf[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(buf[8:16]))
	if sec < 0 || nsec < 0 || nsec >= int64(time.Second) {
		return 0, errno.EINVAL
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), 0
}

// handleNanosleep implements the canonical blocking-syscall pattern:
// the first invocation parses the request and returns Block with an
// absolute deadline; the re-entry (with the same args, once the
// condition has fired) reports either elapsed-to-completion or
// signal-interruption with the remaining duration written back.
func handleNanosleep(ctx *Context, args [6]uintptr) Return {
	if c := ctx.Thread.Condition(); c != nil {
		return resumeNanosleep(ctx, c, args[1])
	}

	req, errn := readTimespec(ctx, args[0])
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	if req <= 0 {
		return Done(0)
	}

	deadline := toTime(ctx.Scheduler.Now() + req)
	c := cond.New()
	c.SetTimeout(deadline)
	ctx.Thread.SetCondition(c)
	return Block(c, true)
}

func resumeNanosleep(ctx *Context, c *cond.Condition, remAddr uintptr) Return {
	now := ctx.Scheduler.Now()
	fired, reason, _ := c.Poll(toTime(now))
	if !fired {
		return Block(c, true)
	}
	deadline, _ := c.Deadline()
	ctx.Thread.SetCondition(nil)
	c.Release()

	if reason == cond.Timeout {
		return Done(0)
	}

	remaining := deadline.Sub(toTime(now))
	if remaining < 0 {
		remaining = 0
	}
	if remAddr != 0 {
		if r := writeTimespec(ctx, remAddr, remaining); r.Value != 0 {
			return r
		}
		// EINTR is the one errno whose output parameter must still reach
		// the guest; flushing here exempts it from the caller's
		// discard-on-error rule.
		ctx.Process.Mem.Flush()
	}
	return Done(errno.Ret(errno.EINTR))
}
