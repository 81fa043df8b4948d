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

	"github.com/shadow/shadow-go/internal/thread"
	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/shadow/shadow-go/pkg/errno"
)

// handleKill implements kill(2): delivers sig to any thread of the
// target process. Only the calling process's own
// pid is resolvable here; a multi-process target is out of this core's
// scope.
func handleKill(ctx *Context, args [6]uintptr) Return {
	pid, sig := int(int32(args[0])), int(int32(args[1]))
	if sig == 0 {
		return Done(0) // existence probe; the target process exists by construction here
	}
	if pid != ctx.Process.PID {
		return Done(errno.Ret(errno.ESRCH))
	}
	target, ok := ctx.Process.AnyThread(sig)
	if !ok {
		return Done(errno.Ret(errno.ESRCH))
	}
	return deliverToThread(ctx, target, sig)
}

// handleTgkill implements tgkill(2): delivers sig to one specific
// virtual tid within the calling thread group.
func handleTgkill(ctx *Context, args [6]uintptr) Return {
	tgid, vtid, sig := int(int32(args[0])), uint64(args[1]), int(int32(args[2]))
	if tgid != ctx.Process.PID {
		return Done(errno.Ret(errno.ESRCH))
	}
	target, ok := ctx.Process.Thread(vtid)
	if !ok {
		return Done(errno.Ret(errno.ESRCH))
	}
	return deliverToThread(ctx, target, sig)
}

// handleTkill implements the deprecated tkill(2): like tgkill but
// without the thread-group argument.
func handleTkill(ctx *Context, args [6]uintptr) Return {
	vtid, sig := uint64(args[0]), int(int32(args[1]))
	target, ok := ctx.Process.Thread(vtid)
	if !ok {
		return Done(errno.Ret(errno.ESRCH))
	}
	return deliverToThread(ctx, target, sig)
}

// deliverToThread validates and sends sig to target: invalid signum is EINVAL, otherwise the
// signal's delivery (drop/pend/wake) is package sig's responsibility.
func deliverToThread(ctx *Context, target *thread.Thread, sig int) Return {
	info := linuxabi.SigInfo{Signo: int32(sig), PID: int32(ctx.Process.PID)}
	if err := target.Signals.SendToThread(ctx.Process.Signals, sig, info); err != nil {
		return Done(errno.Ret(err.(errno.Errno)))
	}
	return Done(0)
}

func readSigAction(ctx *Context, addr uintptr) (linuxabi.SigAction, errno.Errno) {
	buf, err := ctx.Process.Mem.ReadPtr(addr, 32)
	if err != nil {
		return linuxabi.SigAction{}, errno.EFAULT
	}
	return linuxabi.SigAction{
		Handler:     uintptr(binary.LittleEndian.Uint64(buf[0:8])),
		Disposition: decodeDisposition(buf[0:8]),
		Flags:       binary.LittleEndian.Uint64(buf[8:16]),
		Restorer:    uintptr(binary.LittleEndian.Uint64(buf[16:24])),
		Mask:        binary.LittleEndian.Uint64(buf[24:32]),
	}, 0
}

// decodeDisposition maps the raw handler pointer's SIG_DFL(0)/SIG_IGN(1)
// sentinels to Disposition; any other value is a real handler address.
func decodeDisposition(raw []byte) linuxabi.Disposition {
	v := binary.LittleEndian.Uint64(raw)
	switch v {
	case 0:
		return linuxabi.DispositionDefault
	case 1:
		return linuxabi.DispositionIgnore
	default:
		return linuxabi.DispositionHandler
	}
}

func writeSigAction(ctx *Context, addr uintptr, a linuxabi.SigAction) errno.Errno {
	if addr == 0 {
		return 0
	}
	handler := a.Handler
	switch a.Disposition {
	case linuxabi.DispositionDefault:
		handler = 0
	case linuxabi.DispositionIgnore:
		handler = 1
	}
	if err := ctx.Process.Mem.WriteStruct(addr, 32, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:8], uint64(handler))
		binary.LittleEndian.PutUint64(b[8:16], a.Flags)
		binary.LittleEndian.PutUint64(b[16:24], uint64(a.Restorer))
		binary.LittleEndian.PutUint64(b[24:32], a.Mask)
	}); err != nil {
		return errno.EFAULT
	}
	return 0
}

// handleRtSigaction implements rt_sigaction(2): process-wide, SIGKILL/SIGSTOP and invalid signum rejected
// with EINVAL by package sig itself.
func handleRtSigaction(ctx *Context, args [6]uintptr) Return {
	sig, act, oldact := int(int32(args[0])), args[1], args[2]

	if oldact != 0 {
		old, err := ctx.Process.Signals.GetAction(sig)
		if err != nil {
			return Done(errno.Ret(err.(errno.Errno)))
		}
		if errn := writeSigAction(ctx, oldact, old); errn != 0 {
			return Done(errno.Ret(errn))
		}
	}
	if act == 0 {
		return Done(0)
	}
	newAction, errn := readSigAction(ctx, act)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	if err := ctx.Process.Signals.SetAction(sig, newAction); err != nil {
		return Done(errno.Ret(err.(errno.Errno)))
	}
	return Done(0)
}

const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

// handleRtSigprocmask implements rt_sigprocmask(2) against the calling
// thread's blocked mask.
func handleRtSigprocmask(ctx *Context, args [6]uintptr) Return {
	how, set, oldset := int(int32(args[0])), args[1], args[2]

	old := ctx.Thread.Signals.GetBlocked()
	if oldset != 0 {
		if err := ctx.Process.Mem.WriteStruct(oldset, 8, func(b []byte) {
			binary.LittleEndian.PutUint64(b, old)
		}); err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
	}
	if set == 0 {
		return Done(0)
	}
	buf, err := ctx.Process.Mem.ReadPtr(set, 8)
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	mask := binary.LittleEndian.Uint64(buf)

	switch how {
	case sigBlock:
		ctx.Thread.Signals.SetBlocked(old | mask)
	case sigUnblock:
		ctx.Thread.Signals.SetBlocked(old &^ mask)
	case sigSetmask:
		ctx.Thread.Signals.SetBlocked(mask)
	default:
		return Done(errno.Ret(errno.EINVAL))
	}
	return Done(0)
}

// handleSigaltstack implements sigaltstack(2) by delegating straight to
// package sig's Sigaltstack, translating its struct to/from guest
// memory.
func handleSigaltstack(ctx *Context, args [6]uintptr) Return {
	newAddr, oldAddr := args[0], args[1]

	var newStack *linuxabi.SigAltStack
	if newAddr != 0 {
		buf, err := ctx.Process.Mem.ReadPtr(newAddr, 24)
		if err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		s := linuxabi.SigAltStack{
			SP:    uintptr(binary.LittleEndian.Uint64(buf[0:8])),
			Flags: int32(binary.LittleEndian.Uint32(buf[8:12])),
			Size:  uintptr(binary.LittleEndian.Uint64(buf[16:24])),
		}
		newStack = &s
	}

	var old linuxabi.SigAltStack
	if err := ctx.Thread.Signals.Sigaltstack(newStack, &old); err != nil {
		return Done(errno.Ret(err.(errno.Errno)))
	}

	if oldAddr != 0 {
		if err := ctx.Process.Mem.WriteStruct(oldAddr, 24, func(b []byte) {
			binary.LittleEndian.PutUint64(b[0:8], uint64(old.SP))
			binary.LittleEndian.PutUint32(b[8:12], uint32(old.Flags))
			binary.LittleEndian.PutUint64(b[16:24], uint64(old.Size))
		}); err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
	}
	return Done(0)
}
