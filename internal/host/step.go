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

package host

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/syscalls"
	"github.com/shadow/shadow-go/internal/thread"
	"github.com/shadow/shadow-go/internal/tsc"
	"github.com/shadow/shadow-go/pkg/arch"
	"github.com/shadow/shadow-go/pkg/errno"
)

// Step drives t through one scheduling turn: wait for the next guest
// event, dispatch it, and either resume the guest or hand
// its blocking condition back to the caller. A nil condition with a nil
// error means the guest was resumed (or exited) and the thread can be
// stepped again when the scheduler next picks it.
func (h *Host) Step(t *thread.Thread) (*cond.Condition, error) {
	ev, err := t.HybridWait()
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case thread.EventExited:
		return nil, t.NotifyExit()

	case thread.EventIPCSyscall:
		return h.stepIPC(t, ev.IPCSysno, ev.IPCArgs)

	case thread.EventPtraceStop:
		return h.stepPtrace(t, ev.Signal)

	default:
		return nil, fmt.Errorf("host: unknown thread event %d", ev.Kind)
	}
}

// ResumeBlocked re-enters a previously-blocked syscall once its condition
// has fired: the register snapshot still holds the original entry state,
// so the handler is re-invoked with the same number and args, and the
// result is applied as usual. A thread detached by DetachBlocked is
// transparently re-attached first.
func (h *Host) ResumeBlocked(t *thread.Thread) (*cond.Condition, error) {
	if t.Detached() {
		if err := t.Reattach(); err != nil {
			return nil, err
		}
	}
	snap := t.Snapshot()
	r := h.MakeSyscall(t, snap.SyscallNo(), snap.SyscallArgs())
	return h.applyReturn(t, r)
}

// DetachBlocked releases the ptrace attachment of every thread parked in
// a blocking syscall. Ptrace commands only work from the OS thread that
// attached, so the external scheduler must call this before migrating a
// host to a different worker thread; ResumeBlocked re-attaches lazily as
// each thread's condition fires.
func (h *Host) DetachBlocked(p *thread.Process) error {
	for _, t := range p.Threads() {
		if t.Condition() == nil || t.Detached() || t.State() != thread.StateSyscall {
			continue
		}
		if err := t.Detach(); err != nil {
			return err
		}
	}
	return nil
}

// ReattachBlocked eagerly re-attaches every thread DetachBlocked
// released, for schedulers that migrate a host once and then drive it on
// the new worker thread for many steps.
func (h *Host) ReattachBlocked(p *thread.Process) error {
	for _, t := range p.Threads() {
		if !t.Detached() {
			continue
		}
		if err := t.Reattach(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) stepPtrace(t *thread.Thread, sig unix.Signal) (*cond.Condition, error) {
	if err := t.LoadRegs(); err != nil {
		return nil, err
	}

	switch {
	case sig == thread.SigSyscallStop:
		snap := t.Snapshot()
		r := h.MakeSyscall(t, snap.SyscallNo(), snap.SyscallArgs())
		return h.applyReturn(t, r)

	case sig == unix.SIGSEGV:
		return nil, h.stepSigsegv(t)

	case sig == unix.SIGSTOP && !h.cfg.ForwardUnknownSIGSTOP:
		// Protocol noise (an absorbed attach/group stop), not a
		// guest-visible event; the policy is explicit config, not a guess.
		return nil, t.ResumeEmulated()

	default:
		return nil, t.ResumeWithSignal(sig)
	}
}

// stepSigsegv distinguishes a TSC trap from a genuine fault:
// rdtsc/rdtscp at the faulting instruction pointer is emulated against
// the simulated clock, anything else is forwarded to the guest with
// its original cause.
func (h *Host) stepSigsegv(t *thread.Thread) error {
	snap := t.Snapshot()
	insn, err := t.ReadInsn(snap.IP(), 3)
	if err != nil || tsc.Detect(insn) == tsc.NotTSC {
		return t.ResumeWithSignal(unix.SIGSEGV)
	}
	if err := h.tscEmu.ApplyTo(snap, int64(h.clock.Now()), 0, insn); err != nil {
		return t.ResumeWithSignal(unix.SIGSEGV)
	}
	return t.ResumeEmulated()
}

// stepIPC serves a syscall the shim packaged over shared memory: the
// result goes back through the slot rather than rax. Ptrace is still used underneath for Native-class syscalls, via
// the injection primitive.
func (h *Host) stepIPC(t *thread.Thread, sysno uintptr, args [6]uintptr) (*cond.Condition, error) {
	r := h.MakeSyscall(t, sysno, args)
	switch r.Kind {
	case syscalls.KindDone:
		t.Slot().Respond(r.Value)
		return nil, nil
	case syscalls.KindInterrupted:
		t.Slot().Respond(errno.Ret(errno.EINTR))
		return nil, nil
	case syscalls.KindNative:
		ret, err := h.injectNative(t, sysno, args)
		if err != nil {
			return nil, err
		}
		t.Slot().Respond(ret)
		return nil, nil
	case syscalls.KindBlock:
		return r.Cond, nil
	default:
		return nil, fmt.Errorf("host: unhandled syscall return kind %d", r.Kind)
	}
}

func (h *Host) injectNative(t *thread.Thread, sysno uintptr, args [6]uintptr) (int64, error) {
	sysArgs := make([]arch.SyscallArgument, len(args))
	for i, v := range args {
		sysArgs[i] = arch.SyscallArgument{Value: v}
	}
	ret, err := t.InjectSyscall(sysno, sysArgs...)
	if err == unix.ECHILD {
		return errno.Ret(errno.ECHILD), nil
	}
	return ret, err
}

// applyReturn pushes a dispatch result into the guest: Done and
// Interrupted set rax and skip the native syscall, Native runs
// the real syscall and observes its result, Block leaves the thread
// stopped and hands the condition to the scheduler.
func (h *Host) applyReturn(t *thread.Thread, r syscalls.Return) (*cond.Condition, error) {
	snap := t.Snapshot()
	switch r.Kind {
	case syscalls.KindDone:
		snap.SetReturn(r.Value)
		return nil, t.ResumeEmulated()

	case syscalls.KindInterrupted:
		snap.SetReturn(errno.Ret(errno.EINTR))
		return nil, t.ResumeEmulated()

	case syscalls.KindNative:
		if _, err := t.RunNativeSyscall(); err != nil {
			if err == unix.ECHILD {
				return nil, t.NotifyExit()
			}
			return nil, err
		}
		return nil, t.ResumeEmulated()

	case syscalls.KindBlock:
		return r.Cond, nil

	default:
		return nil, fmt.Errorf("host: unhandled syscall return kind %d", r.Kind)
	}
}

// RunUntilExit drives every thread of this host until all have exited:
// unblocked threads are stepped, blocked threads are polled, and when
// nothing is runnable the clock jumps to the next armed deadline. This
// is the single-host stand-in for the external discrete-event
// scheduler, useful for driving one guest standalone and for tests.
func (h *Host) RunUntilExit(p *thread.Process) error {
	for {
		threads := p.Threads()
		if len(threads) == 0 {
			return nil
		}

		ranAny := false
		for _, t := range threads {
			if t.State() == thread.StateExited {
				p.RemoveThread(t.VTID)
				continue
			}
			c := t.Condition()
			if c == nil {
				if _, err := h.Step(t); err != nil {
					return err
				}
				ranAny = true
				continue
			}
			if fired, _, _ := c.Poll(toTime(h.clock.Now())); fired {
				if _, err := h.ResumeBlocked(t); err != nil {
					return err
				}
				ranAny = true
			}
		}

		if !ranAny {
			if _, deadline, ok := h.deadlines.Next(); ok {
				h.clock.SetNow(deadline.Sub(simEpoch))
				continue
			}
			// Every thread is blocked with no deadline: nothing in this
			// single-host loop can ever wake them.
			return fmt.Errorf("host: all threads blocked with no armed deadline")
		}
	}
}

// Drive runs several hosts' guest processes to completion on parallel OS
// threads.
func Drive(runs map[*Host]*thread.Process) error {
	var g errgroup.Group
	for h, p := range runs {
		h, p := h, p
		g.Go(func() error {
			return h.RunUntilExit(p)
		})
	}
	return g.Wait()
}

// ElapsedUntil converts an absolute condition deadline back to the
// simulated duration the external scheduler deals in.
func ElapsedUntil(deadline time.Time) time.Duration {
	return deadline.Sub(simEpoch)
}
