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

package thread

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SigSyscallStop is the stop signal a syscall-entry stop reports once
// PTRACE_O_TRACESYSGOOD is set, distinguishing it from a real SIGTRAP.
const SigSyscallStop = unix.SIGTRAP | 0x80

// waitOutcome is wait()'s contract with its caller: the caller states
// what it expects to see, and wait() fails loudly if reality disagrees.
type waitOutcome int

const (
	waitStopped waitOutcome = iota
	waitKilled
)

// wait blocks until tid reports a stop or exit matching outcome,
// retrying across EINTR and spurious stops.
func (t *Thread) wait(outcome waitOutcome) (unix.Signal, error) {
	var status unix.WaitStatus
	for {
		r, err := unix.Wait4(t.tid, &status, unix.WALL, nil)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("thread: wait4(%d) failed: %w", t.tid, err)
		}
		if r != t.tid {
			return 0, fmt.Errorf("thread: wait4 returned %d, expected %d", r, t.tid)
		}
		switch outcome {
		case waitStopped:
			if !status.Stopped() {
				if status.Exited() || status.Signaled() {
					t.state = StateExited
					return 0, fmt.Errorf("thread: %d exited unexpectedly while waiting for a stop", t.tid)
				}
				continue
			}
			stopSig := status.StopSignal()
			if stopSig == 0 {
				continue // spurious stop
			}
			return stopSig, nil
		case waitKilled:
			if !status.Exited() && !status.Signaled() {
				continue
			}
			t.state = StateExited
			return unix.Signal(status.ExitStatus()), nil
		default:
			return 0, fmt.Errorf("thread: unknown wait outcome %d", outcome)
		}
	}
}

// waitNonBlocking polls tid's status without blocking, for use from the
// hybrid wait's busy-spin. ok is false when there is nothing new.
func (t *Thread) waitNonBlocking() (sig unix.Signal, exited bool, ok bool, err error) {
	var status unix.WaitStatus
	r, err := unix.Wait4(t.tid, &status, unix.WALL|unix.WNOHANG, nil)
	if err == unix.EINTR || err == unix.EAGAIN {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("thread: wait4(WNOHANG, %d) failed: %w", t.tid, err)
	}
	if r == 0 {
		return 0, false, false, nil
	}
	if status.Exited() || status.Signaled() {
		t.state = StateExited
		return unix.Signal(status.ExitStatus()), true, true, nil
	}
	if !status.Stopped() {
		return 0, false, false, nil
	}
	stopSig := status.StopSignal()
	if stopSig == 0 {
		return 0, false, false, nil
	}
	return stopSig, false, true, nil
}

// attach PTRACE_ATTACHes to the thread and waits for the SIGSTOP that
// generates, then applies trace options.
func (t *Thread) attach() error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_ATTACH, uintptr(t.tid), 0, 0, 0, 0); errno != 0 {
		return fmt.Errorf("thread: ptrace attach %d: %w", t.tid, errno)
	}
	sig, err := t.wait(waitStopped)
	if err != nil {
		return err
	}
	if sig != unix.SIGSTOP {
		return fmt.Errorf("thread: attach %d: expected SIGSTOP, got %v", t.tid, sig)
	}
	return t.init()
}

// init sets the trace options the controller always wants: differentiate
// real SIGTRAPs from syscall-stops, kill stubs if the controller exits,
// and stop once more on exec.
func (t *Thread) init() error {
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXIT | unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACEEXEC
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SETOPTIONS, uintptr(t.tid), 0, uintptr(opts), 0, 0); errno != 0 {
		return fmt.Errorf("thread: ptrace setoptions %d: %w", t.tid, errno)
	}
	return nil
}

// detach is allowed only from a syscall stop;
// rewind is the number of bytes to rewind rip by first, so re-attach
// observes the same syscall entry.
func (t *Thread) detach(rewind uintptr) error {
	if rewind > 0 {
		t.snap.RewindIP(rewind)
		if err := t.setRegs(); err != nil {
			return err
		}
	}
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(t.tid), 0, 0, 0, 0); errno != 0 {
		return fmt.Errorf("thread: ptrace detach %d: %w", t.tid, errno)
	}
	return nil
}

// reattach re-attaches after a detach and runs the tracee back to a
// syscall-entry stop. detach rewound rip to the syscall instruction, so
// resuming re-executes it; stray SIGSTOPs (the attach stop itself, group
// stops) and any other signal-delivery stop seen along the way are
// absorbed: each is resumed with signal 0, so that signal is not
// delivered to the tracee. restoreIP is
// the rip value the original entry stopped with; it is written back so
// the snapshot ends up bit-identical to the pre-detach entry state.
func (t *Thread) reattach(restoreIP uintptr) error {
	if err := t.attach(); err != nil {
		return err
	}
	for {
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SYSCALL, uintptr(t.tid), 0, 0, 0, 0); errno != 0 {
			return fmt.Errorf("thread: ptrace syscall-resume %d: %w", t.tid, errno)
		}
		sig, err := t.wait(waitStopped)
		if err != nil {
			return err
		}
		if sig == SigSyscallStop {
			break
		}
		// SIGSTOP here is attach/group-stop noise; anything else stopped
		// the thread before it reached the syscall entry. Either way,
		// keep resuming until the re-entered syscall is observed.
	}
	if err := t.getRegs(); err != nil {
		return err
	}
	t.snap.SetIP(restoreIP)
	return t.setRegs()
}

// getRegs loads the current register set via PTRACE_GETREGS.
func (t *Thread) getRegs() error {
	err := unix.PtraceGetRegs(t.tid, &t.snap.Regs)
	if err != nil {
		return fmt.Errorf("thread: ptrace getregs %d: %w", t.tid, err)
	}
	t.snap.Loaded()
	return nil
}

// setRegs writes back the cached register set via PTRACE_SETREGS when
// dirty, then clears the dirty bit.
func (t *Thread) setRegs() error {
	if err := t.snap.CheckInvariant(); err != nil {
		panic(err) // violated core invariant, the simulation is undefined
	}
	if !t.snap.Dirty() {
		return nil
	}
	if err := unix.PtraceSetRegs(t.tid, &t.snap.Regs); err != nil {
		return fmt.Errorf("thread: ptrace setregs %d: %w", t.tid, err)
	}
	t.snap.WrittenBack()
	return nil
}

// ReadInsn reads n bytes at addr in the tracee via /proc/pid/mem, used by
// the TSC emulator to classify a SIGSEGV's faulting instruction.
func (t *Thread) ReadInsn(addr uintptr, n int) ([]byte, error) {
	if t.proc == nil || t.proc.Mem == nil {
		return nil, fmt.Errorf("thread: no memory accessor for %d", t.tid)
	}
	buf, err := t.proc.Mem.ReadPtr(addr, n)
	if err != nil {
		return nil, err
	}
	t.proc.Mem.Discard() // this is a peek, not a syscall's staged write
	return buf, nil
}
