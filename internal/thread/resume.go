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

	"github.com/shadow/shadow-go/pkg/arch"
)

// LoadRegs refreshes the cached register snapshot from the tracee; the
// resume loop calls it once per ptrace stop before reading the syscall
// number or instruction pointer.
func (t *Thread) LoadRegs() error {
	return t.getRegs()
}

// sysemu resumes the tracee with PTRACE_SYSEMU, forwarding sig (0 for
// none). SYSEMU skips the pending syscall, which is exactly what a
// handled syscall wants: the simulated result is already in rax.
func (t *Thread) sysemu(sig unix.Signal) error {
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SYSEMU, uintptr(t.tid), 0, uintptr(sig), 0, 0); errno != 0 {
		return fmt.Errorf("thread: ptrace sysemu %d: %w", t.tid, errno)
	}
	t.snap.Invalidate()
	return nil
}

// ResumeEmulated writes back any dirty registers and resumes the guest
// past the current syscall stop, skipping the native syscall. The
// caller must already have flushed or discarded staged guest-memory
// writes.
func (t *Thread) ResumeEmulated() error {
	if err := t.setRegs(); err != nil {
		return err
	}
	return t.sysemu(0)
}

// ResumeWithSignal resumes the guest delivering sig to it, used to
// forward a non-TSC SIGSEGV (or any other guest-owned signal) with its
// original cause intact.
func (t *Thread) ResumeWithSignal(sig unix.Signal) error {
	if err := t.setRegs(); err != nil {
		return err
	}
	return t.sysemu(sig)
}

// RunNativeSyscall executes the syscall the guest is currently stopped
// at natively and returns its result: the registers are resumed
// unchanged so the guest's own kernel performs
// the call, then the thread is stepped until it is past the syscall
// instruction so the result can be observed in rax.
func (t *Thread) RunNativeSyscall() (int64, error) {
	if err := t.setRegs(); err != nil {
		return 0, err
	}
	for {
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(t.tid), 0, 0, 0, 0); errno != 0 {
			return 0, fmt.Errorf("thread: ptrace singlestep %d: %w", t.tid, errno)
		}
		sig, err := t.wait(waitStopped)
		if err != nil {
			if t.state == StateExited {
				return 0, unix.ECHILD
			}
			return 0, err
		}
		if sig == unix.SIGTRAP {
			break
		}
		// The step landed on an unrelated stop first; keep stepping.
	}
	if err := t.getRegs(); err != nil {
		return 0, err
	}
	return t.snap.Return(), nil
}

// NotifyExit performs the guest-visible half of thread death: if a
// TID-clear address was recorded (CHILD_CLEARTID or set_tid_address), zero it so pthread_join-style waiters observe the
// exit, then drop the thread from its process. Waking the futex itself
// is unnecessary in this core: every sibling thread is paused under
// ptrace, and a FUTEX_WAIT it later issues re-checks the now-zero word.
func (t *Thread) NotifyExit() error {
	t.state = StateExited
	if t.proc == nil {
		return nil
	}
	if addr, ok := t.TIDClearAddress(); ok && addr != 0 {
		buf, err := t.proc.Mem.WritePtr(addr, 4)
		if err != nil {
			return err
		}
		for i := range buf {
			buf[i] = 0
		}
		if err := t.proc.Mem.Flush(); err != nil {
			return err
		}
	}
	t.proc.RemoveThread(t.VTID)
	return nil
}

// Detach releases the ptrace attachment from a syscall stop, rewinding
// rip by the syscall instruction width so re-attach observes the same
// syscall entry. The pre-rewind rip is saved for Reattach to restore.
func (t *Thread) Detach() error {
	if t.state != StateSyscall {
		return fmt.Errorf("thread: detach %d: only legal from a syscall stop, state is %v", t.tid, t.state)
	}
	if t.detached {
		return fmt.Errorf("thread: detach %d: already detached", t.tid)
	}
	if !t.snap.Valid() {
		if err := t.getRegs(); err != nil {
			return err
		}
	}
	t.detachedIP = t.snap.IP()
	if err := t.detach(arch.SyscallInstructionWidth); err != nil {
		return err
	}
	t.detached = true
	return nil
}

// Reattach resumes tracing after a Detach: attach, absorb intermediate
// SIGSTOPs until the re-entered syscall's entry stop is observed, and
// restore the instruction pointer saved by Detach. The thread ends up in
// the same syscall-entry state it was detached from.
func (t *Thread) Reattach() error {
	if !t.detached {
		return fmt.Errorf("thread: reattach %d: not detached", t.tid)
	}
	if err := t.reattach(t.detachedIP); err != nil {
		return err
	}
	t.detached = false
	t.state = StateSyscall
	return nil
}
