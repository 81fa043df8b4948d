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

// Package arch wraps the x86-64 general-purpose register set exposed by
// ptrace, plus the cached/dirty bookkeeping the core's Register Snapshot
// requires before a thread may be resumed.
package arch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SyscallArgument is one argument slot in the standard x86-64 syscall
// calling convention, used both to read a guest syscall's arguments and to
// build the argument list for a natively-injected syscall.
type SyscallArgument struct {
	Value uintptr
}

// Snapshot is the register set cached from the last ptrace stop, together
// with their valid/dirty bits. The invariant dirty-implies-valid is
// enforced by every mutator here; nothing outside this package should flip
// these bits directly.
type Snapshot struct {
	Regs  unix.PtraceRegs
	valid bool
	dirty bool
}

// Valid reports whether Regs reflects what the CPU actually holds.
func (s *Snapshot) Valid() bool { return s.valid }

// Dirty reports whether Regs has been modified since the last load and
// must be written back with PTRACE_SETREGS before the thread resumes.
func (s *Snapshot) Dirty() bool { return s.dirty }

// Invalidate marks the snapshot as stale; the next access must reload it
// from the tracee via PTRACE_GETREGS.
func (s *Snapshot) Invalidate() {
	s.valid = false
	s.dirty = false
}

// Loaded records that Regs was just populated from the tracee.
func (s *Snapshot) Loaded() {
	s.valid = true
	s.dirty = false
}

// WrittenBack records that Regs was just flushed to the tracee.
func (s *Snapshot) WrittenBack() {
	s.dirty = false
}

// CheckInvariant returns an error if dirty && !valid, which should never
// happen; callers treat this as a fatal core-invariant violation.
func (s *Snapshot) CheckInvariant() error {
	if s.dirty && !s.valid {
		return fmt.Errorf("register snapshot invariant violated: dirty=%v valid=%v", s.dirty, s.valid)
	}
	return nil
}

// SyscallNo returns the syscall number latched in orig_rax at syscall
// entry.
func (s *Snapshot) SyscallNo() uintptr {
	return uintptr(s.Regs.Orig_rax)
}

// SyscallArgs returns the six syscall argument registers in calling-
// convention order: rdi, rsi, rdx, r10, r8, r9.
func (s *Snapshot) SyscallArgs() [6]uintptr {
	return [6]uintptr{
		uintptr(s.Regs.Rdi),
		uintptr(s.Regs.Rsi),
		uintptr(s.Regs.Rdx),
		uintptr(s.Regs.R10),
		uintptr(s.Regs.R8),
		uintptr(s.Regs.R9),
	}
}

// Return returns the signed syscall return value currently in rax.
func (s *Snapshot) Return() int64 {
	return int64(s.Regs.Rax)
}

// SetReturn stages rax = v and marks the snapshot dirty.
func (s *Snapshot) SetReturn(v int64) {
	s.Regs.Rax = uint64(v)
	s.dirty = true
}

// IP returns the current instruction pointer.
func (s *Snapshot) IP() uintptr { return uintptr(s.Regs.Rip) }

// SetIP stages rip = addr and marks the snapshot dirty.
func (s *Snapshot) SetIP(addr uintptr) {
	s.Regs.Rip = uint64(addr)
	s.dirty = true
}

// RewindIP moves rip back by n bytes, used when detaching mid-syscall
// so re-attach observes the same syscall entry, and when a blocked
// syscall must be restarted.
func (s *Snapshot) RewindIP(n uintptr) {
	s.Regs.Rip -= uint64(n)
	s.dirty = true
}

// SetSyscallRegs overwrites the number and argument registers, used to
// build a natively-injected syscall.
func (s *Snapshot) SetSyscallRegs(sysno uintptr, args ...SyscallArgument) {
	s.Regs.Orig_rax = uint64(sysno)
	s.Regs.Rax = uint64(sysno)
	regs := [6]*uint64{&s.Regs.Rdi, &s.Regs.Rsi, &s.Regs.Rdx, &s.Regs.R10, &s.Regs.R8, &s.Regs.R9}
	for i, r := range regs {
		if i < len(args) {
			*r = uint64(args[i].Value)
		} else {
			*r = 0
		}
	}
	s.dirty = true
}

// Clone returns a copy of the register set, for save/restore around native
// syscall injection.
func (s *Snapshot) Clone() unix.PtraceRegs {
	return s.Regs
}

// Restore replaces Regs wholesale (e.g. after a native-syscall injection
// completes) and marks the snapshot dirty so it is written back.
func (s *Snapshot) Restore(regs unix.PtraceRegs) {
	s.Regs = regs
	s.dirty = true
}

// SyscallInstructionWidth is the width in bytes of the x86-64 `syscall`
// instruction (0F 05), used to rewind rip on detach/restart.
const SyscallInstructionWidth = 2
