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

// Package linux collects the ABI constants and wire-layout structs the core
// needs to speak the guest's x86-64 Linux syscall convention: simulator-
// private syscall numbers, signal-state structs that are serialized into
// guest memory, and the clone flag masks the thread manager enforces.
package linux

// Simulator-private syscall numbers. Any number in 1000..1005 must be
// treated as a simulator call and never forwarded to the guest's kernel.
const (
	SysShadowDeprecated0           = 1000
	SysShadowDeprecated1           = 1001
	SysShadowDeprecated2           = 1002
	SysShadowHostnameToAddrIPv4    = 1003
	SysShadowInitMemoryManager     = 1004
	SysShadowYield                 = 1005

	ShadowSyscallRangeStart = 1000
	ShadowSyscallRangeEnd   = 1005
)

// IsShadowSyscall reports whether n falls in the simulator-private range.
func IsShadowSyscall(n uintptr) bool {
	return n >= ShadowSyscallRangeStart && n <= ShadowSyscallRangeEnd
}

// Clone flags the core interposes on. Values match the Linux UAPI.
const (
	CloneVM           = 0x00000100
	CloneFS           = 0x00000200
	CloneFILES        = 0x00000400
	CloneSIGHAND      = 0x00000800
	CloneTHREAD       = 0x00010000
	CloneSYSVSEM      = 0x00040000
	CloneSETTLS       = 0x00080000
	CloneParentSETTID = 0x00100000
	CloneChildCLEARTID = 0x00200000
	CloneChildSETTID  = 0x01000000
)

// RequiredCloneFlags is the mask of flags required on every clone call
// interposed by the core; a clone missing any of these bits is ENOTSUP.
const RequiredCloneFlags = CloneVM | CloneFS | CloneFILES | CloneSIGHAND | CloneTHREAD | CloneSYSVSEM

// EmulatedCloneFlags is the mask of flags the core emulates itself (writing
// or clearing the target TID directly) and strips before the flags reach the
// native clone(2) call. SETTLS is passed through untouched.
const EmulatedCloneFlags = CloneParentSETTID | CloneChildSETTID | CloneChildCLEARTID

// SigAction mirrors the process-wide disposition record kept per signal
//. Handler is DFL/IGN/HANDLER per Disposition; for
// HANDLER it additionally holds the guest handler address.
type SigAction struct {
	Handler     uintptr
	Disposition Disposition
	Flags       uint64
	Mask        uint64
	Restorer    uintptr
}

// Disposition is the effective action when a signal that isn't blocked
// becomes pending.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandler
)

// SigInfo is the per-signal info record. Only the fields the core's
// handlers (kill/tgkill/tkill, rt_sigaction) populate are modeled.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	PID   int32
	UID   uint32
}

// SigAltStackFlags.
const (
	SSOnStack = 1 << 0
	SSDisable = 1 << 1
)

// SigAltStack is the per-thread alternate signal stack.
type SigAltStack struct {
	SP    uintptr
	Flags int32
	Size  uintptr
}

// SigSetSize is the size in bytes of the 64-bit signal set the guest passes
// to rt_sigprocmask/rt_sigaction; the core only ever deals with the first
// 64 signals and rejects any other size.
const SigSetSize = 8

// NumSignals is the number of standard signals modeled (1..64 inclusive).
const NumSignals = 64

// MinSignal/MaxSignal bound the valid signal number range for validation.
const (
	MinSignal = 1
	MaxSignal = NumSignals
)

// OneYearNanoseconds is the largest simulated duration (in ns) the TSC
// emulator must support without overflow at a 10 GHz cycle rate.
const OneYearNanoseconds = int64(365 * 24 * 60 * 60) * 1_000_000_000
