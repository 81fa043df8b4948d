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

// Package shim models the fixed-layout shared-memory region a guest's
// injected shim library uses to package a syscall over shared memory
// instead of trapping into ptrace, and
// the IPC event slot the hybrid wait polls as its second event
// source.
package shim

import (
	"sync"

	"github.com/gofrs/flock"
	"github.com/shadow/shadow-go/pkg/abi/linux"
)

// EventType distinguishes what a shim slot currently holds.
type EventType int

const (
	EventNone EventType = iota
	// EventSyscall means the shim packaged a syscall request into Args
	// and is blocked on the futex waiting for Result.
	EventSyscall
)

// Region is the bit-exact layout shared between the shim and the core
//: per-signal dispositions, per-thread blocked/pending masks and
// siginfo, per-thread sigaltstack, the native-syscall-allowed flag, and
// the unapplied CPU latency counter. One Region is mapped per process.
type Region struct {
	mu sync.Mutex

	SigActions [linux.NumSignals + 1]linux.SigAction

	// Indexed by the thread's position within the process, not its vtid,
	// to keep the layout a flat fixed-size array the shim can address
	// without a lookup.
	ThreadBlocked [MaxShimThreads]uint64
	ThreadPending [MaxShimThreads]uint64
	ThreadSigInfo [MaxShimThreads][linux.NumSignals + 1]linux.SigInfo
	ThreadAltStack [MaxShimThreads]linux.SigAltStack

	PtraceAllowNativeSyscalls bool
	UnappliedCPULatencyNanos  uint64
}

// MaxShimThreads bounds the flat per-thread arrays in Region. A process
// that clones more threads than this falls back to the ptrace-only path
// for the overflow threads.
const MaxShimThreads = 256

// Lock serializes access to the region from both sides. It is advisory
// at the OS level, guarding the region's backing file during mmap
// setup/teardown, layered underneath
// the spinlock word the shim and core actually spin on while both sides
// are live, because a blocking OS lock can't be taken from inside a
// futex-based fast path without risking the same kind of deadlock the
// hybrid wait buffers ptrace stops to avoid.
type Lock struct {
	file *flock.Flock
}

// NewLock opens (creating if necessary) an advisory lock file alongside
// the region's backing shared-memory file.
func NewLock(path string) *Lock {
	return &Lock{file: flock.New(path)}
}

// WithSetupLock runs fn while holding the advisory file lock, used around
// one-time region initialization/teardown, not the steady-state per-slot
// traffic.
func (l *Lock) WithSetupLock(fn func() error) error {
	if err := l.file.Lock(); err != nil {
		return err
	}
	defer l.file.Unlock()
	return fn()
}

// Slot is one IPC syscall-request slot within the region: the fast path
// where the guest packages a syscall and blocks on a futex instead of
// trapping into ptrace.
type Slot struct {
	mu     sync.Mutex
	event  EventType
	sysno  uintptr
	args   [6]uintptr
	result int64
	ready  bool
}

// Post is called by the (simulated) shim side to deposit a syscall
// request. In this Go port there is no real futex wait across address
// spaces backing this struct; the IPC transport itself is an external
// collaborator; Slot only models the request/response protocol the
// core's hybrid wait polls.
func (s *Slot) Post(sysno uintptr, args [6]uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event = EventSyscall
	s.sysno = sysno
	s.args = args
	s.ready = false
}

// Poll reports whether a request is waiting and, if so, returns it without
// consuming it; Consume is called once the core has computed a result.
func (s *Slot) Poll() (sysno uintptr, args [6]uintptr, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.event != EventSyscall || s.ready {
		return 0, [6]uintptr{}, false
	}
	return s.sysno, s.args, true
}

// Respond deposits the syscall's result and marks the slot consumed.
func (s *Slot) Respond(result int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.ready = true
	s.event = EventNone
}

// Result returns the most recently posted response.
func (s *Slot) Result() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
