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

// Package thread implements the Managed Thread: launching a
// guest process under ptrace, the hybrid wait that races a ptrace stop
// against a shim IPC event, register-snapshot caching, native-syscall
// injection, and detach/re-attach and clone handling. It deliberately
// knows nothing about syscall *semantics* (package syscalls does);
// only about driving the tracee.
//
// Modeled on gVisor's systrap subprocess/thread (attach, wait, syscall
// injection) generalized from a shared worker-pool of stub threads to one
// Thread per simulated guest thread, and from gVisor's internal sysmsg
// fast path to the simulator's shim/IPC fast path.
package thread

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/internal/gmem"
	"github.com/shadow/shadow-go/internal/shim"
	"github.com/shadow/shadow-go/internal/sig"
	"github.com/shadow/shadow-go/pkg/arch"
)

// State is a Thread's position in the lifecycle state machine:
//
//	NONE → TRACE_ME → (SYSCALL | IPC_SYSCALL | SIGNALLED | EXECVE)* → EXITED
type State int

const (
	StateNone State = iota
	StateTraceMe
	StateSyscall
	StateIPCSyscall
	StateSignalled
	StateExecve
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateTraceMe:
		return "TRACE_ME"
	case StateSyscall:
		return "SYSCALL"
	case StateIPCSyscall:
		return "IPC_SYSCALL"
	case StateSignalled:
		return "SIGNALLED"
	case StateExecve:
		return "EXECVE"
	case StateExited:
		return "EXITED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// EventKind is what HybridWait observed.
type EventKind int

const (
	EventPtraceStop EventKind = iota
	EventIPCSyscall
	EventExited
)

// Event is the result of one HybridWait call.
type Event struct {
	Kind   EventKind
	Signal unix.Signal
	// For EventIPCSyscall:
	IPCSysno uintptr
	IPCArgs  [6]uintptr
}

// Process owns the guest's memory manager, descriptor table, and signal
// dispositions, and exclusively owns its thread set.
type Process struct {
	PID         int
	Mem         *gmem.Accessor
	Descriptors *descriptor.Table
	Signals     *sig.ProcessState

	mu       sync.Mutex
	threads  map[uint64]*Thread
	nextVTID uint64
}

// NewProcess wraps an already-launched native process's resources.
func NewProcess(pid int, mem *gmem.Accessor) *Process {
	return &Process{
		PID:         pid,
		Mem:         mem,
		Descriptors: descriptor.NewTable(),
		Signals:     sig.NewProcessState(),
		threads:     make(map[uint64]*Thread),
		nextVTID:    1,
	}
}

// AddThread registers t under a freshly assigned virtual tid and returns
// it.
func (p *Process) AddThread(t *Thread) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	vtid := p.nextVTID
	p.nextVTID++
	t.VTID = vtid
	t.proc = p
	p.threads[vtid] = t
	return vtid
}

// RemoveThread drops t from the process's thread set once it has exited
// and any TID-clear futex wake has been delivered.
func (p *Process) RemoveThread(vtid uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, vtid)
}

// Thread returns the thread with the given virtual tid.
func (p *Process) Thread(vtid uint64) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.threads[vtid]
	return t, ok
}

// AnyThread returns an arbitrary thread of the process, preferring one
// that does not currently have sigNum blocked. Returns false if the
// process has no threads left.
func (p *Process) AnyThread(sigNum int) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fallback *Thread
	for _, t := range p.threads {
		if fallback == nil {
			fallback = t
		}
		if t.Signals.GetBlocked()&(uint64(1)<<uint(sigNum-1)) == 0 {
			return t, true
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// Threads returns a snapshot of every live thread, for callers that
// iterate the whole thread set (the host's detach, re-attach and run
// loops); lookups by virtual tid go through Thread.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Thread owns a tracing channel to one native OS thread hosting a guest
// thread. Register snapshot, condition reference, and IPC slot are
// exclusively owned here.
type Thread struct {
	VTID uint64
	tid  int // native tid == native pid for the first thread of a process

	proc *Process

	snap            arch.Snapshot
	syscallInsnAddr uintptr

	condition *cond.Condition

	tidClearAddr uintptr
	hasTidClear  bool

	// detached and detachedIP track a Detach/Reattach pair: the thread
	// is still logically parked at a syscall entry while detached, and
	// detachedIP is the rip value Reattach must restore.
	detached   bool
	detachedIP uintptr

	slot *shim.Slot

	state State

	// blockedSyscallNo records the syscall number a handler most
	// recently returned Block for, so the next dispatch can enforce the
	// number-must-match core invariant.
	blockedSyscallNo *uintptr

	pendingPtraceEvent *Event

	backoffPolicy backoff.BackOff

	// scratch carries a handler's decoded request across a Block/resume
	// pair when the syscall's output must be written to the same guest
	// address its input was read from: the Guest-Memory Accessor forbids
	// a read and a write overlapping within one dispatch turn, so
	// a handler that can't split its addresses (unlike nanosleep's
	// separate request/remaining pointers) instead defers every write to
	// the resumed turn, which never reads that address again.
	scratch interface{}

	Signals *sig.ThreadState

	log *logrus.Entry
}

// NewThread wraps an already-attached native tid. syscallInsnAddr is the
// address of the stub's `syscall` instruction, used for native-syscall
// injection.
func NewThread(tid int, syscallInsnAddr uintptr, log *logrus.Entry) *Thread {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 0 // never gives up; hybrid wait always eventually fires
	return &Thread{
		tid:             tid,
		syscallInsnAddr: syscallInsnAddr,
		state:           StateTraceMe,
		slot:            &shim.Slot{},
		backoffPolicy:   b,
		Signals:         sig.NewThreadState(),
		log:             log,
	}
}

// NativeTID returns the native OS thread id.
func (t *Thread) NativeTID() int { return t.tid }

// Detached reports whether the thread is currently between a Detach and
// a Reattach.
func (t *Thread) Detached() bool { return t.detached }

// SyscallInsnAddr returns the address of the cached `syscall`
// instruction this thread injects native syscalls through; a
// cloned child reuses the same address since it shares the parent's
// address space (CLONE_VM is required).
func (t *Thread) SyscallInsnAddr() uintptr { return t.syscallInsnAddr }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// Snapshot exposes the cached register set for handlers and the resume
// loop. Callers must respect the valid/dirty contract.
func (t *Thread) Snapshot() *arch.Snapshot { return &t.snap }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State { return t.state }

// Condition returns the Condition the thread is currently blocked in, if
// any.
func (t *Thread) Condition() *cond.Condition { return t.condition }

// SetCondition installs or clears the thread's blocked-on condition,
// keeping the thread's sig.ThreadState waker in sync so a signal sent
// while the thread is blocked can reach this condition.
func (t *Thread) SetCondition(c *cond.Condition) {
	t.condition = c
	if c != nil {
		t.Signals.SetWaker(c)
	} else {
		t.Signals.SetWaker(nil)
	}
}

// SetScratch stashes opaque handler state across a Block/resume pair; see
// the scratch field's doc comment. Cleared by the handler itself once
// consumed, not automatically by SetCondition.
func (t *Thread) SetScratch(v interface{}) { t.scratch = v }

// Scratch returns the handler state stashed by SetScratch, if any.
func (t *Thread) Scratch() interface{} { return t.scratch }

// SetTIDClearAddress records the address clone's CHILD_CLEARTID flag asks
// to be cleared (and futex-woken) on thread exit.
func (t *Thread) SetTIDClearAddress(addr uintptr) {
	t.tidClearAddr = addr
	t.hasTidClear = true
}

// TIDClearAddress returns the recorded clear-on-exit address, if any.
func (t *Thread) TIDClearAddress() (uintptr, bool) {
	return t.tidClearAddr, t.hasTidClear
}

// BlockedSyscallNo returns the syscall number this thread was blocked in,
// if any, for the number-must-match check.
func (t *Thread) BlockedSyscallNo() (uintptr, bool) {
	if t.blockedSyscallNo == nil {
		return 0, false
	}
	return *t.blockedSyscallNo, true
}

// SetBlockedSyscallNo records or clears the in-flight blocked syscall
// number.
func (t *Thread) SetBlockedSyscallNo(n uintptr, blocked bool) {
	if !blocked {
		t.blockedSyscallNo = nil
		return
	}
	v := n
	t.blockedSyscallNo = &v
}

// Slot returns the thread's shim IPC slot.
func (t *Thread) Slot() *shim.Slot { return t.slot }

// HybridWait races a ptrace stop against the shim's IPC slot: neither side offers a single blocking primitive that covers both
// sources, so both are polled in a tight loop governed by the thread's
// backoff policy. If a ptrace stop and an IPC syscall request are both
// observed within the same poll, the IPC request is returned immediately
// (it is already fully formed) and the ptrace stop is buffered for the
// very next HybridWait call, so callers only ever see one Event per call.
func (t *Thread) HybridWait() (Event, error) {
	if t.pendingPtraceEvent != nil {
		ev := *t.pendingPtraceEvent
		t.pendingPtraceEvent = nil
		return ev, nil
	}

	t.backoffPolicy.Reset()
	for {
		if sysno, args, ok := t.slot.Poll(); ok {
			if sig, exited, ptraceOK, err := t.waitNonBlocking(); err != nil {
				return Event{}, err
			} else if ptraceOK {
				kind := EventPtraceStop
				if exited {
					kind = EventExited
				}
				t.pendingPtraceEvent = &Event{Kind: kind, Signal: sig}
			}
			return Event{Kind: EventIPCSyscall, IPCSysno: sysno, IPCArgs: args}, nil
		}

		sig, exited, ok, err := t.waitNonBlocking()
		if err != nil {
			return Event{}, err
		}
		if ok {
			if exited {
				return Event{Kind: EventExited, Signal: sig}, nil
			}
			return Event{Kind: EventPtraceStop, Signal: sig}, nil
		}

		time.Sleep(t.backoffPolicy.NextBackOff())
	}
}
