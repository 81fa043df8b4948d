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

// Package sig implements the per-thread and per-process signal state:
// pending/blocked sets, dispositions, siginfo, alternate
// stacks, and the send/wake path that interacts with a blocked syscall's
// Condition.
package sig

import (
	"sync"

	"github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/shadow/shadow-go/pkg/errno"
)

// Waker is the narrow interface a blocked syscall's Condition satisfies so
// ProcessState/ThreadState can wake it without importing package cond
// (which would create an import cycle, since cond's Condition is the
// concrete Waker). See cond.Condition.WakeForSignal.
type Waker interface {
	WakeForSignal(sig int)
}

func validSignal(s int) bool {
	return s >= linux.MinSignal && s <= linux.MaxSignal
}

func bit(s int) uint64 { return uint64(1) << uint(s-1) }

// ProcessState holds the process-wide signal dispositions.
type ProcessState struct {
	mu           sync.Mutex
	dispositions [linux.NumSignals + 1]linux.SigAction
}

// NewProcessState returns a ProcessState with every signal at its default
// disposition.
func NewProcessState() *ProcessState {
	return &ProcessState{}
}

// GetAction returns the current disposition for sig.
func (p *ProcessState) GetAction(s int) (linux.SigAction, error) {
	if !validSignal(s) {
		return linux.SigAction{}, errno.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispositions[s], nil
}

// SetAction installs a new disposition for sig. SIGKILL and SIGSTOP can
// never have their disposition changed.
func (p *ProcessState) SetAction(s int, action linux.SigAction) error {
	if !validSignal(s) {
		return errno.EINVAL
	}
	if isUnmaskable(s) {
		return errno.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispositions[s] = action
	return nil
}

func isUnmaskable(s int) bool {
	return s == sigKILL || s == sigSTOP
}

// Linux signal numbers needed for validation; duplicated here as plain
// constants (rather than imported from golang.org/x/sys/unix) so this
// package stays free of a ptrace/unix dependency it otherwise has no use
// for.
const (
	sigKILL = 9
	sigSTOP = 19
)

// effectiveIsIgnore reports whether the current disposition for s results
// in the signal being dropped on delivery: either explicitly IGN, or DFL
// for a signal whose default action is to be ignored.
func (p *ProcessState) effectiveIsIgnore(s int) bool {
	a := p.dispositions[s]
	switch a.Disposition {
	case linux.DispositionIgnore:
		return true
	case linux.DispositionDefault:
		return defaultActionIsIgnore(s)
	default:
		return false
	}
}

// defaultActionIsIgnore models the handful of signals whose default
// action is Ignore (SIGCHLD, SIGURG, SIGWINCH); every other signal's
// default action terminates, cores, or stops the process, none of which
// are "ignore" for our purposes.
func defaultActionIsIgnore(s int) bool {
	switch s {
	case 17, 23, 28: // SIGCHLD, SIGURG, SIGWINCH
		return true
	default:
		return false
	}
}

// ThreadState holds the per-thread blocked mask, pending set, siginfo
// records, and alternate stack.
type ThreadState struct {
	mu       sync.Mutex
	blocked  uint64
	pending  uint64
	siginfo  [linux.NumSignals + 1]linux.SigInfo
	altStack linux.SigAltStack
	waker    Waker
}

// NewThreadState returns a ThreadState with nothing pending or blocked.
func NewThreadState() *ThreadState {
	return &ThreadState{}
}

// SetWaker installs the Condition (if any) this thread is currently
// blocked in, so a future Send call can wake it. Passing nil clears it.
func (t *ThreadState) SetWaker(w Waker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waker = w
}

// GetBlocked returns the current blocked-signal mask.
func (t *ThreadState) GetBlocked() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// SetBlocked replaces the blocked-signal mask. SIGKILL/SIGSTOP can
// never be blocked; their bits are always cleared here, matching Linux
// semantics regardless of what the caller passed.
func (t *ThreadState) SetBlocked(mask uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = mask &^ (bit(sigKILL) | bit(sigSTOP))
}

// Pending returns the current pending-signal set.
func (t *ThreadState) Pending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// UnblockedPending returns the set of signals that are pending and not
// currently blocked, the set both the signal-interruption rule and the
// condition wake rule test against.
func (t *ThreadState) UnblockedPending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending &^ t.blocked
}

// SigInfo returns the stored siginfo for s.
func (t *ThreadState) SigInfo(s int) linux.SigInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.siginfo[s]
}

// ClearPending clears s from the pending set, e.g. once delivered.
func (t *ThreadState) ClearPending(s int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending &^= bit(s)
}

// Sigaltstack implements sigaltstack(2) semantics: EPERM if
// ONSTACK and new is non-nil, EINVAL on unknown flags, DISABLE masks out
// every other field.
func (t *ThreadState) Sigaltstack(newStack *linux.SigAltStack, old *linux.SigAltStack) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old != nil {
		*old = t.altStack
	}
	if newStack == nil {
		return nil
	}
	if t.altStack.Flags&linux.SSOnStack != 0 {
		return errno.EPERM
	}
	if newStack.Flags&^(linux.SSOnStack|linux.SSDisable) != 0 {
		return errno.EINVAL
	}
	if newStack.Flags&linux.SSDisable != 0 {
		t.altStack = linux.SigAltStack{Flags: linux.SSDisable}
		return nil
	}
	t.altStack = *newStack
	return nil
}

// send is the shared delivery path behind SendToThread/SendToProcess:
// validates the signal number, drops it silently if the effective
// disposition is Ignore, otherwise sets pending (preserving the first
// siginfo per the non-coalescing rule) and wakes a blocked condition if
// the signal isn't blocked.
func (t *ThreadState) send(proc *ProcessState, s int, info linux.SigInfo) error {
	if !validSignal(s) {
		return errno.EINVAL
	}
	proc.mu.Lock()
	ignored := proc.effectiveIsIgnore(s)
	proc.mu.Unlock()
	if ignored {
		return nil
	}

	t.mu.Lock()
	alreadyPending := t.pending&bit(s) != 0
	if !alreadyPending {
		t.siginfo[s] = info
		t.pending |= bit(s)
	}
	blocked := t.blocked&bit(s) != 0
	waker := t.waker
	t.mu.Unlock()

	if !blocked && waker != nil {
		waker.WakeForSignal(s)
	}
	return nil
}

// SendToThread delivers sig directly to this thread (tgkill/tkill).
func (t *ThreadState) SendToThread(proc *ProcessState, s int, info linux.SigInfo) error {
	return t.send(proc, s, info)
}

// SendToProcess delivers sig to the process (kill); the scheduler/process
// layer picks which thread receives it (typically any thread that doesn't
// have it blocked) and calls SendToThread on that choice; this method
// exists on ThreadState because delivery always lands on one concrete
// thread once chosen.
func (t *ThreadState) SendToProcess(proc *ProcessState, s int, info linux.SigInfo) error {
	return t.send(proc, s, info)
}
