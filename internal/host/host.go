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

// Package host implements the control-flow glue: the syscall pipeline
// that layers the pending-result, signal-interruption, latency-model,
// and flush-ordering rules on top of the dispatcher, plus the resume
// loop that turns managed-thread events into dispatches and register
// updates. One Host is one simulated machine;
// multiple Hosts run on parallel OS threads but never share state.
package host

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/config"
	"github.com/shadow/shadow-go/internal/stats"
	"github.com/shadow/shadow-go/internal/syscalls"
	"github.com/shadow/shadow-go/internal/thread"
	"github.com/shadow/shadow-go/internal/tsc"
	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
)

// simEpoch anchors the Duration-based simulated clock to the time.Time
// values cond.Condition deals in; it must match the anchor the syscalls
// package uses for the same conversion, which pins both to Unix zero.
var simEpoch = time.Unix(0, 0).UTC()

func toTime(d time.Duration) time.Time { return simEpoch.Add(d) }

// Host owns one simulated machine's dispatcher, clock, statistics, and
// per-thread control-flow bookkeeping.
type Host struct {
	cfg   config.Config
	log   *logrus.Entry
	clock *Clock

	dispatcher *syscalls.Dispatcher
	dns        syscalls.DNSResolver
	sockets    syscalls.SocketFactory
	stats      *stats.Tracker
	tscEmu     *tsc.Emulator

	hostName        string
	hostDefaultAddr net.IP

	// pendingResults holds return values whose delivery was deferred by
	// the latency model: the syscall completed, only the guest's
	// observation of its rax is pushed into the future.
	pendingResults map[*thread.Thread]int64

	// armed tracks the condition each blocked thread is parked on, so
	// its deadline entry can be removed once the syscall completes.
	armed map[*thread.Thread]*cond.Condition

	deadlines *cond.DeadlineSet

	unappliedLatency time.Duration
	nextHeartbeat    time.Duration
}

// New builds a Host from configuration and its external collaborators:
// the DNS resolver, the socket factory, and the sink heartbeat lines
// are written to.
func New(cfg config.Config, dns syscalls.DNSResolver, sockets syscalls.SocketFactory, sink stats.Sink, log *logrus.Entry) *Host {
	return &Host{
		cfg:             cfg,
		log:             log,
		clock:           NewClock(cfg.RunAheadWindow.Duration),
		dispatcher:      syscalls.New(),
		dns:             dns,
		sockets:         sockets,
		stats:           stats.New(sink),
		tscEmu:          tsc.New(cfg.CyclesPerSecond),
		hostName:        cfg.HostnameName,
		hostDefaultAddr: net.ParseIP(cfg.HostnameDefaultAddr),
		pendingResults:  make(map[*thread.Thread]int64),
		armed:           make(map[*thread.Thread]*cond.Condition),
		deadlines:       cond.NewDeadlineSet(),
		nextHeartbeat:   cfg.HeartbeatInterval.Duration,
	}
}

// Clock returns the host's simulated clock, for the external scheduler
// to read and move between steps.
func (h *Host) Clock() *Clock { return h.clock }

// Stats returns the host's statistics tracker, for descriptor and
// network collaborators to account traffic into.
func (h *Host) Stats() *stats.Tracker { return h.stats }

// NextDeadline returns the earliest armed condition deadline across all
// of this host's blocked threads, which is the next simulated time the
// external scheduler must hand control back by.
func (h *Host) NextDeadline() (time.Time, bool) {
	_, deadline, ok := h.deadlines.Next()
	return deadline, ok
}

// context builds the transient per-dispatch borrow a handler receives.
func (h *Host) context(t *thread.Thread) *syscalls.Context {
	return &syscalls.Context{
		Thread:          t,
		Process:         t.Process(),
		Config:          h.cfg,
		Scheduler:       h.clock,
		DNS:             h.dns,
		Sockets:         h.sockets,
		Stats:           h.stats,
		HostName:        h.hostName,
		HostDefaultAddr: h.hostDefaultAddr,
		Log:             h.log,
	}
}

// MakeSyscall is the full syscall pipeline. In order: deliver a
// pending result if one exists; dispatch; apply the signal-interruption rule; apply the
// latency-model rule; flush or discard staged guest-memory writes; and
// update the blocked-syscall-number bookkeeping.
func (h *Host) MakeSyscall(t *thread.Thread, sysno uintptr, args [6]uintptr) syscalls.Return {
	ctx := h.context(t)

	if v, ok := h.pendingResults[t]; ok {
		delete(h.pendingResults, t)
		if c := t.Condition(); c != nil {
			t.SetCondition(nil)
			c.Release()
		}
		t.SetBlockedSyscallNo(0, false)
		h.clearBlocked(t)
		h.heartbeatIfDue()
		return syscalls.Done(v)
	}

	r := h.dispatcher.Dispatch(ctx, sysno, args)

	r = h.applyInterruption(t, r)
	r = h.applyLatency(t, sysno, r)

	h.flushOrDiscard(t, r)

	if r.Kind == syscalls.KindBlock {
		t.SetBlockedSyscallNo(sysno, true)
		h.armCondition(t, r.Cond)
	} else {
		t.SetBlockedSyscallNo(0, false)
		h.clearBlocked(t)
	}

	h.heartbeatIfDue()
	return r
}

// applyInterruption implements the signal-interruption rule: a Block
// result is transformed into Interrupted when the thread already has an
// unblocked-pending signal. The check runs after the handler attempted
// the operation, so a syscall that made progress is never spuriously
// interrupted.
func (h *Host) applyInterruption(t *thread.Thread, r syscalls.Return) syscalls.Return {
	if r.Kind != syscalls.KindBlock {
		return r
	}
	if t.Signals.UnblockedPending() == 0 {
		return r
	}
	t.SetCondition(nil)
	r.Cond.Release()
	return syscalls.Interrupted(r.Restartable)
}

// applyLatency implements the unblocked-CPU-latency model: every
// successfully-completed non-simulator-private syscall charges a
// configured cost; once the per-host counter exceeds the cap, the clock
// is advanced if that stays within the run-ahead window, else the
// completed result is parked as a pending result behind a synthetic
// timeout condition.
func (h *Host) applyLatency(t *thread.Thread, sysno uintptr, r syscalls.Return) syscalls.Return {
	if r.Kind != syscalls.KindDone || r.Value < 0 || linuxabi.IsShadowSyscall(sysno) {
		return r
	}

	h.unappliedLatency += h.cfg.LatencyFor(syscalls.Name(sysno))
	if h.unappliedLatency <= h.cfg.UnblockedLatencyCap.Duration {
		return r
	}

	if h.unappliedLatency <= h.clock.RunAheadWindow() {
		h.clock.AdvanceBy(h.unappliedLatency)
		h.unappliedLatency = 0
		return r
	}

	// Overshoot: the syscall's side effects are complete and must become
	// visible now (its writes flush below as if Done), but the guest
	// doesn't get to run again until the overshoot deadline.
	deadline := toTime(h.clock.Now() + h.unappliedLatency)
	h.unappliedLatency = 0

	if t.Process() != nil {
		t.Process().Mem.Flush()
	}

	c := cond.New()
	c.SetTimeout(deadline)
	t.SetCondition(c)
	h.pendingResults[t] = r.Value
	return syscalls.Block(c, true)
}

// flushOrDiscard applies the write-visibility rule: only a Done with
// non-error status flushes staged guest-memory writes; an errno result,
// a Block, an interruption, or a Native pass-through discards them. The
// one exception, a latency-model Block whose writes must land, is
// flushed inside applyLatency before the result is converted.
func (h *Host) flushOrDiscard(t *thread.Thread, r syscalls.Return) {
	p := t.Process()
	if p == nil {
		return
	}
	if r.Kind == syscalls.KindDone && r.Value >= 0 {
		p.Mem.Flush()
		return
	}
	p.Mem.Discard()
}

// armCondition records t's blocking condition and, if it carries a
// deadline, enters it in the host's deadline-ordered set.
func (h *Host) armCondition(t *thread.Thread, c *cond.Condition) {
	h.armed[t] = c
	if deadline, ok := c.Deadline(); ok {
		h.deadlines.Arm(c, deadline)
	}
}

// clearBlocked removes t's armed condition, if any, from the deadline
// set. The condition object itself is released by whoever owns the
// reference (the handler on resume, or applyInterruption).
func (h *Host) clearBlocked(t *thread.Thread) {
	if c, ok := h.armed[t]; ok {
		h.deadlines.Disarm(c)
		delete(h.armed, t)
	}
}

// heartbeatIfDue runs the statistics heartbeat for every interval
// boundary the simulated clock has crossed, then re-schedules at
// now + interval.
func (h *Host) heartbeatIfDue() {
	interval := h.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		return
	}
	for h.clock.Now() >= h.nextHeartbeat {
		if err := h.stats.Heartbeat(uint64(interval / time.Second)); err != nil {
			h.log.WithError(err).Warn("host: heartbeat emit failed")
		}
		h.nextHeartbeat = h.clock.Now() + interval
	}
}
