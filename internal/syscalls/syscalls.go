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

// Package syscalls implements the syscall dispatcher and handlers: the
// three-column dispatch table and the per-number handlers that compute
// a simulated result against guest memory, signal state, and syscall
// conditions.
//
// This package depends only on leaf packages (thread, sig, gmem, cond,
// descriptor, config, stats) and never on internal/host, even though
// host is the package that drives it: host needs syscalls to dispatch,
// and a Scheduler/DNSResolver abstraction owned by syscalls lets host
// supply its own concrete implementation without either package
// importing the other.
package syscalls

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/config"
	"github.com/shadow/shadow-go/internal/stats"
	"github.com/shadow/shadow-go/internal/thread"
)

// Scheduler is the narrow view of the external discrete-event scheduler
// that the latency model and
// blocking handlers need: the current simulated time, how far ahead of
// the slowest host the caller may run, and a way to advance it.
type Scheduler interface {
	Now() time.Duration
	RunAheadWindow() time.Duration
	AdvanceBy(d time.Duration)
}

// DNSResolver is the narrow view of the external DNS/topology
// collaborator that shadow_hostname_to_addr_ipv4 needs.
type DNSResolver interface {
	ResolveIPv4(hostname string) (net.IP, bool)
}

// SocketFactory is the narrow view of the external network-stack
// collaborator that socket(2) needs: concrete socket descriptors
// (TCP/UDP, the buffering and congestion behavior behind them) are out
// of this core's scope; only a way to mint one and the descriptor.Descriptor-
// plus-Socket contract it satisfies are consumed, mirroring how
// Descriptor implementations generally are only ever consumed through
// their polymorphic contract.
type SocketFactory interface {
	NewSocket(domain, typ, protocol int) (Socket, error)
}

// Context is the transient, per-dispatch borrow of host/process/thread
// state a handler needs. Nothing stored here should be retained past
// one Dispatch call; anything that must survive a Block/resume cycle
// belongs on the Thread itself (e.g. its Condition).
type Context struct {
	Thread  *thread.Thread
	Process *thread.Process

	Config    config.Config
	Scheduler Scheduler
	DNS       DNSResolver
	Sockets   SocketFactory
	Stats     *stats.Tracker

	// HostName is this host's own configured name, resolved once by the
	// caller from Config.HostnameName (kept separate so tests can
	// override it without building a full config.Config).
	HostName        string
	HostDefaultAddr net.IP

	Log *logrus.Entry
}

// Kind tags which arm of the Syscall Return tagged union is live.
type Kind int

const (
	KindDone Kind = iota
	KindBlock
	KindNative
	KindInterrupted
)

// Return is the result of one handler invocation.
// Exactly one set of fields is meaningful, selected by Kind.
type Return struct {
	Kind Kind

	// KindDone:
	Value int64

	// KindBlock:
	Cond        *cond.Condition
	Restartable bool

	// KindInterrupted reuses Restartable above.
}

// Done builds a KindDone Return with the given raw rax value (use
// errno.Ret(e) for an error result).
func Done(v int64) Return { return Return{Kind: KindDone, Value: v} }

// Block builds a KindBlock Return.
func Block(c *cond.Condition, restartable bool) Return {
	return Return{Kind: KindBlock, Cond: c, Restartable: restartable}
}

// Native builds a KindNative Return: the dispatcher didn't compute a
// result at all, the guest's real syscall runs unmodified.
func Native() Return { return Return{Kind: KindNative} }

// Interrupted builds a KindInterrupted Return, produced by the
// signal-interruption rule, never directly by a handler.
func Interrupted(restartable bool) Return {
	return Return{Kind: KindInterrupted, Restartable: restartable}
}

// simEpoch anchors the mapping between a Scheduler's time.Duration
// (simulated time since host start) and the time.Time values
// internal/cond.Condition deals in, so handlers can reuse Condition's
// deadline machinery without duplicating it in simulated-duration terms.
var simEpoch = time.Unix(0, 0).UTC()

func toTime(d time.Duration) time.Time { return simEpoch.Add(d) }

func toDuration(t time.Time) time.Duration { return t.Sub(simEpoch) }
