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

// Package cond implements the Syscall Condition: the
// reference-counted, non-copyable waitable a blocking syscall handler
// returns, which fires on descriptor readiness, an absolute deadline, or
// an unblocked signal becoming pending.
package cond

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadow/shadow-go/internal/descriptor"
)

// Reason identifies why a Condition fired. When several reasons apply at
// once, Poll prefers Signal > DescriptorReady > Timeout.
type Reason int

const (
	NotFired Reason = iota
	Signal
	DescriptorReady
	Timeout
)

type subscription struct {
	desc   descriptor.Descriptor
	mask   uint32
	cancel func()
}

// Condition is a blocking-syscall waitable. Zero value is not usable;
// construct with New. Conditions are reference counted because the same
// object is referenced by both the blocked thread and, transiently, by
// whatever registered it as a deadline-ordered entry.
type Condition struct {
	mu sync.Mutex

	triggers []subscription
	deadline *time.Time

	fired        bool
	reason       Reason
	signalNo     int
	descReadyHit bool

	refs int32
}

// New returns a fresh, unfired Condition with one implicit reference held
// by the caller.
func New() *Condition {
	return &Condition{refs: 1}
}

// Retain increments the reference count.
func (c *Condition) Retain() {
	atomic.AddInt32(&c.refs, 1)
}

// Release decrements the reference count and, upon reaching zero, cancels
// every trigger subscription.
func (c *Condition) Release() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		c.Cancel()
	}
}

// Cancel releases all trigger subscriptions immediately, independent of
// the refcount; used when a handler decides a previously-armed condition
// is no longer needed (e.g. a restarted syscall builds a fresh one).
func (c *Condition) Cancel() {
	c.mu.Lock()
	subs := c.triggers
	c.triggers = nil
	c.mu.Unlock()
	for _, s := range subs {
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// SetTimeout arms a one-shot absolute deadline, replacing any earlier one.
func (c *Condition) SetTimeout(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = &deadline
}

// Deadline returns the armed deadline, if any.
func (c *Condition) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline == nil {
		return time.Time{}, false
	}
	return *c.deadline, true
}

// AddTrigger subscribes to the descriptor's status-change notifications;
// the condition polls ready the next time its mask overlaps d's status.
func (c *Condition) AddTrigger(d descriptor.Descriptor, mask uint32) {
	cancel := d.Subscribe(func() {
		c.mu.Lock()
		c.descReadyHit = c.descReadyHit || (d.StatusMask()&mask) != 0
		c.mu.Unlock()
	})
	c.mu.Lock()
	// Evaluate immediately in case the descriptor is already ready.
	ready := (d.StatusMask() & mask) != 0
	c.descReadyHit = c.descReadyHit || ready
	c.triggers = append(c.triggers, subscription{desc: d, mask: mask, cancel: cancel})
	c.mu.Unlock()
}

// WakeForSignal is called by the signal subsystem to record that an
// unblocked signal has become pending while this condition was armed. The
// next Poll call fires with Reason == Signal. Implements sig.Waker.
func (c *Condition) WakeForSignal(sig int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalNo == 0 {
		c.signalNo = sig
	}
}

// Poll evaluates the condition's firing rule at the given time and, if it
// fires, latches the result so subsequent Poll calls return the same
// answer (a Condition fires at most once).
func (c *Condition) Poll(now time.Time) (fired bool, reason Reason, signal int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fired {
		return true, c.reason, c.signalNo
	}

	switch {
	case c.signalNo != 0:
		c.fired, c.reason = true, Signal
	case c.descReadyHit:
		c.fired, c.reason = true, DescriptorReady
	case c.deadline != nil && !now.Before(*c.deadline):
		c.fired, c.reason = true, Timeout
	default:
		return false, NotFired, 0
	}
	return true, c.reason, c.signalNo
}
