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

package host

import (
	"sync"
	"time"
)

// Clock is the host-side simulated clock, the concrete implementation of
// syscalls.Scheduler this package hands to every dispatch.
type Clock struct {
	mu       sync.Mutex
	now      time.Duration
	runAhead time.Duration
}

// NewClock returns a Clock starting at simulated time zero with the
// given run-ahead window.
func NewClock(runAhead time.Duration) *Clock {
	return &Clock{runAhead: runAhead}
}

// Now returns the current simulated time as a duration since simulation
// start.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// RunAheadWindow returns how far this host may advance its own clock
// before it must yield back to the external scheduler.
func (c *Clock) RunAheadWindow() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runAhead
}

// AdvanceBy moves simulated time forward; the latency model calls this
// when accumulated syscall cost fits within the run-ahead window.
func (c *Clock) AdvanceBy(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// SetNow is called by the external scheduler between steps to line this
// host's clock up with the global simulation time.
func (c *Clock) SetNow(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
