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

package cond

import (
	"testing"
	"time"

	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDescriptor struct {
	mask uint32
	subs []func()
}

func (f *fakeDescriptor) StatusMask() uint32 { return f.mask }
func (f *fakeDescriptor) Subscribe(fn func()) func() {
	f.subs = append(f.subs, fn)
	return func() {}
}
func (f *fakeDescriptor) Close() error { return nil }
func (f *fakeDescriptor) setReady() {
	f.mask = descriptor.StatusReadable
	for _, fn := range f.subs {
		fn()
	}
}

func TestTimeoutFires(t *testing.T) {
	c := New()
	now := time.Unix(0, 0)
	deadline := now.Add(time.Second)
	c.SetTimeout(deadline)

	fired, _, _ := c.Poll(now)
	assert.False(t, fired)

	fired, reason, _ := c.Poll(deadline)
	assert.True(t, fired)
	assert.Equal(t, Timeout, reason)
}

func TestDescriptorReadyFires(t *testing.T) {
	c := New()
	d := &fakeDescriptor{}
	c.AddTrigger(d, descriptor.StatusReadable)

	fired, _, _ := c.Poll(time.Now())
	assert.False(t, fired)

	d.setReady()
	fired, reason, _ := c.Poll(time.Now())
	require.True(t, fired)
	assert.Equal(t, DescriptorReady, reason)
}

func TestSignalBeatsDescriptorAndTimeout(t *testing.T) {
	c := New()
	d := &fakeDescriptor{}
	c.AddTrigger(d, descriptor.StatusReadable)
	now := time.Now()
	c.SetTimeout(now)
	d.setReady()
	c.WakeForSignal(10)

	fired, reason, sig := c.Poll(now)
	require.True(t, fired)
	assert.Equal(t, Signal, reason)
	assert.Equal(t, 10, sig)
}

func TestPollLatchesFirstResult(t *testing.T) {
	c := New()
	now := time.Unix(0, 0)
	c.SetTimeout(now)
	fired, reason, _ := c.Poll(now)
	require.True(t, fired)
	require.Equal(t, Timeout, reason)

	c.WakeForSignal(5)
	fired, reason, _ = c.Poll(now.Add(time.Hour))
	assert.True(t, fired)
	assert.Equal(t, Timeout, reason, "a fired condition never changes its reason")
}

func TestDeadlineSetOrdersByEarliest(t *testing.T) {
	s := NewDeadlineSet()
	now := time.Unix(0, 0)
	a, b, c := New(), New(), New()
	s.Arm(a, now.Add(3*time.Second))
	s.Arm(b, now.Add(1*time.Second))
	s.Arm(c, now.Add(2*time.Second))

	next, d, ok := s.Next()
	require.True(t, ok)
	assert.Same(t, b, next)
	assert.Equal(t, now.Add(time.Second), d)

	s.Disarm(b)
	next, _, ok = s.Next()
	require.True(t, ok)
	assert.Same(t, c, next)
}
