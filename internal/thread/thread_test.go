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

package thread

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/internal/gmem"
	"github.com/shadow/shadow-go/internal/sig"
	"github.com/shadow/shadow-go/pkg/abi/linux"
)

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	mem, err := gmem.Open(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return NewProcess(os.Getpid(), mem)
}

func newLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestProcessAssignsSequentialVirtualTIDs(t *testing.T) {
	p := newTestProcess(t)
	a := NewThread(101, 0, newLog())
	b := NewThread(102, 0, newLog())

	require.EqualValues(t, 1, p.AddThread(a))
	require.EqualValues(t, 2, p.AddThread(b))

	got, ok := p.Thread(2)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Same(t, p, got.Process())

	p.RemoveThread(1)
	_, ok = p.Thread(1)
	assert.False(t, ok)
}

func TestAnyThreadPrefersUnblockedSignal(t *testing.T) {
	p := newTestProcess(t)
	a := NewThread(101, 0, newLog())
	b := NewThread(102, 0, newLog())
	p.AddThread(a)
	p.AddThread(b)

	a.Signals.SetBlocked(1 << uint(10-1))
	got, ok := p.AnyThread(10)
	require.True(t, ok)
	assert.Same(t, b, got, "delivery prefers a thread that hasn't blocked the signal")

	b.Signals.SetBlocked(1 << uint(10-1))
	_, ok = p.AnyThread(10)
	assert.True(t, ok, "all-blocked still yields a thread; the signal just stays pending")
}

func TestBlockedSyscallNoBookkeeping(t *testing.T) {
	th := NewThread(101, 0, newLog())

	_, ok := th.BlockedSyscallNo()
	require.False(t, ok)

	th.SetBlockedSyscallNo(35, true)
	no, ok := th.BlockedSyscallNo()
	require.True(t, ok)
	assert.EqualValues(t, 35, no)

	th.SetBlockedSyscallNo(0, false)
	_, ok = th.BlockedSyscallNo()
	assert.False(t, ok)
}

func TestSetConditionKeepsSignalWakerInSync(t *testing.T) {
	th := NewThread(101, 0, newLog())
	procSig := sig.NewProcessState()
	c := cond.New()

	th.SetCondition(c)
	require.NoError(t, th.Signals.SendToThread(procSig, 10, linux.SigInfo{Signo: 10}))

	fired, reason, signal := c.Poll(time.Unix(0, 0))
	require.True(t, fired)
	assert.Equal(t, cond.Signal, reason)
	assert.Equal(t, 10, signal)

	th.SetCondition(nil)
	d := cond.New()
	th.Signals.SetWaker(d) // cleared waker can be replaced independently
	assert.Nil(t, th.Condition())
}

func TestTIDClearAddress(t *testing.T) {
	th := NewThread(101, 0, newLog())
	_, ok := th.TIDClearAddress()
	require.False(t, ok)

	th.SetTIDClearAddress(0xdead)
	addr, ok := th.TIDClearAddress()
	require.True(t, ok)
	assert.EqualValues(t, 0xdead, addr)
}

func TestDetachOnlyLegalFromSyscallStop(t *testing.T) {
	th := NewThread(101, 0, newLog())
	// A freshly-wrapped thread is in TRACE_ME, not parked at a syscall
	// entry; Detach must refuse before touching ptrace.
	require.Error(t, th.Detach())
	assert.False(t, th.Detached())
}

func TestReattachRequiresPriorDetach(t *testing.T) {
	th := NewThread(101, 0, newLog())
	require.Error(t, th.Reattach())
	assert.False(t, th.Detached())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NONE", StateNone.String())
	assert.Equal(t, "SYSCALL", StateSyscall.String())
	assert.Equal(t, "EXITED", StateExited.String())
}
