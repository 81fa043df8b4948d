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

package sig

import (
	"testing"

	"github.com/shadow/shadow-go/internal/cond"
	"github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetActionRejectsSigkillSigstop(t *testing.T) {
	p := NewProcessState()
	require.ErrorIs(t, p.SetAction(9, linux.SigAction{}), errInval())
	require.ErrorIs(t, p.SetAction(19, linux.SigAction{}), errInval())
}

func TestSetActionRejectsInvalidSignum(t *testing.T) {
	p := NewProcessState()
	require.Error(t, p.SetAction(0, linux.SigAction{}))
	require.Error(t, p.SetAction(65, linux.SigAction{}))
}

func TestSetGetActionRoundTrip(t *testing.T) {
	p := NewProcessState()
	want := linux.SigAction{Handler: 0x4000, Disposition: linux.DispositionHandler, Mask: 0x2}
	require.NoError(t, p.SetAction(10, want))
	got, err := p.GetAction(10)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSetBlockedGetBlockedRoundTrip(t *testing.T) {
	th := NewThreadState()
	th.SetBlocked(0xFF)
	assert.EqualValues(t, 0xFF, th.GetBlocked())
}

func TestSigaltstackOnStackRejectsNew(t *testing.T) {
	th := NewThreadState()
	require.NoError(t, th.Sigaltstack(&linux.SigAltStack{SP: 1, Size: 4096, Flags: linux.SSOnStack}, nil))
	err := th.Sigaltstack(&linux.SigAltStack{SP: 2, Size: 4096}, nil)
	assert.ErrorIs(t, err, errPerm())
}

func TestSigaltstackUnknownFlagRejected(t *testing.T) {
	th := NewThreadState()
	err := th.Sigaltstack(&linux.SigAltStack{Flags: 0x100}, nil)
	assert.Error(t, err)
}

func TestSecondSendDoesNotOverwriteSiginfo(t *testing.T) {
	p := NewProcessState()
	require.NoError(t, p.SetAction(10, linux.SigAction{Disposition: linux.DispositionHandler}))
	th := NewThreadState()

	require.NoError(t, th.SendToThread(p, 10, linux.SigInfo{Signo: 10, PID: 100}))
	require.NoError(t, th.SendToThread(p, 10, linux.SigInfo{Signo: 10, PID: 200}))

	got := th.SigInfo(10)
	assert.EqualValues(t, 100, got.PID, "second send must not overwrite siginfo")
}

func TestIgnoredSignalDroppedSilently(t *testing.T) {
	p := NewProcessState()
	require.NoError(t, p.SetAction(10, linux.SigAction{Disposition: linux.DispositionIgnore}))
	th := NewThreadState()
	require.NoError(t, th.SendToThread(p, 10, linux.SigInfo{Signo: 10}))
	assert.Zero(t, th.Pending())
}

func TestSendWakesUnblockedCondition(t *testing.T) {
	p := NewProcessState()
	require.NoError(t, p.SetAction(10, linux.SigAction{Disposition: linux.DispositionHandler}))
	th := NewThreadState()
	c := cond.New()
	th.SetWaker(c)

	require.NoError(t, th.SendToThread(p, 10, linux.SigInfo{Signo: 10}))

	fired, reason, signal := c.Poll(timeZero())
	require.True(t, fired)
	assert.Equal(t, cond.Signal, reason)
	assert.Equal(t, 10, signal)
}

func TestSendDoesNotWakeBlockedSignal(t *testing.T) {
	p := NewProcessState()
	require.NoError(t, p.SetAction(10, linux.SigAction{Disposition: linux.DispositionHandler}))
	th := NewThreadState()
	th.SetBlocked(bit(10))
	c := cond.New()
	th.SetWaker(c)

	require.NoError(t, th.SendToThread(p, 10, linux.SigInfo{Signo: 10}))

	fired, _, _ := c.Poll(timeZero())
	assert.False(t, fired, "a blocked signal must not wake the condition")
	assert.NotZero(t, th.Pending(), "but it is still recorded pending")
}
