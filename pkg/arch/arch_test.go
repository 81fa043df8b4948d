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

package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDirtyImpliesValid(t *testing.T) {
	var s Snapshot
	s.Loaded()
	s.SetReturn(42)
	require.True(t, s.Dirty())
	require.True(t, s.Valid())
	assert.NoError(t, s.CheckInvariant())

	s.Invalidate()
	assert.False(t, s.Dirty(), "invalidate clears dirty along with valid")
	assert.NoError(t, s.CheckInvariant())
}

func TestSyscallArgsOrder(t *testing.T) {
	var s Snapshot
	s.Regs.Rdi, s.Regs.Rsi, s.Regs.Rdx = 1, 2, 3
	s.Regs.R10, s.Regs.R8, s.Regs.R9 = 4, 5, 6
	assert.Equal(t, [6]uintptr{1, 2, 3, 4, 5, 6}, s.SyscallArgs())
}

func TestSetSyscallRegsZeroesUnusedArgs(t *testing.T) {
	var s Snapshot
	s.Loaded()
	s.Regs.R9 = 99
	s.SetSyscallRegs(39, SyscallArgument{Value: 7})
	assert.EqualValues(t, 39, s.Regs.Orig_rax)
	assert.EqualValues(t, 7, s.Regs.Rdi)
	assert.EqualValues(t, 0, s.Regs.R9)
	assert.True(t, s.Dirty())
}

func TestCloneRestoreRoundTrip(t *testing.T) {
	var s Snapshot
	s.Loaded()
	s.Regs.Rax, s.Regs.Rip = 11, 0x401000
	saved := s.Clone()

	s.SetSyscallRegs(57)
	s.SetIP(0x500000)
	s.Restore(saved)
	assert.EqualValues(t, 11, s.Regs.Rax)
	assert.EqualValues(t, 0x401000, s.Regs.Rip)
	assert.True(t, s.Dirty(), "a restore must be written back before resume")
}

func TestRewindIP(t *testing.T) {
	var s Snapshot
	s.Loaded()
	s.SetIP(0x1000)
	s.RewindIP(SyscallInstructionWidth)
	assert.EqualValues(t, 0x1000-SyscallInstructionWidth, s.IP())
}
