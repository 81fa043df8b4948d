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

package tsc

import (
	"testing"

	"github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	assert.Equal(t, RDTSC, Detect([]byte{0x0F, 0x31, 0x90}))
	assert.Equal(t, RDTSCP, Detect([]byte{0x0F, 0x01, 0xF9}))
	assert.Equal(t, NotTSC, Detect([]byte{0x0F, 0x05}))
}

func TestEmulateScenario1(t *testing.T) {
	// cps = 2e9, simulated ns = 500 -> cycles = 1000.
	e := New(2_000_000_000)
	eax, edx, _, advance, err := e.Emulate(RDTSC, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), eax)
	assert.Equal(t, uint32(0), edx)
	assert.EqualValues(t, 2, advance)
}

func TestEmulateRejectsNonTSC(t *testing.T) {
	e := New(2_000_000_000)
	_, _, _, _, err := e.Emulate(NotTSC, 500, 0)
	assert.Error(t, err)
}

func TestCyclesMonotonic(t *testing.T) {
	e := New(3_000_000_000)
	c1 := e.CyclesAt(1000)
	c2 := e.CyclesAt(2000)
	assert.LessOrEqual(t, c1, c2)
}

func TestCyclesNoOverflowOneYearAtTenGHz(t *testing.T) {
	e := New(10_000_000_000)
	cycles := e.CyclesAt(linux.OneYearNanoseconds)
	// Sanity: the true product doesn't fit in 64 bits, but the computed
	// value must still be the correct low 64 bits of ns*cps/1e9, not a
	// silently-overflowed garbage value from a naive uint64 multiply.
	want := (uint64(linux.OneYearNanoseconds) / 1_000_000_000) * 10_000_000_000
	assert.Equal(t, want, cycles)
}

func TestRDTSCPWritesCPUID(t *testing.T) {
	e := New(1_000_000_000)
	_, _, ecx, _, err := e.Emulate(RDTSCP, 1_000_000_000, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, ecx)
}
