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

// Package tsc emulates the x86-64 rdtsc/rdtscp instructions against the
// simulated clock. The controller launches guests with TSC
// reads trapped, so every rdtsc/rdtscp surfaces as a SIGSEGV; this package
// turns the simulated time at that moment into the cycle count the guest
// would have observed, and nothing else.
package tsc

import (
	"fmt"
	"math/big"

	"github.com/shadow/shadow-go/pkg/arch"
)

// Opcode widths recognized at the faulting instruction pointer.
const (
	rdtscLen  = 2
	rdtscpLen = 3
)

var (
	rdtscOpcode  = [rdtscLen]byte{0x0F, 0x31}
	rdtscpOpcode = [rdtscpLen]byte{0x0F, 0x01, 0xF9}
)

// Instruction identifies which TSC-reading instruction faulted.
type Instruction int

const (
	// NotTSC means the two/three bytes at rip matched neither opcode;
	// the caller must forward the SIGSEGV to the guest unmodified.
	NotTSC Instruction = iota
	RDTSC
	RDTSCP
)

// Detect inspects the bytes at the guest's faulting instruction and
// classifies which (if any) TSC instruction caused the trap.
func Detect(insnBytes []byte) Instruction {
	if len(insnBytes) >= rdtscpLen && [3]byte(insnBytes[:3]) == rdtscpOpcode {
		return RDTSCP
	}
	if len(insnBytes) >= rdtscLen && [2]byte(insnBytes[:2]) == rdtscOpcode {
		return RDTSC
	}
	return NotTSC
}

// Len returns the instruction's byte length, used to advance rip past it.
func (i Instruction) Len() uintptr {
	switch i {
	case RDTSC:
		return rdtscLen
	case RDTSCP:
		return rdtscpLen
	default:
		return 0
	}
}

// Emulator converts simulated nanoseconds into a 64-bit cycle count at a
// fixed, configured cycles-per-second rate. The rate is configuration,
// never measured at startup: a configured rate is deterministic and
// trivial to check against the overflow bound below.
type Emulator struct {
	cyclesPerSecond uint64
}

// New constructs an Emulator for the given cycles-per-second rate.
func New(cyclesPerSecond uint64) *Emulator {
	return &Emulator{cyclesPerSecond: cyclesPerSecond}
}

// CyclesAt computes cycles = ns * cps / 1e9 without overflowing for any ns
// up to one simulated year at cps up to 10 GHz. A plain
// ns*cps product can overflow uint64 well before that bound (1 year in ns
// is ~3.15e16; at 10 GHz that's ~3.15e26), so the multiply is carried out
// with big.Int and the result is truncated back to 64 bits, matching the
// real TSC's wraparound behavior on overflow.
func (e *Emulator) CyclesAt(simulatedNanos int64) uint64 {
	if simulatedNanos < 0 {
		simulatedNanos = 0
	}
	ns := new(big.Int).SetInt64(simulatedNanos)
	cps := new(big.Int).SetUint64(e.cyclesPerSecond)
	product := new(big.Int).Mul(ns, cps)
	billion := big.NewInt(1_000_000_000)
	cycles := new(big.Int).Quo(product, billion)
	mask := new(big.Int).SetUint64(^uint64(0))
	cycles.And(cycles, mask)
	return cycles.Uint64()
}

// Emulate computes the cycle count at the given simulated time and returns
// the EDX:EAX (and for rdtscp, ECX) values to write into the guest's
// registers, plus the number of bytes rip must advance by.
//
// cpuID is the value rdtscp reports in ecx; it is meaningless to a
// single-host simulation beyond being a stable tag, so callers typically
// pass 0.
func (e *Emulator) Emulate(insn Instruction, simulatedNanos int64, cpuID uint32) (eax, edx, ecx uint32, advance uintptr, err error) {
	if insn == NotTSC {
		return 0, 0, 0, 0, fmt.Errorf("tsc: not a recognized rdtsc/rdtscp instruction")
	}
	cycles := e.CyclesAt(simulatedNanos)
	eax = uint32(cycles)
	edx = uint32(cycles >> 32)
	if insn == RDTSCP {
		ecx = cpuID
	}
	return eax, edx, ecx, insn.Len(), nil
}

// ApplyTo writes the emulated result into a register snapshot and advances
// the instruction pointer. insnBytes must be the
// bytes read from the guest at snap.IP() before the advance.
func (e *Emulator) ApplyTo(snap *arch.Snapshot, simulatedNanos int64, cpuID uint32, insnBytes []byte) error {
	insn := Detect(insnBytes)
	eax, edx, ecx, advance, err := e.Emulate(insn, simulatedNanos, cpuID)
	if err != nil {
		return err
	}
	snap.Regs.Rax = (snap.Regs.Rax &^ 0xFFFFFFFF) | uint64(eax)
	snap.Regs.Rdx = (snap.Regs.Rdx &^ 0xFFFFFFFF) | uint64(edx)
	if insn == RDTSCP {
		snap.Regs.Rcx = (snap.Regs.Rcx &^ 0xFFFFFFFF) | uint64(ecx)
	}
	snap.SetIP(snap.IP() + advance)
	return nil
}

// IsShadowTrapCandidate reports whether this signal number is the one a
// TSC-trapped guest raises on rdtsc/rdtscp (SIGSEGV); kept here rather
// than duplicated at call sites that decide whether to even attempt
// detection.
func IsShadowTrapCandidate(sig int) bool {
	return sig == sigSEGV
}

// sigSEGV avoids importing unix just for one constant comparison used by
// call sites outside the ptrace backend (e.g. unit tests) that don't
// otherwise need golang.org/x/sys/unix.
const sigSEGV = 11
