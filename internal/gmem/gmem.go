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

// Package gmem implements the Guest-Memory Accessor:
// cross-address-space reads and writes of a traced guest's memory, with
// writes staged until an explicit Flush and discarded on error.
package gmem

import (
	"fmt"
	"os"
	"sync"

	"github.com/shadow/shadow-go/pkg/errno"
)

// region is a byte range in the guest's address space.
type region struct {
	addr uintptr
	len  int
}

func (r region) end() uintptr { return r.addr + uintptr(r.len) }

func (r region) overlaps(o region) bool {
	return r.addr < o.end() && o.addr < r.end()
}

// stagedWrite is a write buffer handed to a caller via WritePtr, not yet
// visible to the guest.
type stagedWrite struct {
	region
	data []byte
}

// Accessor is a per-process view of guest memory, backed by
// /proc/<pid>/mem. One Accessor is shared by all threads of a process,
// but only the currently-scheduled thread ever calls into it during a
// given step.
type Accessor struct {
	pid int

	mu     sync.Mutex
	mem    *os.File
	reads  []region
	writes []stagedWrite
}

// Open attaches a memory accessor to the given native pid's /proc/pid/mem.
func Open(pid int) (*Accessor, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gmem: open /proc/%d/mem: %w", pid, err)
	}
	return &Accessor{pid: pid, mem: f}, nil
}

// Close releases the underlying /proc/pid/mem handle.
func (a *Accessor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem.Close()
}

// ReadPtr reads length bytes at addr and returns a borrowed slice valid
// until the next Flush/Discard. It is a core-invariant violation (panics)
// to request a read that overlaps an outstanding staged write within the
// same syscall.
func (a *Accessor) ReadPtr(addr uintptr, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := region{addr: addr, len: length}
	for _, w := range a.writes {
		if r.overlaps(w.region) {
			panic(fmt.Sprintf("gmem: read [%#x,%#x) overlaps staged write [%#x,%#x) within one syscall", r.addr, r.end(), w.addr, w.end()))
		}
	}

	buf := make([]byte, length)
	n, err := a.mem.ReadAt(buf, int64(addr))
	if err != nil || n != length {
		return nil, errno.EFAULT
	}
	a.reads = append(a.reads, r)
	return buf, nil
}

// ReadStruct reads sizeof(T) bytes at addr into *out using fn to decode
// the raw bytes (typically binary.Read with binary.LittleEndian, matching
// the guest's x86-64 byte order regardless of the controller's own
// architecture).
func (a *Accessor) ReadStruct(addr uintptr, length int, decode func([]byte) error) error {
	buf, err := a.ReadPtr(addr, length)
	if err != nil {
		return err
	}
	return decode(buf)
}

// WritePtr stages length bytes of new content at addr for the guest to
// observe only after Flush. The returned slice is a buffer the caller
// fills in; it is never partially flushed. Overlapping an outstanding read
// or an outstanding write to the same region is a core-invariant violation.
func (a *Accessor) WritePtr(addr uintptr, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := region{addr: addr, len: length}
	for _, rd := range a.reads {
		if r.overlaps(rd) {
			panic(fmt.Sprintf("gmem: write [%#x,%#x) overlaps outstanding read [%#x,%#x) within one syscall", r.addr, r.end(), rd.addr, rd.end()))
		}
	}
	for _, w := range a.writes {
		if r.overlaps(w.region) {
			panic(fmt.Sprintf("gmem: write [%#x,%#x) overlaps another staged write [%#x,%#x)", r.addr, r.end(), w.addr, w.end()))
		}
	}

	buf := make([]byte, length)
	a.writes = append(a.writes, stagedWrite{region: r, data: buf})
	return buf, nil
}

// WriteStruct stages a write at addr, filling the buffer via encode.
func (a *Accessor) WriteStruct(addr uintptr, length int, encode func([]byte)) error {
	buf, err := a.WritePtr(addr, length)
	if err != nil {
		return err
	}
	encode(buf)
	return nil
}

// ReadString reads a NUL-terminated string at addr, reading at most max
// bytes. It returns ENAMETOOLONG if no NUL is found within max bytes, and
// EFAULT if the underlying read fails.
func (a *Accessor) ReadString(addr uintptr, max int) (string, int, error) {
	const chunk = 256
	var out []byte
	remaining := max
	cur := addr
	for remaining > 0 {
		n := chunk
		if n > remaining {
			n = remaining
		}
		buf, err := a.ReadPtr(cur, n)
		if err != nil {
			return "", 0, errno.EFAULT
		}
		if idx := indexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), len(out), nil
		}
		out = append(out, buf...)
		cur += uintptr(n)
		remaining -= n
	}
	return "", 0, errno.ENAMETOOLONG
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Flush commits all staged writes atomically from the core's point of
// view: every staged region is written before any outstanding read borrow
// is invalidated for the next syscall. Must be called only when the
// syscall's final result does not need the writes discarded.
func (a *Accessor) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.writes {
		if _, err := a.mem.WriteAt(w.data, int64(w.addr)); err != nil {
			// A short/failed write into a live tracee's address space is
			// not guest-recoverable; the simulation state is now
			// undefined.
			panic(fmt.Sprintf("gmem: flush write to %#x failed: %v", w.addr, err))
		}
	}
	a.writes = a.writes[:0]
	a.reads = a.reads[:0]
	return nil
}

// Discard drops all staged writes without making them visible, and clears
// outstanding read borrows. Called whenever a syscall's Done result
// carries a negative errno, or it returns Block, or a handler simply never
// produced output.
func (a *Accessor) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = a.writes[:0]
	a.reads = a.reads[:0]
}
