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

// Package descriptor defines the polymorphic contract a process's
// descriptor table consumes: regular files, epoll instances,
// pipes, and sockets are external collaborators, implemented elsewhere,
// but the table and the status-change notification hook they must satisfy
// live here.
package descriptor

import "sync"

// StatusMask bits, matching the subset of poll(2) events the core's
// handlers translate to and from.
const (
	StatusReadable uint32 = 1 << 0
	StatusWritable uint32 = 1 << 1
	StatusError    uint32 = 1 << 2
	StatusHangup   uint32 = 1 << 3
	StatusInvalid  uint32 = 1 << 4
)

// Descriptor is the polymorphic contract every file-like object in a
// process's descriptor table satisfies. Concrete descriptor kinds
// (regular file, timer, socket, epoll) are out of this core's scope
//; only this interface is consumed.
type Descriptor interface {
	// StatusMask returns the current readiness bits.
	StatusMask() uint32

	// Subscribe registers fn to be called whenever StatusMask changes.
	// The returned function cancels the subscription.
	Subscribe(fn func()) (cancel func())

	// Close releases the descriptor.
	Close() error
}

// Table is a process's descriptor table: a dense map from small integer
// file descriptors to a Descriptor. A Syscall Condition that references a
// descriptor holds the same Descriptor value; the table keeps no
// reference count.
type Table struct {
	mu      sync.Mutex
	entries map[int32]Descriptor
	next    int32
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{entries: make(map[int32]Descriptor)}
}

// Install inserts d at the lowest unused fd number and returns it.
func (t *Table) Install(d Descriptor) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := int32(0)
	for {
		if _, used := t.entries[fd]; !used {
			break
		}
		fd++
	}
	t.entries[fd] = d
	if fd >= t.next {
		t.next = fd + 1
	}
	return fd
}

// InstallAt inserts d at a specific fd number, replacing whatever (if
// anything) was previously installed there; used by dup2-like semantics.
func (t *Table) InstallAt(fd int32, d Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = d
	if fd >= t.next {
		t.next = fd + 1
	}
}

// Get returns the descriptor at fd, or (nil, false) for an unknown or
// negative fd; callers translate that into EBADF.
func (t *Table) Get(fd int32) (Descriptor, bool) {
	if fd < 0 {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[fd]
	return d, ok
}

// Remove removes and returns the descriptor at fd, if any.
func (t *Table) Remove(fd int32) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	return d, ok
}

// ForEach iterates fds in unspecified order; used by select/poll rewrites
// to resolve many fds in one pass.
func (t *Table) ForEach(fn func(fd int32, d Descriptor)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, d := range t.entries {
		fn(fd, d)
	}
}
