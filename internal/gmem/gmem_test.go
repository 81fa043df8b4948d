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

package gmem

import (
	"os"
	"testing"
	"unsafe"

	"github.com/shadow/shadow-go/pkg/errno"
	"github.com/stretchr/testify/require"
)

func uintptrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// Exercised against our own process's /proc/self/mem, which is both
// readable and (for anonymous, writable pages) writable, so the Accessor's
// contract can be tested without spawning a tracee.
func openSelf(t *testing.T) *Accessor {
	t.Helper()
	a, err := Open(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestReadWriteRoundTrip(t *testing.T) {
	a := openSelf(t)
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	addr := uintptrOf(&buf[0])

	got, err := a.ReadPtr(addr, len(buf))
	require.NoError(t, err)
	require.Equal(t, buf, got)
}

func TestWriteNotVisibleBeforeFlush(t *testing.T) {
	a := openSelf(t)
	buf := make([]byte, 4)
	addr := uintptrOf(&buf[0])

	w, err := a.WritePtr(addr, len(buf))
	require.NoError(t, err)
	copy(w, []byte{1, 2, 3, 4})

	// Not flushed yet: the real memory must be untouched.
	require.Equal(t, []byte{0, 0, 0, 0}, buf)

	require.NoError(t, a.Flush())
	require.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestDiscardNeverApplies(t *testing.T) {
	a := openSelf(t)
	buf := make([]byte, 4)
	addr := uintptrOf(&buf[0])

	w, err := a.WritePtr(addr, len(buf))
	require.NoError(t, err)
	copy(w, []byte{9, 9, 9, 9})

	a.Discard()
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestReadStringNUL(t *testing.T) {
	a := openSelf(t)
	buf := []byte("localhost\x00trailing")
	addr := uintptrOf(&buf[0])

	s, n, err := a.ReadString(addr, len(buf))
	require.NoError(t, err)
	require.Equal(t, "localhost", s)
	require.Equal(t, len("localhost"), n)
}

func TestReadStringNoNULTooLong(t *testing.T) {
	a := openSelf(t)
	buf := []byte("nonulhere!")
	addr := uintptrOf(&buf[0])

	_, _, err := a.ReadString(addr, len(buf))
	require.ErrorIs(t, err, errno.ENAMETOOLONG)
}

func TestOverlappingWriteThenReadPanics(t *testing.T) {
	a := openSelf(t)
	buf := make([]byte, 8)
	addr := uintptrOf(&buf[0])

	_, err := a.WritePtr(addr, 4)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = a.ReadPtr(addr, 4)
	})
}
