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

package shim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotRequestResponseProtocol(t *testing.T) {
	s := &Slot{}

	_, _, ok := s.Poll()
	require.False(t, ok, "empty slot has nothing to serve")

	s.Post(39, [6]uintptr{1, 2, 3, 4, 5, 6})
	sysno, args, ok := s.Poll()
	require.True(t, ok)
	assert.EqualValues(t, 39, sysno)
	assert.Equal(t, [6]uintptr{1, 2, 3, 4, 5, 6}, args)

	// Polling again before the response still sees the same request.
	_, _, ok = s.Poll()
	assert.True(t, ok)

	s.Respond(1234)
	assert.EqualValues(t, 1234, s.Result())
	_, _, ok = s.Poll()
	assert.False(t, ok, "a responded slot is consumed")
}

func TestSetupLockSerializes(t *testing.T) {
	l := NewLock(filepath.Join(t.TempDir(), "region.lock"))
	ran := false
	err := l.WithSetupLock(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
