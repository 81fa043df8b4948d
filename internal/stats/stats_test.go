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

package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	lines map[Category][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{lines: make(map[Category][]string)}
}

func (f *fakeSink) WriteLine(category Category, line string) error {
	f.lines[category] = append(f.lines[category], line)
	return nil
}

func (f *fakeSink) last(category Category) string {
	lines := f.lines[category]
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// TestHeartbeatRAMRow: two allocations followed
// by freeing the first should report alloc=150, dealloc=100, total=50,
// one live pointer, and zero failed frees.
func TestHeartbeatRAMRow(t *testing.T) {
	sink := newFakeSink()
	tr := New(sink)

	tr.AddAllocated(0xA, 100)
	tr.AddAllocated(0xB, 50)
	tr.RemoveAllocated(0xA)

	require.NoError(t, tr.Heartbeat(10))

	got := sink.last(CategoryRAM)
	require.True(t, strings.HasSuffix(got, "10,150,100,50,1,0"), "got %q", got)
}

// TestHeartbeatRAMFailedFree covers the "free of unknown identifier"
// boundary: it increments failed_frees rather than the dealloc
// total.
func TestHeartbeatRAMFailedFree(t *testing.T) {
	sink := newFakeSink()
	tr := New(sink)

	tr.AddAllocated(0xA, 10)
	tr.RemoveAllocated(0xB) // unknown

	require.NoError(t, tr.Heartbeat(5))

	got := sink.last(CategoryRAM)
	require.True(t, strings.HasSuffix(got, "5,10,0,10,1,1"), "got %q", got)
}

// TestHeartbeatSocketRemoval verifies a row flagged RemoveAfterNextLog is
// emitted once more, then swept.
func TestHeartbeatSocketRemoval(t *testing.T) {
	sink := newFakeSink()
	tr := New(sink)

	tr.UpsertSocket(SocketRow{Handle: 1, Proto: "tcp", PeerHost: "10.0.0.1", PeerPort: 80})
	tr.MarkSocketRemoveAfterNextLog(1)

	require.NoError(t, tr.Heartbeat(1))
	require.Contains(t, sink.last(CategorySocket), "1,tcp,10.0.0.1:80")

	require.NoError(t, tr.Heartbeat(1))
	require.NotContains(t, sink.last(CategorySocket), "1,tcp", "swept row must not appear again")
}

// TestCounterBucketClassification covers the payload-vs-control packet
// classification invariant: zero-length payload is control,
// non-zero is payload, and retransmit is an orthogonal sub-count.
func TestCounterBucketClassification(t *testing.T) {
	var b CounterBucket
	b.AddPacket(0, 20, false)   // control
	b.AddPacket(100, 20, false) // payload
	b.AddPacket(100, 20, true)  // retransmit

	require.EqualValues(t, 1, b.ControlPackets)
	require.EqualValues(t, 1, b.PayloadPackets)
	require.EqualValues(t, 1, b.RetransPackets)
}
