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

// Package stats implements the Per-Host Statistics Tracker: a
// periodic heartbeat that rolls up node/socket/RAM counters into fixed
// CSV line formats, and hands finished lines to an external
// Sink rather than a logging/metrics library directly.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Category names a heartbeat row group.
type Category string

const (
	CategoryNode   Category = "node"
	CategorySocket Category = "socket"
	CategoryRAM    Category = "ram"
)

// Sink receives one finished CSV line per heartbeat per category. The
// actual logging/metrics collector is an external collaborator; Sink is
// the narrow seam this repo defines so the heartbeat can still be
// exercised without one (see LogrusSink).
type Sink interface {
	WriteLine(category Category, line string) error
}

// CounterBucket tallies bytes and packets for one traffic direction,
// split between payload, control, and retransmit.
type CounterBucket struct {
	ControlHeaderBytes    uint64
	PayloadHeaderBytes    uint64
	PayloadBytes          uint64
	RetransHeaderBytes    uint64
	RetransPayloadBytes   uint64

	ControlPackets  uint64
	PayloadPackets  uint64
	RetransPackets  uint64
}

// AddPacket records one packet of length payloadLen and header
// headerLen: as a retransmit if isRetrans is set, otherwise as payload if
// payloadLen > 0, else as control. Each packet lands in exactly one class.
func (b *CounterBucket) AddPacket(payloadLen, headerLen int, isRetrans bool) {
	switch {
	case isRetrans:
		b.RetransPackets++
		b.RetransHeaderBytes += uint64(headerLen)
		b.RetransPayloadBytes += uint64(payloadLen)
	case payloadLen > 0:
		b.PayloadPackets++
		b.PayloadHeaderBytes += uint64(headerLen)
		b.PayloadBytes += uint64(payloadLen)
	default:
		b.ControlPackets++
		b.ControlHeaderBytes += uint64(headerLen)
	}
}

func (b CounterBucket) totalPackets() uint64 {
	return b.ControlPackets + b.PayloadPackets + b.RetransPackets
}

func (b CounterBucket) totalBytes() uint64 {
	return b.ControlHeaderBytes + b.PayloadHeaderBytes + b.PayloadBytes +
		b.RetransHeaderBytes + b.RetransPayloadBytes
}

// csv renders one bucket group in the `[node]` row order:
// total-pkts, total-bytes, payload-bytes, header-bytes, payload-pkts,
// payload-header-bytes, control-pkts, control-header-bytes,
// retrans-pkts, retrans-header-bytes, retrans-payload-bytes.
func (b CounterBucket) csv() string {
	headerBytes := b.ControlHeaderBytes + b.PayloadHeaderBytes + b.RetransHeaderBytes
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
		b.totalPackets(), b.totalBytes(), b.PayloadBytes, headerBytes,
		b.PayloadPackets, b.PayloadHeaderBytes,
		b.ControlPackets, b.ControlHeaderBytes,
		b.RetransPackets, b.RetransHeaderBytes, b.RetransPayloadBytes)
}

func (b *CounterBucket) reset() { *b = CounterBucket{} }

// SocketRow is one Socket Stats Row: a descriptor's identity, peer
// info, buffer occupancy, and in/out counters split local vs remote.
type SocketRow struct {
	Handle   uint64
	Proto    string
	PeerHost string
	PeerPort uint16

	InBufLen, InBufCap   uint64
	OutBufLen, OutBufCap uint64

	InLocal, OutLocal   CounterBucket
	InRemote, OutRemote CounterBucket

	RemoveAfterNextLog bool
}

func (r SocketRow) recvBytes() uint64 {
	return r.InLocal.totalBytes() + r.InRemote.totalBytes()
}

func (r SocketRow) sendBytes() uint64 {
	return r.OutLocal.totalBytes() + r.OutRemote.totalBytes()
}

// csv renders a `[socket]` row: handle,proto,host:port,inbuflen,inbufsize,
// outbuflen,outbufsize,recv-bytes,send-bytes.
func (r SocketRow) csv() string {
	return fmt.Sprintf("%d,%s,%s:%d,%d,%d,%d,%d,%d,%d",
		r.Handle, r.Proto, r.PeerHost, r.PeerPort,
		r.InBufLen, r.InBufCap, r.OutBufLen, r.OutBufCap,
		r.recvBytes(), r.sendBytes())
}

// ramState tracks the RAM allocation bookkeeping: cumulative alloc/dealloc since the last heartbeat, live
// pointer count, and failed frees of unknown identifiers.
type ramState struct {
	live         map[uintptr]uint64
	allocBytes   uint64
	deallocBytes uint64
	failedFrees  uint64
}

func newRAMState() *ramState {
	return &ramState{live: make(map[uintptr]uint64)}
}

func (r *ramState) addAllocated(id uintptr, size uint64) {
	r.live[id] = size
	r.allocBytes += size
}

func (r *ramState) removeAllocated(id uintptr) {
	size, ok := r.live[id]
	if !ok {
		r.failedFrees++
		return
	}
	delete(r.live, id)
	r.deallocBytes += size
}

func (r *ramState) csv(intervalSeconds uint64) string {
	total := uint64(0)
	if r.allocBytes > r.deallocBytes {
		total = r.allocBytes - r.deallocBytes
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d",
		intervalSeconds, r.allocBytes, r.deallocBytes, total,
		uint64(len(r.live)), r.failedFrees)
}

func (r *ramState) resetInterval() {
	r.allocBytes = 0
	r.deallocBytes = 0
	r.failedFrees = 0
}

// Tracker is the per-host statistics tracker: it owns the node-level
// counters, the live socket rows, and RAM bookkeeping, and formats one
// heartbeat's worth of lines on demand.
type Tracker struct {
	mu sync.Mutex

	sink Sink

	nodeIn, nodeOut                             CounterBucket
	nodeInLocal, nodeOutLocal                   CounterBucket
	nodeInRemote, nodeOutRemote                 CounterBucket
	delayedCount                                uint64
	delayTotalMillis                            float64
	cpuPercent                                  float64

	sockets map[uint64]*SocketRow
	ram     *ramState

	headerEmitted map[Category]bool
}

// New returns a Tracker that writes finished heartbeat lines to sink.
func New(sink Sink) *Tracker {
	return &Tracker{
		sink:          sink,
		sockets:       make(map[uint64]*SocketRow),
		ram:           newRAMState(),
		headerEmitted: make(map[Category]bool),
	}
}

// RecordPacket accounts one packet of the node-level node aggregate,
// split local vs remote.
func (t *Tracker) RecordPacket(payloadLen, headerLen int, isRetrans, outbound, local bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var bucket *CounterBucket
	switch {
	case outbound && local:
		bucket = &t.nodeOutLocal
	case outbound && !local:
		bucket = &t.nodeOutRemote
	case !outbound && local:
		bucket = &t.nodeInLocal
	default:
		bucket = &t.nodeInRemote
	}
	bucket.AddPacket(payloadLen, headerLen, isRetrans)
}

// RecordDelay accounts one scheduler-imposed delay, for the `[node]` row's
// delayed-count/avgdelay-ms fields.
func (t *Tracker) RecordDelay(millis float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delayedCount++
	t.delayTotalMillis += millis
}

// SetCPUPercent records the node's CPU utilization for the current
// interval.
func (t *Tracker) SetCPUPercent(pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cpuPercent = pct
}

// UpsertSocket installs or replaces the stats row for a descriptor
// handle.
func (t *Tracker) UpsertSocket(row SocketRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sockets[row.Handle] = &row
}

// MarkSocketRemoveAfterNextLog flags a closed descriptor's row for
// removal once the next heartbeat has logged it.
func (t *Tracker) MarkSocketRemoveAfterNextLog(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.sockets[handle]; ok {
		row.RemoveAfterNextLog = true
	}
}

// AddAllocated records a fresh allocation at identifier id.
func (t *Tracker) AddAllocated(id uintptr, sizeBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ram.addAllocated(id, sizeBytes)
}

// RemoveAllocated records a free of identifier id; an unknown id
// increments failed_frees instead of panicking.
func (t *Tracker) RemoveAllocated(id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ram.removeAllocated(id)
}

// Heartbeat performs one heartbeat rollup for intervalSeconds:
// emits (via Sink) the node, socket, and RAM rows, resets interval
// counters, and sweeps socket rows marked for removal. It does not
// reschedule itself; the caller (internal/host, which checks for a due
// heartbeat on each MakeSyscall) is responsible for the periodic
// trigger.
func (t *Tracker) Heartbeat(intervalSeconds uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.emitNode(intervalSeconds); err != nil {
		return err
	}
	if err := t.emitSockets(); err != nil {
		return err
	}
	if err := t.emitRAM(intervalSeconds); err != nil {
		return err
	}

	t.nodeInLocal.reset()
	t.nodeOutLocal.reset()
	t.nodeInRemote.reset()
	t.nodeOutRemote.reset()
	t.delayedCount = 0
	t.delayTotalMillis = 0
	t.ram.resetInterval()

	for h, row := range t.sockets {
		if row.RemoveAfterNextLog {
			delete(t.sockets, h)
		}
	}
	return nil
}

func (t *Tracker) emitNode(intervalSeconds uint64) error {
	avgDelay := 0.0
	if t.delayedCount > 0 {
		avgDelay = t.delayTotalMillis / float64(t.delayedCount)
	}
	recvBytes := t.nodeInLocal.totalBytes() + t.nodeInRemote.totalBytes()
	sendBytes := t.nodeOutLocal.totalBytes() + t.nodeOutRemote.totalBytes()

	line := fmt.Sprintf("%d,%d,%d,%.2f,%d,%.2f;%s;%s;%s;%s",
		intervalSeconds, recvBytes, sendBytes, t.cpuPercent,
		t.delayedCount, avgDelay,
		t.nodeInLocal.csv(), t.nodeOutLocal.csv(),
		t.nodeInRemote.csv(), t.nodeOutRemote.csv())
	return t.emit(CategoryNode, line)
}

func (t *Tracker) emitSockets() error {
	handles := make([]uint64, 0, len(t.sockets))
	for h := range t.sockets {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	rows := make([]string, 0, len(handles))
	for _, h := range handles {
		rows = append(rows, t.sockets[h].csv())
	}
	return t.emit(CategorySocket, strings.Join(rows, ";"))
}

func (t *Tracker) emitRAM(intervalSeconds uint64) error {
	return t.emit(CategoryRAM, t.ram.csv(intervalSeconds))
}

func (t *Tracker) emit(cat Category, line string) error {
	if !t.headerEmitted[cat] {
		if err := t.sink.WriteLine(cat, header(cat)); err != nil {
			return err
		}
		t.headerEmitted[cat] = true
	}
	return t.sink.WriteLine(cat, fmt.Sprintf("[%s] %s", cat, line))
}

func header(cat Category) string {
	switch cat {
	case CategoryNode:
		return "# interval-seconds, recv-bytes, send-bytes, cpu-percent, delayed-count, avgdelay-ms; in-local; out-local; in-remote; out-remote"
	case CategorySocket:
		return "# handle,proto,host:port,inbuflen,inbufsize,outbuflen,outbufsize,recv-bytes,send-bytes;..."
	case CategoryRAM:
		return "# interval-seconds,alloc-bytes,dealloc-bytes,total-bytes,pointer-count,failfree-count"
	default:
		return ""
	}
}
