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

package syscalls

import (
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/internal/config"
	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/internal/gmem"
	"github.com/shadow/shadow-go/internal/thread"
	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/shadow/shadow-go/pkg/errno"
)

type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) Now() time.Duration            { return c.now }
func (c *fakeClock) RunAheadWindow() time.Duration { return time.Millisecond }
func (c *fakeClock) AdvanceBy(d time.Duration)     { c.now += d }

type fakeDNS struct{}

func (fakeDNS) ResolveIPv4(name string) (net.IP, bool) {
	if name == "peer" {
		return net.IPv4(10, 0, 0, 2), true
	}
	return nil, false
}

type fakeDesc struct {
	mask uint32
	subs []func()
}

func (f *fakeDesc) StatusMask() uint32 { return f.mask }
func (f *fakeDesc) Subscribe(fn func()) func() {
	f.subs = append(f.subs, fn)
	return func() {}
}
func (f *fakeDesc) Close() error { return nil }

func newTestContext(t *testing.T) (*Context, *fakeClock) {
	t.Helper()
	mem, err := gmem.Open(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	log := logrus.NewEntry(logrus.New())
	p := thread.NewProcess(os.Getpid(), mem)
	th := thread.NewThread(os.Getpid(), 0, log)
	p.AddThread(th)

	clock := &fakeClock{}
	return &Context{
		Thread:          th,
		Process:         p,
		Config:          config.Default(),
		Scheduler:       clock,
		DNS:             fakeDNS{},
		Stats:           nil,
		HostName:        "testhost",
		HostDefaultAddr: net.IPv4(10, 0, 0, 1),
		Log:             log,
	}, clock
}

func addrOf(b *byte) uintptr { return uintptr(unsafe.Pointer(b)) }

// dispatchDiscarding runs one dispatch and clears staged guest-memory
// state afterwards the way the control-flow glue would, so successive
// calls within one test don't trip the accessor's borrow discipline.
func dispatchDiscarding(d *Dispatcher, ctx *Context, sysno uintptr, args [6]uintptr) Return {
	r := d.Dispatch(ctx, sysno, args)
	if r.Kind == KindDone && r.Value >= 0 {
		_ = ctx.Process.Mem.Flush()
	} else {
		ctx.Process.Mem.Discard()
	}
	return r
}

func TestSelectAndPollReportEquivalentReadiness(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	readable := &fakeDesc{mask: descriptor.StatusReadable}
	writable := &fakeDesc{mask: descriptor.StatusWritable}
	rfd := ctx.Process.Descriptors.Install(readable)
	wfd := ctx.Process.Descriptors.Install(writable)
	require.Equal(t, int32(0), rfd)
	require.Equal(t, int32(1), wfd)

	// poll: fd0 wants POLLIN, fd1 wants POLLOUT; both are ready.
	pollBuf := make([]byte, 16)
	binary.LittleEndian.PutUint32(pollBuf[0:4], uint32(rfd))
	binary.LittleEndian.PutUint16(pollBuf[4:6], pollIn)
	binary.LittleEndian.PutUint32(pollBuf[8:12], uint32(wfd))
	binary.LittleEndian.PutUint16(pollBuf[12:14], pollOut)

	r := dispatchDiscarding(d, ctx, unix.SYS_POLL, [6]uintptr{addrOf(&pollBuf[0]), 2, 0})
	require.Equal(t, KindDone, r.Kind)
	require.Equal(t, int64(2), r.Value)
	assert.Equal(t, uint16(pollIn), binary.LittleEndian.Uint16(pollBuf[6:8]))
	assert.Equal(t, uint16(pollOut), binary.LittleEndian.Uint16(pollBuf[14:16]))

	// select over the same two fds: blocks once (its condition is already
	// ready), then the resumed turn reports the same readiness sets.
	readSet := make([]byte, fdSetBytes)
	writeSet := make([]byte, fdSetBytes)
	setFdBit(readSet, int(rfd))
	setFdBit(writeSet, int(wfd))
	args := [6]uintptr{2, addrOf(&readSet[0]), addrOf(&writeSet[0]), 0, 0}

	r = dispatchDiscarding(d, ctx, unix.SYS_SELECT, args)
	require.Equal(t, KindBlock, r.Kind)
	fired, _, _ := r.Cond.Poll(toTime(0))
	require.True(t, fired, "both descriptors were already ready when select armed its triggers")

	r = dispatchDiscarding(d, ctx, unix.SYS_SELECT, args)
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, int64(2), r.Value)
	assert.True(t, fdSetBit(readSet, int(rfd)))
	assert.False(t, fdSetBit(readSet, int(wfd)))
	assert.True(t, fdSetBit(writeSet, int(wfd)))
	assert.False(t, fdSetBit(writeSet, int(rfd)))
}

func TestSelectNegativeNfdsEINVAL(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)
	r := dispatchDiscarding(d, ctx, unix.SYS_SELECT, [6]uintptr{uintptr(^uint(0)), 0, 0, 0, 0})
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, errno.Ret(errno.EINVAL), r.Value)
}

func TestSelectNegativeTimeoutEINVAL(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	tv := make([]byte, 16)
	binary.LittleEndian.PutUint64(tv[0:8], ^uint64(0)) // tv_sec = -1
	r := dispatchDiscarding(d, ctx, unix.SYS_SELECT, [6]uintptr{1, 0, 0, 0, addrOf(&tv[0])})
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, errno.Ret(errno.EINVAL), r.Value)
}

func TestSelectUnknownFdEBADF(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	readSet := make([]byte, fdSetBytes)
	setFdBit(readSet, 5) // never installed
	args := [6]uintptr{6, addrOf(&readSet[0]), 0, 0, 0}

	r := dispatchDiscarding(d, ctx, unix.SYS_SELECT, args)
	require.Equal(t, KindBlock, r.Kind, "select always blocks on its first turn")

	r = dispatchDiscarding(d, ctx, unix.SYS_SELECT, args)
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, errno.Ret(errno.EBADF), r.Value)
}

func TestPollTimeoutExpiresWithZeroReady(t *testing.T) {
	d := New()
	ctx, clock := newTestContext(t)

	idle := &fakeDesc{}
	fd := ctx.Process.Descriptors.Install(idle)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fd))
	binary.LittleEndian.PutUint16(buf[4:6], pollIn)
	args := [6]uintptr{addrOf(&buf[0]), 1, 10} // 10ms timeout

	r := dispatchDiscarding(d, ctx, unix.SYS_POLL, args)
	require.Equal(t, KindBlock, r.Kind)

	clock.now = 10 * time.Millisecond
	r = dispatchDiscarding(d, ctx, unix.SYS_POLL, args)
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, int64(0), r.Value)
}

func TestCloneWithoutRequiredFlagsENOTSUP(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	r := dispatchDiscarding(d, ctx, unix.SYS_CLONE, [6]uintptr{uintptr(linuxabi.CloneVM), 0, 0, 0, 0})
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, errno.Ret(errno.ENOTSUP), r.Value)
}

func TestDeprecatedShadowSyscallsENOSYS(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)
	for _, n := range []uintptr{linuxabi.SysShadowDeprecated0, linuxabi.SysShadowDeprecated1, linuxabi.SysShadowDeprecated2} {
		r := dispatchDiscarding(d, ctx, n, [6]uintptr{})
		assert.Equal(t, errno.Ret(errno.ENOSYS), r.Value)
	}
}

func TestHostnameOwnNameResolvesToDefaultAddr(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	name := []byte("testhost\x00")
	out := make([]byte, 4)
	r := dispatchDiscarding(d, ctx, linuxabi.SysShadowHostnameToAddrIPv4,
		[6]uintptr{addrOf(&name[0]), uintptr(len(name)), addrOf(&out[0]), 4})
	require.Equal(t, int64(0), r.Value)
	assert.Equal(t, []byte{10, 0, 0, 1}, out)
}

func TestHostnameShortOutputEINVAL(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	name := []byte("localhost\x00")
	out := make([]byte, 4)
	r := dispatchDiscarding(d, ctx, linuxabi.SysShadowHostnameToAddrIPv4,
		[6]uintptr{addrOf(&name[0]), uintptr(len(name)), addrOf(&out[0]), 3})
	assert.Equal(t, errno.Ret(errno.EINVAL), r.Value)
}

func TestHostnameUnresolvableEFAULT(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	name := []byte("nosuchhost\x00")
	out := make([]byte, 4)
	r := dispatchDiscarding(d, ctx, linuxabi.SysShadowHostnameToAddrIPv4,
		[6]uintptr{addrOf(&name[0]), uintptr(len(name)), addrOf(&out[0]), 4})
	assert.Equal(t, errno.Ret(errno.EFAULT), r.Value)
}

func TestNanosleepZeroReturnsImmediately(t *testing.T) {
	d := New()
	ctx, _ := newTestContext(t)

	req := make([]byte, 16) // zero seconds, zero nanos
	r := dispatchDiscarding(d, ctx, unix.SYS_NANOSLEEP, [6]uintptr{addrOf(&req[0]), 0})
	require.Equal(t, KindDone, r.Kind)
	assert.Equal(t, int64(0), r.Value)
}

func TestSyscallNameFallback(t *testing.T) {
	assert.Equal(t, "nanosleep", Name(unix.SYS_NANOSLEEP))
	assert.Equal(t, "syscall_9999", Name(9999))
}

func TestShadowSyscallRange(t *testing.T) {
	assert.False(t, linuxabi.IsShadowSyscall(999))
	assert.True(t, linuxabi.IsShadowSyscall(1000))
	assert.True(t, linuxabi.IsShadowSyscall(1005))
	assert.False(t, linuxabi.IsShadowSyscall(1006))
}
