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

	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/pkg/errno"
)

// Socket is the polymorphic contract a concrete socket descriptor (an
// external network-stack collaborator) satisfies; this core only
// ever calls through this interface, never constructing TCP/UDP
// behavior itself.
type Socket interface {
	descriptor.Descriptor
	Bind(addr net.IP, port uint16) error
	Connect(addr net.IP, port uint16) error
	Listen(backlog int) error
	// Accept reports ok=false, rather than an error, when no connection
	// is pending; the handler maps that to EWOULDBLOCK, the same
	// convention handleRead/handleWrite use for a zero-byte I/O error.
	Accept() (conn Socket, peer net.IP, peerPort uint16, ok bool)
	SendTo(p []byte, addr net.IP, port uint16) (int, error)
	RecvFrom(p []byte) (n int, addr net.IP, port uint16, err error)
	SetSockOpt(level, name int, value []byte) error
	GetSockOpt(level, name int) ([]byte, error)
	LocalAddr() (net.IP, uint16)
}

func getSocket(ctx *Context, fd int32) (Socket, errno.Errno) {
	d, ok := ctx.Process.Descriptors.Get(fd)
	if !ok {
		return nil, errno.EBADF
	}
	s, ok := d.(Socket)
	if !ok {
		return nil, errno.ENOTSOCK
	}
	return s, 0
}

const sockAddrInSize = 16 // struct sockaddr_in, zero-padded to sockaddr's 16 bytes

func readSockAddrIn(ctx *Context, addr uintptr, length uintptr) (net.IP, uint16, errno.Errno) {
	if addr == 0 || length < 8 {
		return nil, 0, errno.EINVAL
	}
	buf, err := ctx.Process.Mem.ReadPtr(addr, 8)
	if err != nil {
		return nil, 0, errno.EFAULT
	}
	port := binary.BigEndian.Uint16(buf[2:4])
	ip := net.IPv4(buf[4], buf[5], buf[6], buf[7])
	return ip, port, 0
}

func writeSockAddrIn(ctx *Context, addr, addrlenAddr uintptr, ip net.IP, port uint16) errno.Errno {
	if addr == 0 {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	if err := ctx.Process.Mem.WriteStruct(addr, sockAddrInSize, func(b []byte) {
		binary.LittleEndian.PutUint16(b[0:2], afInet)
		binary.BigEndian.PutUint16(b[2:4], port)
		copy(b[4:8], v4)
	}); err != nil {
		return errno.EFAULT
	}
	if addrlenAddr != 0 {
		if err := ctx.Process.Mem.WriteStruct(addrlenAddr, 4, func(b []byte) {
			binary.LittleEndian.PutUint32(b, sockAddrInSize)
		}); err != nil {
			return errno.EFAULT
		}
	}
	return 0
}

const afInet = 2

// sockTypeMask strips SOCK_NONBLOCK/SOCK_CLOEXEC (Linux ORs them into the
// type argument); this core's sockets are handed to the factory as a
// plain SOCK_STREAM/SOCK_DGRAM since non-blocking is this core's default
// I/O discipline everywhere, not something a socket opts into.
const sockTypeMask = 0xff

func handleSocket(ctx *Context, args [6]uintptr) Return {
	domain, typ, protocol := int(args[0]), int(args[1])&sockTypeMask, int(args[2])
	s, err := ctx.Sockets.NewSocket(domain, typ, protocol)
	if err != nil {
		return Done(errno.Ret(errno.EPROTONOSUPPORT))
	}
	fd := ctx.Process.Descriptors.Install(s)
	return Done(int64(fd))
}

func handleBind(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	ip, port, errn := readSockAddrIn(ctx, args[1], args[2])
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	if err := s.Bind(ip, port); err != nil {
		return Done(errno.Ret(errno.EADDRINUSE))
	}
	return Done(0)
}

func handleConnect(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	ip, port, errn := readSockAddrIn(ctx, args[1], args[2])
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	if err := s.Connect(ip, port); err != nil {
		return Done(errno.Ret(errno.ECONNREFUSED))
	}
	return Done(0)
}

func handleListen(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	if err := s.Listen(int(int32(args[1]))); err != nil {
		return Done(errno.Ret(errno.EOPNOTSUPP))
	}
	return Done(0)
}

func handleAcceptCommon(ctx *Context, fd int32, peerAddr, peerAddrLen uintptr) Return {
	s, errn := getSocket(ctx, fd)
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	conn, peer, peerPort, ok := s.Accept()
	if !ok {
		return Done(errno.Ret(errno.EWOULDBLOCK))
	}
	if errn := writeSockAddrIn(ctx, peerAddr, peerAddrLen, peer, peerPort); errn != 0 {
		return Done(errno.Ret(errn))
	}
	newFd := ctx.Process.Descriptors.Install(conn)
	return Done(int64(newFd))
}

func handleAccept(ctx *Context, args [6]uintptr) Return {
	return handleAcceptCommon(ctx, int32(args[0]), args[1], args[2])
}

func handleAccept4(ctx *Context, args [6]uintptr) Return {
	// args[3] (flags: SOCK_NONBLOCK/SOCK_CLOEXEC) is a no-op, same
	// rationale as handleSocket's sockTypeMask.
	return handleAcceptCommon(ctx, int32(args[0]), args[1], args[2])
}

func handleSendto(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	bufAddr, length := args[1], args[2]
	destAddr, destLen := args[4], args[5]

	buf, err := ctx.Process.Mem.ReadPtr(bufAddr, int(length))
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}

	var ip net.IP
	var port uint16
	if destAddr != 0 {
		ip, port, errn = readSockAddrIn(ctx, destAddr, destLen)
		if errn != 0 {
			return Done(errno.Ret(errn))
		}
	}

	n, werr := s.SendTo(buf, ip, port)
	if werr != nil && n == 0 {
		return Done(errno.Ret(errno.EWOULDBLOCK))
	}
	return Done(int64(n))
}

func handleRecvfrom(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	bufAddr, length := args[1], args[2]
	srcAddr, srcAddrLenAddr := args[4], args[5]

	buf, err := ctx.Process.Mem.WritePtr(bufAddr, int(length))
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	n, ip, port, rerr := s.RecvFrom(buf)
	if rerr != nil && n == 0 {
		return Done(errno.Ret(errno.EWOULDBLOCK))
	}
	if srcAddr != 0 {
		if errn := writeSockAddrIn(ctx, srcAddr, srcAddrLenAddr, ip, port); errn != 0 {
			return Done(errno.Ret(errn))
		}
	}
	return Done(int64(n))
}

func handleSetsockopt(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	level, name, optAddr, optLen := int(args[1]), int(args[2]), args[3], int(args[4])
	var value []byte
	if optLen > 0 {
		buf, err := ctx.Process.Mem.ReadPtr(optAddr, optLen)
		if err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		value = buf
	}
	if err := s.SetSockOpt(level, name, value); err != nil {
		return Done(errno.Ret(errno.ENOPROTOOPT))
	}
	return Done(0)
}

func handleGetsockopt(ctx *Context, args [6]uintptr) Return {
	s, errn := getSocket(ctx, int32(args[0]))
	if errn != 0 {
		return Done(errno.Ret(errn))
	}
	level, name, optAddr, optLenAddr := int(args[1]), int(args[2]), args[3], args[4]
	value, err := s.GetSockOpt(level, name)
	if err != nil {
		return Done(errno.Ret(errno.ENOPROTOOPT))
	}
	if err := ctx.Process.Mem.WriteStruct(optAddr, len(value), func(b []byte) {
		copy(b, value)
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	if optLenAddr != 0 {
		if err := ctx.Process.Mem.WriteStruct(optLenAddr, 4, func(b []byte) {
			binary.LittleEndian.PutUint32(b, uint32(len(value)))
		}); err != nil {
			return Done(errno.Ret(errno.EFAULT))
		}
	}
	return Done(0)
}
