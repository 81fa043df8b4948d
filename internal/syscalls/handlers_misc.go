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

	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/pkg/arch"
	"github.com/shadow/shadow-go/pkg/errno"
)

// utsFieldLen is the length of each `struct new_utsname` field on Linux.
const utsFieldLen = 65

// handleUname implements uname(2): a fixed identity advertising this
// core's guests as running "Linux", under a release string that marks
// them as simulated rather than pretending to be a genuine kernel.
func handleUname(ctx *Context, args [6]uintptr) Return {
	fields := []string{"Linux", ctx.HostName, "6.1.0-shadow", "#1 SMP", "x86_64", ""}
	if fields[1] == "" {
		fields[1] = "shadow-guest"
	}
	if err := ctx.Process.Mem.WriteStruct(args[0], utsFieldLen*6, func(b []byte) {
		for i, f := range fields {
			off := i * utsFieldLen
			copy(b[off:off+utsFieldLen-1], f)
		}
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(0)
}

// handleSysinfo implements sysinfo(2) with the uptime field driven by
// the simulated clock, totalram and freeram reporting a generous,
// static placeholder (so guests that branch on available memory do not
// see zero) with mem_unit 1, and every other field zero.
func handleSysinfo(ctx *Context, args [6]uintptr) Return {
	const totalram = uint64(8) << 30 // 8 GiB, arbitrary but stable
	uptimeSecs := int64(ctx.Scheduler.Now().Seconds())

	// x86-64 struct sysinfo is 112 bytes.
	if err := ctx.Process.Mem.WriteStruct(args[0], 112, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:8], uint64(uptimeSecs))
		binary.LittleEndian.PutUint64(b[32:40], totalram) // totalram
		binary.LittleEndian.PutUint64(b[40:48], totalram) // freeram
		binary.LittleEndian.PutUint32(b[104:108], 1)      // mem_unit
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(0)
}

// handleShadowHostnameToAddr implements shadow_hostname_to_addr_ipv4:
// localhost resolves internally, this host's own configured
// name resolves to its default address, anything else is delegated to
// the DNS collaborator.
func handleShadowHostnameToAddr(ctx *Context, args [6]uintptr) Return {
	nameAddr, nameLen, outAddr, outLen := args[0], args[1], args[2], args[3]
	if nameAddr == 0 || outAddr == 0 || outLen < 4 {
		return Done(errno.Ret(errno.EINVAL))
	}

	name, _, err := ctx.Process.Mem.ReadString(nameAddr, int(nameLen))
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}

	var resolved []byte
	switch {
	case name == "localhost":
		resolved = []byte{127, 0, 0, 1}
	case ctx.HostName != "" && name == ctx.HostName:
		v4 := ctx.HostDefaultAddr.To4()
		if v4 == nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		resolved = v4
	default:
		ip, ok := ctx.DNS.ResolveIPv4(name)
		if !ok {
			return Done(errno.Ret(errno.EFAULT))
		}
		v4 := ip.To4()
		if v4 == nil {
			return Done(errno.Ret(errno.EFAULT))
		}
		resolved = v4
	}

	if err := ctx.Process.Mem.WriteStruct(outAddr, 4, func(b []byte) {
		// Network byte order, matching htonl's big-endian convention.
		copy(b, resolved)
	}); err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(0)
}

// handleMmap, handleMremap, and handleMunmap execute the guest's memory-
// mapping request by native injection rather than resuming natively: this
// lets a future memory-manager layer observe every mapping change
// without this core having to model anonymous/file-backed regions
// itself yet.
func handleMmap(ctx *Context, args [6]uintptr) Return {
	return injectPassthrough(ctx, unix.SYS_MMAP, args)
}

func handleMremap(ctx *Context, args [6]uintptr) Return {
	return injectPassthrough(ctx, unix.SYS_MREMAP, args)
}

func handleMunmap(ctx *Context, args [6]uintptr) Return {
	return injectPassthrough(ctx, unix.SYS_MUNMAP, args)
}

// handleShadowInitMemoryManager implements shadow_init_memory_manager:
// a placeholder hook for a future memory-manager layer to observe
// mmap/mremap/munmap through (see handleMmap's doc comment); today there
// is nothing to initialize, so it only acknowledges the call.
func handleShadowInitMemoryManager(ctx *Context, args [6]uintptr) Return {
	return Done(0)
}

// handleShadowYield implements shadow_yield: a cooperative hint that
// the calling guest thread has no more useful work this step. This core
// has no separate scheduling quantum to cut short (the host's resume
// loop already re-polls every thread each step), so it is a no-op Done.
func handleShadowYield(ctx *Context, args [6]uintptr) Return {
	return Done(0)
}

func injectPassthrough(ctx *Context, sysno uintptr, args [6]uintptr) Return {
	a := make([]arch.SyscallArgument, len(args))
	for i, v := range args {
		a[i] = arch.SyscallArgument{Value: v}
	}
	ret, err := ctx.Thread.InjectSyscall(sysno, a...)
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	return Done(ret)
}
