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
	"fmt"

	"golang.org/x/sys/unix"

	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
)

// sysnoNames covers the numbers this dispatcher registers; the latency
// model keys its per-syscall cost table by these names, and log lines
// use them so operators don't read raw numbers.
var sysnoNames = map[uintptr]string{
	unix.SYS_READ:            "read",
	unix.SYS_WRITE:           "write",
	unix.SYS_NANOSLEEP:       "nanosleep",
	unix.SYS_CLOCK_GETTIME:   "clock_gettime",
	unix.SYS_GETTIMEOFDAY:    "gettimeofday",
	unix.SYS_TIME:            "time",
	unix.SYS_KILL:            "kill",
	unix.SYS_TGKILL:          "tgkill",
	unix.SYS_TKILL:           "tkill",
	unix.SYS_RT_SIGACTION:    "rt_sigaction",
	unix.SYS_RT_SIGPROCMASK:  "rt_sigprocmask",
	unix.SYS_SIGALTSTACK:     "sigaltstack",
	unix.SYS_CLONE:           "clone",
	unix.SYS_GETPID:          "getpid",
	unix.SYS_SET_TID_ADDRESS: "set_tid_address",
	unix.SYS_FUTEX:           "futex",
	unix.SYS_UNAME:           "uname",
	unix.SYS_SYSINFO:         "sysinfo",
	unix.SYS_MMAP:            "mmap",
	unix.SYS_MREMAP:          "mremap",
	unix.SYS_MUNMAP:          "munmap",
	unix.SYS_POLL:            "poll",
	unix.SYS_PPOLL:           "ppoll",
	unix.SYS_SELECT:          "select",
	unix.SYS_PSELECT6:        "pselect6",
	unix.SYS_SOCKET:          "socket",
	unix.SYS_BIND:            "bind",
	unix.SYS_CONNECT:         "connect",
	unix.SYS_LISTEN:          "listen",
	unix.SYS_ACCEPT:          "accept",
	unix.SYS_ACCEPT4:         "accept4",
	unix.SYS_SENDTO:          "sendto",
	unix.SYS_RECVFROM:        "recvfrom",
	unix.SYS_SETSOCKOPT:      "setsockopt",
	unix.SYS_GETSOCKOPT:      "getsockopt",
	unix.SYS_EPOLL_CREATE:    "epoll_create",
	unix.SYS_EPOLL_CREATE1:   "epoll_create1",
	unix.SYS_EPOLL_CTL:       "epoll_ctl",
	unix.SYS_EPOLL_WAIT:      "epoll_wait",
	unix.SYS_EPOLL_PWAIT:     "epoll_pwait",

	linuxabi.SysShadowHostnameToAddrIPv4: "shadow_hostname_to_addr_ipv4",
	linuxabi.SysShadowInitMemoryManager:  "shadow_init_memory_manager",
	linuxabi.SysShadowYield:              "shadow_yield",
}

// Name returns the conventional name for a syscall number, or a
// "syscall_<n>" placeholder for numbers outside the registered set.
func Name(sysno uintptr) string {
	if n, ok := sysnoNames[sysno]; ok {
		return n
	}
	return fmt.Sprintf("syscall_%d", sysno)
}
