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

// Package errno names the guest-observable error taxonomy: Linux
// errno values returned as a negative i64 inside a Done syscall return.
// These are aliases of golang.org/x/sys/unix's Errno rather than a parallel
// enum, so a handler can compare directly against os/exec or unix-returned
// errors from a Native-class passthrough.
package errno

import "golang.org/x/sys/unix"

// Errno is a guest-visible Linux error number.
type Errno = unix.Errno

// The subset of errno values the dispatcher and handlers produce.
const (
	EBADF        = unix.EBADF
	EINVAL       = unix.EINVAL
	EFAULT       = unix.EFAULT
	ESPIPE       = unix.ESPIPE
	ENOSYS       = unix.ENOSYS
	EINTR        = unix.EINTR
	ENAMETOOLONG = unix.ENAMETOOLONG
	EPERM        = unix.EPERM
	ESRCH        = unix.ESRCH
	ENOTSUP      = unix.ENOTSUP
	EWOULDBLOCK  = unix.EWOULDBLOCK
	ECHILD       = unix.ECHILD
	ENOTSOCK     = unix.ENOTSOCK
	EPROTONOSUPPORT = unix.EPROTONOSUPPORT
	EADDRINUSE   = unix.EADDRINUSE
	ECONNREFUSED = unix.ECONNREFUSED
	EOPNOTSUPP   = unix.EOPNOTSUPP
	ENOPROTOOPT  = unix.ENOPROTOOPT
	ENOENT       = unix.ENOENT
)

// Ret converts an errno into the negative i64 the guest sees in rax.
func Ret(e Errno) int64 {
	return -int64(e)
}
