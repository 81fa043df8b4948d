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
	"github.com/shadow/shadow-go/internal/descriptor"
	"github.com/shadow/shadow-go/pkg/errno"
)

// fdReader/fdWriter are the narrow operations this core asks a concrete
// Descriptor (an external collaborator) to perform; regular files,
// pipes, and sockets all implement read/write themselves, so the
// dispatcher only needs to find the fd and hand off the guest buffer.
type fdReader interface {
	descriptor.Descriptor
	Read(p []byte) (int, error)
}

type fdWriter interface {
	descriptor.Descriptor
	Write(p []byte) (int, error)
}

// handleRead implements read(2): look up fd, read into a staged guest
// buffer, flush on success (handled by the caller via the Done/errno
// discipline, not here).
func handleRead(ctx *Context, args [6]uintptr) Return {
	fd, addr, count := int32(args[0]), args[1], args[2]

	d, ok := ctx.Process.Descriptors.Get(fd)
	if !ok {
		return Done(errno.Ret(errno.EBADF))
	}
	r, ok := d.(fdReader)
	if !ok {
		return Done(errno.Ret(errno.ESPIPE))
	}

	buf, err := ctx.Process.Mem.WritePtr(addr, int(count))
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	n, rerr := r.Read(buf)
	if rerr != nil && n == 0 {
		return Done(errno.Ret(errno.EWOULDBLOCK))
	}
	return Done(int64(n))
}

// handleWrite implements write(2) symmetrically to handleRead.
func handleWrite(ctx *Context, args [6]uintptr) Return {
	fd, addr, count := int32(args[0]), args[1], args[2]

	d, ok := ctx.Process.Descriptors.Get(fd)
	if !ok {
		return Done(errno.Ret(errno.EBADF))
	}
	w, ok := d.(fdWriter)
	if !ok {
		return Done(errno.Ret(errno.ESPIPE))
	}

	buf, err := ctx.Process.Mem.ReadPtr(addr, int(count))
	if err != nil {
		return Done(errno.Ret(errno.EFAULT))
	}
	n, werr := w.Write(buf)
	if werr != nil && n == 0 {
		return Done(errno.Ret(errno.EWOULDBLOCK))
	}
	return Done(int64(n))
}
