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

package thread

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	linuxabi "github.com/shadow/shadow-go/pkg/abi/linux"
	"github.com/shadow/shadow-go/pkg/arch"
)

// ErrCloneUnsupportedFlags is returned by Clone when the guest's clone(2)
// call is missing one of the required flags; the syscalls package
// maps this to ENOTSUP.
var ErrCloneUnsupportedFlags = errors.New("thread: clone missing required flags")

// InjectSyscall executes sysno(args...) directly in the tracee and
// returns its result: point rip at the
// cached syscall instruction, load the number and args, single-step past
// it, read rax, and restore every register the guest had before the
// call, unless the injected syscall is execve or exit, in which case the
// state machine has transitioned and no restore is attempted.
func (t *Thread) InjectSyscall(sysno uintptr, args ...arch.SyscallArgument) (int64, error) {
	if err := t.getRegs(); err != nil {
		return 0, err
	}
	saved := t.snap.Clone()

	t.snap.SetIP(t.syscallInsnAddr)
	t.snap.SetSyscallRegs(sysno, args...)
	if err := t.setRegs(); err != nil {
		return 0, err
	}

	for {
		if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(t.tid), 0, 0, 0, 0); errno != 0 {
			return 0, fmt.Errorf("thread: inject singlestep %d: %w", t.tid, errno)
		}
		sig, err := t.wait(waitStopped)
		if err != nil {
			if sysno == unix.SYS_EXIT || sysno == unix.SYS_EXIT_GROUP {
				t.state = StateExited
				return 0, nil
			}
			if t.state == StateExited {
				// Child vanished before the injected syscall completed
				//; callers surface this as -ECHILD.
				return 0, unix.ECHILD
			}
			return 0, err
		}
		if sig == unix.SIGTRAP {
			break
		}
		// Anything else stopped the thread first; keep stepping past it.
		continue
	}

	if sysno == unix.SYS_EXECVE {
		t.state = StateExecve
		return 0, nil
	}
	if sysno == unix.SYS_EXIT || sysno == unix.SYS_EXIT_GROUP {
		t.state = StateExited
		return 0, nil
	}

	if err := t.getRegs(); err != nil {
		return 0, err
	}
	ret := t.snap.Return()

	t.snap.Restore(saved)
	if err := t.setRegs(); err != nil {
		return 0, err
	}
	return ret, nil
}

// Clone interposes clone(2): VM|FS|FILES|SIGHAND|THREAD|
// SYSVSEM are required (ENOTSUP if any is missing); PARENT_SETTID,
// CHILD_SETTID, CHILD_CLEARTID are emulated by the core itself and
// stripped before the native call; SETTLS passes through untouched.
func (t *Thread) Clone(flags uintptr, stack uintptr, ptidAddr, ctidAddr uintptr, tls uintptr, syscallInsnAddr uintptr, log *logrus.Entry) (*Thread, int64, error) {
	if flags&linuxabi.RequiredCloneFlags != linuxabi.RequiredCloneFlags {
		return nil, 0, ErrCloneUnsupportedFlags
	}

	nativeFlags := flags &^ uintptr(linuxabi.EmulatedCloneFlags)

	ret, err := t.InjectSyscall(unix.SYS_CLONE,
		arch.SyscallArgument{Value: nativeFlags},
		arch.SyscallArgument{Value: stack},
		arch.SyscallArgument{Value: ptidAddr},
		arch.SyscallArgument{Value: ctidAddr},
		arch.SyscallArgument{Value: tls},
	)
	if err != nil {
		return nil, 0, err
	}
	if ret < 0 {
		return nil, ret, nil
	}

	childTID := int(ret)
	child := NewThread(childTID, syscallInsnAddr, log)
	if err := child.attach(); err != nil {
		return nil, 0, fmt.Errorf("thread: attaching to clone %d: %w", childTID, err)
	}
	if err := child.getRegs(); err != nil {
		return nil, 0, err
	}
	child.state = StateSyscall

	if flags&linuxabi.CloneChildCLEARTID != 0 {
		child.SetTIDClearAddress(ctidAddr)
	}

	vtid := t.proc.AddThread(child)

	if flags&linuxabi.CloneParentSETTID != 0 && ptidAddr != 0 {
		if err := writeTID(t.proc, ptidAddr, vtid); err != nil {
			return nil, 0, err
		}
	}
	if flags&linuxabi.CloneChildSETTID != 0 && ctidAddr != 0 {
		if err := writeTID(t.proc, ctidAddr, vtid); err != nil {
			return nil, 0, err
		}
	}

	return child, int64(vtid), nil
}

func writeTID(p *Process, addr uintptr, vtid uint64) error {
	buf, err := p.Mem.WritePtr(addr, 4)
	if err != nil {
		return err
	}
	v := uint32(vtid)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return p.Mem.Flush()
}
