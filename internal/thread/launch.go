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
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shadow/shadow-go/internal/gmem"
	"github.com/shadow/shadow-go/pkg/arch"
)

// prSetTSC/prTSCSigsegv are the prctl(2) arguments that make rdtsc/rdtscp
// raise SIGSEGV instead of executing natively, the trap the TSC
// emulator relies on.
const (
	prSetTSC     = 25
	prTSCSigsegv = 2
)

// Launch forks and execs argv under ptrace and returns the guest's first
// (and, pre-clone, only) thread, attached and stopped at its first
// syscall-entry.
//
// No stub binary is involved: Go's raw ForkExec with SysProcAttr.Ptrace
// already gets the child to call PTRACE_TRACEME before execve, and the
// kernel auto-stops the tracee with a plain SIGTRAP after the exec; the
// trace options (init) are set only once that stop is seen. The TSC
// disable is performed
// by injecting a prctl(PR_SET_TSC) syscall into the guest at that first
// stop, using the same native-syscall-injection facility clone() uses,
// so the guest never executes a real instruction with TSC traps
// disabled.
func Launch(argv, envv []string, syscallInsnAddr uintptr, log *logrus.Entry) (*Thread, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("thread: launch requires a non-empty argv")
	}

	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Env: envv,
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("thread: fork/exec %v: %w", argv, err)
	}

	t := NewThread(pid, syscallInsnAddr, log)
	t.state = StateTraceMe

	// The child is stopped with a plain SIGTRAP by the kernel because it
	// called PTRACE_TRACEME before execve; absorb that stop and set our
	// trace options.
	sig, err := t.wait(waitStopped)
	if err != nil {
		return nil, err
	}
	if sig != unix.SIGTRAP {
		return nil, fmt.Errorf("thread: launch %d: expected exec SIGTRAP, got %v", pid, sig)
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	if err := t.getRegs(); err != nil {
		return nil, err
	}

	if _, err := t.InjectSyscall(unix.SYS_PRCTL,
		arch.SyscallArgument{Value: uintptr(prSetTSC)},
		arch.SyscallArgument{Value: uintptr(prTSCSigsegv)},
	); err != nil {
		return nil, fmt.Errorf("thread: disabling TSC for %d: %w", pid, err)
	}

	mem, err := gmem.Open(pid)
	if err != nil {
		return nil, err
	}
	proc := NewProcess(pid, mem)
	proc.AddThread(t)

	t.state = StateSyscall
	return t, nil
}
