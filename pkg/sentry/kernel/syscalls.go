// Copyright 2026 The gVisor Authors.
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

package kernel

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

// SyscallArgument is an argument register.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments are the argument registers of a syscall.
type SyscallArguments [6]SyscallArgument

// Uint64 returns the argument as a uint64.
func (a SyscallArgument) Uint64() uint64 { return uint64(a.Value) }

// Int returns the argument as an int.
func (a SyscallArgument) Int() int { return int(int64(a.Value)) }

// Bool returns true if the argument is non-zero.
func (a SyscallArgument) Bool() bool { return a.Value != 0 }

// Pointer returns the argument as a user address.
func (a SyscallArgument) Pointer() hostarch.Addr { return hostarch.Addr(a.Value) }

// Cap returns the argument as a capability.
func (a SyscallArgument) Cap() chcore.Cap { return chcore.Cap(int32(a.Value)) }

// SyscallControl is returned by syscalls that do not return to their caller
// right away. The caller resumes when another thread schedules it, with the
// return value that thread left in its registers.
type SyscallControl struct {
	// next receives the CPU directly. If nil, the scheduler picks.
	next *Thread
}

// ctrlSched deschedules the caller.
var ctrlSched = &SyscallControl{}

// switchTo hands the caller's CPU to next.
func switchTo(next *Thread) *SyscallControl {
	return &SyscallControl{next: next}
}

// Next returns the thread the control hands the CPU to, or nil.
func (c *SyscallControl) Next() *Thread { return c.next }

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Thread, args SyscallArguments) (uintptr, *SyscallControl, error)

// SyscallSupportLevel says how much of a syscall is implemented.
type SyscallSupportLevel int

// Support levels.
const (
	SupportUndocumented SyscallSupportLevel = iota
	SupportUnimplemented
	SupportFull
)

func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

// Syscall describes one syscall.
type Syscall struct {
	Name         string
	Fn           SyscallFn
	SupportLevel SyscallSupportLevel

	// Note is shown next to the syscall in listings.
	Note string
}

// SyscallTable is the syscall dispatch table.
type SyscallTable struct {
	// Table maps syscall numbers to implementations. It is read only
	// after Init.
	Table map[uintptr]Syscall

	// lookup is the flat form of Table, with every unset entry answering
	// EBADSYSCALL.
	lookup [chcore.NR_SYSCALL]SyscallFn
}

func badSyscall(t *Thread, args SyscallArguments) (uintptr, *SyscallControl, error) {
	return 0, nil, kernerr.EBADSYSCALL
}

// Init builds the flat dispatch table.
func (s *SyscallTable) Init() {
	for i := range s.lookup {
		s.lookup[i] = badSyscall
	}
	for num, sc := range s.Table {
		if num >= chcore.NR_SYSCALL {
			panic(fmt.Sprintf("syscall %d (%s) beyond table size", num, sc.Name))
		}
		if sc.Fn != nil {
			s.lookup[num] = sc.Fn
		}
	}
}

// Lookup returns the implementation of sysno.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if sysno >= chcore.NR_SYSCALL {
		return badSyscall
	}
	return s.lookup[sysno]
}

// Name returns the name of sysno.
func (s *SyscallTable) Name(sysno uintptr) string {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

// syscall runs sysno on behalf of t and returns the value for t's return
// register. It does not return if t exits, or if t is restarted at a new
// entry point while descheduled.
func (t *Thread) syscall(sysno uintptr, args SyscallArguments) uintptr {
	select {
	case <-t.killed:
		panic(unwindExit)
	default:
	}
	t.k.metrics.syscall(t.k.syscalls.Name(sysno))
	rv, ctrl, err := t.k.syscalls.Lookup(sysno)(t, args)
	if ctrl == nil {
		if err != nil {
			if log.IsLogging(log.Debug) {
				log.Debugf("%v: %s failed: %v", t, t.k.syscalls.Name(sysno), err)
			}
			rv = kernerr.ToReturn(err)
		}
		t.checkExit()
		return rv
	}

	var resumed bool
	if ctrl.next != nil {
		resumed = t.k.sched.SwitchTo(t, ctrl.next)
	} else {
		resumed = t.k.sched.Sched(t)
	}
	if !resumed {
		panic(unwindExit)
	}
	if t.regs.restart {
		panic(unwindRestart)
	}
	t.checkExit()
	return t.regs.Ret
}
