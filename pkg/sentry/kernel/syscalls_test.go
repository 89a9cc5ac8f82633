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
	"testing"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

func TestSyscallTable(t *testing.T) {
	called := 0
	table := &SyscallTable{Table: map[uintptr]Syscall{
		chcore.SYS_yield: {Name: "yield", Fn: func(*Thread, SyscallArguments) (uintptr, *SyscallControl, error) {
			called++
			return 7, nil, nil
		}},
		chcore.SYS_getc: {Name: "getc"},
	}}
	table.Init()

	if rv, _, err := table.Lookup(chcore.SYS_yield)(nil, SyscallArguments{}); rv != 7 || err != nil || called != 1 {
		t.Errorf("yield = %d, %v after %d calls; want 7, nil after 1", rv, err, called)
	}
	for _, sysno := range []uintptr{chcore.SYS_getc, chcore.SYS_putstr, chcore.NR_SYSCALL - 1, chcore.NR_SYSCALL, ^uintptr(0)} {
		if _, _, err := table.Lookup(sysno)(nil, SyscallArguments{}); err != kernerr.EBADSYSCALL {
			t.Errorf("syscall %d = %v, want EBADSYSCALL", sysno, err)
		}
	}
	if got := table.Name(chcore.SYS_getc); got != "getc" {
		t.Errorf("Name(SYS_getc) = %q", got)
	}
	if got := table.Name(chcore.SYS_putstr); got != "sys_0" {
		t.Errorf("Name of an unset syscall = %q, want sys_0", got)
	}
}

func TestSyscallTableBeyondRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Init accepted a syscall beyond the table")
		}
	}()
	table := &SyscallTable{Table: map[uintptr]Syscall{chcore.NR_SYSCALL: {Name: "huge"}}}
	table.Init()
}

func TestSyscallArguments(t *testing.T) {
	var args SyscallArguments
	args[0].Value = uintptr(0xffff_ffff)
	args[1].Value = ^uintptr(0)
	if got := args[0].Cap(); got != -1 {
		t.Errorf("Cap() = %d, want -1", got)
	}
	if got := args[1].Int(); got != -1 {
		t.Errorf("Int() = %d, want -1", got)
	}
	if args[2].Bool() || !args[1].Bool() {
		t.Errorf("Bool() mismatch")
	}
}
