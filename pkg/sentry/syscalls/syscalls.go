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

// Package syscalls holds helpers for building syscall tables. The tables
// themselves live in subpackages.
package syscalls

import (
	"gvisor.dev/chcore/pkg/errors/kernerr"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// Supported returns a syscall that is fully supported.
func Supported(name string, fn kernel.SyscallFn) kernel.Syscall {
	return kernel.Syscall{Name: name, Fn: fn, SupportLevel: kernel.SupportFull}
}

// Error returns a syscall that always fails with err.
func Error(name string, err error, note string) kernel.Syscall {
	return kernel.Syscall{
		Name: name,
		Fn: func(*kernel.Thread, kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
			return 0, nil, err
		},
		SupportLevel: kernel.SupportUnimplemented,
		Note:         note,
	}
}

// Disabled returns a syscall that exists in the ABI but is switched off in
// this configuration.
func Disabled(name, note string) kernel.Syscall {
	return Error(name, kernerr.EBADSYSCALL, note)
}
