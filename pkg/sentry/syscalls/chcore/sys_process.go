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

package chcore

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// maxTransferCaps bounds a single transfer_caps.
const maxTransferCaps = 256

// capReturn encodes a capability result.
func capReturn(c chcore.Cap, err error) (uintptr, *kernel.SyscallControl, error) {
	if err != nil {
		return 0, nil, err
	}
	return uintptr(c), nil, nil
}

// Putstr implements sys_putstr(buf, len).
func Putstr(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.Putstr(args[0].Pointer(), args[1].Uint64())
}

// Getc implements sys_getc().
func Getc(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.Getc()
	return c, nil, err
}

// RevokeCap implements sys_revoke_cap(cap, revoke_copies).
func RevokeCap(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.RevokeCap(args[0].Cap(), args[1].Bool())
}

// TransferCaps implements sys_transfer_caps(cap_group, src_caps, nr,
// dst_caps_out).
func TransferCaps(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	dst := args[0].Cap()
	srcAddr := args[1].Pointer()
	nr := args[2].Uint64()
	outAddr := args[3].Pointer()
	if nr == 0 || nr > maxTransferCaps {
		return 0, nil, linuxerr.EINVAL
	}

	buf := make([]byte, nr*chcore.SizeofCap)
	if err := t.CopyIn(srcAddr, buf); err != nil {
		return 0, nil, linuxerr.EINVAL
	}
	src := make([]chcore.Cap, nr)
	for i := range src {
		src[i] = chcore.Cap(int32(hostarch.ByteOrder.Uint32(buf[i*chcore.SizeofCap:])))
	}
	out, err := t.TransferCaps(dst, src)
	if err != nil {
		return 0, nil, err
	}
	for i, c := range out {
		hostarch.ByteOrder.PutUint32(buf[i*chcore.SizeofCap:], uint32(c))
	}
	if err := t.CopyOut(outAddr, buf); err != nil {
		// The copies are unreachable without their slot numbers.
		for _, c := range out {
			t.FreeCapIn(dst, c)
		}
		return 0, nil, linuxerr.EINVAL
	}
	return 0, nil, nil
}

// CreateCapGroup implements sys_create_cap_group(args).
func CreateCapGroup(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return capReturn(t.CreateCapGroup(args[0].Pointer()))
}

// ExitGroup implements sys_exit_group(code).
func ExitGroup(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.ExitGroup(int32(args[0].Int()))
	return 0, ctrl, err
}

// CreateThread implements sys_create_thread(cap_group, entry, stack, arg,
// prio, type).
func CreateThread(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.CreateThread(args[0].Cap(), args[1].Pointer(), args[2].Pointer(), args[3].Value, args[4].Int(), chcore.ThreadType(args[5].Uint64()))
	return capReturn(c, err)
}

// ThreadExit implements sys_thread_exit().
func ThreadExit(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.ThreadExit()
	return 0, ctrl, err
}

// Yield implements sys_yield().
func Yield(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.Yield()
	return 0, ctrl, err
}

// RegisterRecycle implements sys_register_recycle(notifc, ring).
func RegisterRecycle(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.RegisterRecycle(args[0].Cap(), args[1].Pointer())
}

// CapGroupRecycle implements sys_cap_group_recycle(cap_group).
func CapGroupRecycle(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.CapGroupRecycle(args[0].Cap())
}
