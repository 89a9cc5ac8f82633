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
	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// CreatePMO implements sys_create_pmo(size, type).
func CreatePMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.CreatePMO(args[0].Uint64(), chcore.PMOType(args[1].Uint64()))
	return capReturn(c, err)
}

// CreateDevicePMO implements sys_create_device_pmo(paddr, size).
func CreateDevicePMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.CreateDevicePMO(args[0].Uint64(), args[1].Uint64())
	return capReturn(c, err)
}

// MapPMO implements sys_map_pmo(cap_group, pmo, addr, perm, len).
func MapPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.MapPMO(args[0].Cap(), args[1].Cap(), args[2].Pointer(), args[3].Uint64(), args[4].Uint64())
	return capReturn(c, err)
}

// UnmapPMO implements sys_unmap_pmo(cap_group, pmo, addr).
func UnmapPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.UnmapPMO(args[0].Cap(), args[1].Cap(), args[2].Pointer())
}

// WritePMO implements sys_write_pmo(pmo, offset, buf, len).
func WritePMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.WritePMO(args[0].Cap(), args[1].Uint64(), args[2].Pointer(), args[3].Uint64())
}

// ReadPMO implements sys_read_pmo(pmo, offset, buf, len).
func ReadPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.ReadPMO(args[0].Cap(), args[1].Uint64(), args[2].Pointer(), args[3].Uint64())
}

// GetPhysAddr implements sys_get_phys_addr(va, pa_out).
func GetPhysAddr(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.GetPhysAddr(args[0].Pointer(), args[1].Pointer())
}

// HandleBrk implements sys_handle_brk(addr, heap_start).
func HandleBrk(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	end, err := t.HandleBrk(args[0].Pointer(), args[1].Pointer())
	return end, nil, err
}

// GetFreeMemSize implements sys_get_free_mem_size().
func GetFreeMemSize(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return uintptr(t.GetFreeMemSize()), nil, nil
}

// CreateNSPMO implements sys_create_ns_pmo(cap_group, paddr, size).
func CreateNSPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.CreateNSPMO(args[0].Cap(), args[1].Uint64(), args[2].Uint64())
	return capReturn(c, err)
}

// DestroyNSPMO implements sys_destroy_ns_pmo(cap_group, pmo).
func DestroyNSPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.DestroyNSPMO(args[0].Cap(), args[1].Cap())
}

// CreateTEESharedPMO implements sys_create_tee_shared_pmo(cap_group, uuid,
// size, self_cap_out).
func CreateTEESharedPMO(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	c, err := t.CreateTEESharedPMO(args[0].Cap(), args[1].Pointer(), args[2].Uint64(), args[3].Pointer())
	return capReturn(c, err)
}

// TransferPMOOwner implements sys_transfer_pmo_owner(pmo, cap_group).
func TransferPMOOwner(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.TransferPMOOwner(args[0].Cap(), args[1].Cap())
}

// UserFaultRegister implements sys_user_fault_register(notifc, buffer).
func UserFaultRegister(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.UserFaultRegister(args[0].Cap(), args[1].Pointer())
}
