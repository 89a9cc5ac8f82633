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

// Package chcore contains the capability kernel's syscall table.
package chcore

import (
	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/kernel"
	"gvisor.dev/chcore/pkg/sentry/syscalls"
)

// NewTable returns the syscall table. The cross-domain calls are only
// enabled if tee is true.
func NewTable(tee bool) *kernel.SyscallTable {
	table := map[uintptr]kernel.Syscall{
		chcore.SYS_putstr:                  syscalls.Supported("putstr", Putstr),
		chcore.SYS_getc:                    syscalls.Supported("getc", Getc),
		chcore.SYS_create_pmo:              syscalls.Supported("create_pmo", CreatePMO),
		chcore.SYS_create_device_pmo:       syscalls.Supported("create_device_pmo", CreateDevicePMO),
		chcore.SYS_map_pmo:                 syscalls.Supported("map_pmo", MapPMO),
		chcore.SYS_unmap_pmo:               syscalls.Supported("unmap_pmo", UnmapPMO),
		chcore.SYS_write_pmo:               syscalls.Supported("write_pmo", WritePMO),
		chcore.SYS_read_pmo:                syscalls.Supported("read_pmo", ReadPMO),
		chcore.SYS_revoke_cap:              syscalls.Supported("revoke_cap", RevokeCap),
		chcore.SYS_get_phys_addr:           syscalls.Supported("get_phys_addr", GetPhysAddr),
		chcore.SYS_transfer_caps:           syscalls.Supported("transfer_caps", TransferCaps),
		chcore.SYS_create_cap_group:        syscalls.Supported("create_cap_group", CreateCapGroup),
		chcore.SYS_exit_group:              syscalls.Supported("exit_group", ExitGroup),
		chcore.SYS_create_thread:           syscalls.Supported("create_thread", CreateThread),
		chcore.SYS_thread_exit:             syscalls.Supported("thread_exit", ThreadExit),
		chcore.SYS_register_recycle:        syscalls.Supported("register_recycle", RegisterRecycle),
		chcore.SYS_cap_group_recycle:       syscalls.Supported("cap_group_recycle", CapGroupRecycle),
		chcore.SYS_ipc_close_connection:    syscalls.Supported("ipc_close_connection", CloseConnection),
		chcore.SYS_yield:                   syscalls.Supported("yield", Yield),
		chcore.SYS_register_server:         syscalls.Supported("register_server", RegisterServer),
		chcore.SYS_register_client:         syscalls.Supported("register_client", RegisterClient),
		chcore.SYS_ipc_register_cb_return:  syscalls.Supported("ipc_register_cb_return", RegisterCBReturn),
		chcore.SYS_ipc_call:                syscalls.Supported("ipc_call", IPCCall),
		chcore.SYS_ipc_return:              syscalls.Supported("ipc_return", IPCReturn),
		chcore.SYS_ipc_exit_routine_return: syscalls.Supported("ipc_exit_routine_return", ExitRoutineReturn),
		chcore.SYS_create_notifc:           syscalls.Supported("create_notifc", CreateNotifc),
		chcore.SYS_wait:                    syscalls.Supported("wait", Wait),
		chcore.SYS_notify:                  syscalls.Supported("notify", Notify),
		chcore.SYS_user_fault_register:     syscalls.Supported("user_fault_register", UserFaultRegister),
		chcore.SYS_handle_brk:              syscalls.Supported("handle_brk", HandleBrk),
		chcore.SYS_get_free_mem_size:       syscalls.Supported("get_free_mem_size", GetFreeMemSize),
	}

	tees := map[uintptr]kernel.Syscall{
		chcore.SYS_create_ns_pmo:         syscalls.Supported("create_ns_pmo", CreateNSPMO),
		chcore.SYS_destroy_ns_pmo:        syscalls.Supported("destroy_ns_pmo", DestroyNSPMO),
		chcore.SYS_create_tee_shared_pmo: syscalls.Supported("create_tee_shared_pmo", CreateTEESharedPMO),
		chcore.SYS_transfer_pmo_owner:    syscalls.Supported("transfer_pmo_owner", TransferPMOOwner),
	}
	for num, sc := range tees {
		if !tee {
			sc = syscalls.Disabled(sc.Name, "Requires the TEE extensions.")
		}
		table[num] = sc
	}
	return &kernel.SyscallTable{Table: table}
}
