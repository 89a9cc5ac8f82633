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

// Package chcore contains the user-visible ABI of the capability kernel:
// syscall numbers, object and thread constants, and the layouts of the
// structures shared between the kernel and user space.
package chcore

// Syscall numbers.
const (
	SYS_putstr = 0
	SYS_getc   = 1

	SYS_create_pmo              = 10
	SYS_create_device_pmo       = 11
	SYS_map_pmo                 = 12
	SYS_unmap_pmo               = 13
	SYS_write_pmo               = 14
	SYS_read_pmo                = 15
	SYS_create_ns_pmo           = 16
	SYS_destroy_ns_pmo          = 17
	SYS_revoke_cap              = 18
	SYS_create_tee_shared_pmo   = 19
	SYS_transfer_pmo_owner      = 20
	SYS_get_phys_addr           = 31
	SYS_transfer_caps           = 62
	SYS_create_cap_group        = 80
	SYS_exit_group              = 81
	SYS_create_thread           = 82
	SYS_thread_exit             = 83
	SYS_register_recycle        = 90
	SYS_cap_group_recycle       = 91
	SYS_ipc_close_connection    = 92
	SYS_yield                   = 100
	SYS_register_server         = 120
	SYS_register_client         = 121
	SYS_ipc_register_cb_return  = 122
	SYS_ipc_call                = 123
	SYS_ipc_return              = 124
	SYS_ipc_exit_routine_return = 125
	SYS_create_notifc           = 130
	SYS_wait                    = 131
	SYS_notify                  = 132
	SYS_user_fault_register     = 165
	SYS_handle_brk              = 210
	SYS_get_free_mem_size       = 222
)

// NR_SYSCALL is the size of the syscall table.
const NR_SYSCALL = 256
