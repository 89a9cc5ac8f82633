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
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// RegisterServer implements sys_register_server(entry, register_cb_thread,
// destructor).
func RegisterServer(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.RegisterServer(args[0].Pointer(), args[1].Cap(), args[2].Pointer())
}

// RegisterClient implements sys_register_client(server_thread, shm_config).
// On success the caller resumes with its connection capability.
func RegisterClient(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.RegisterClient(args[0].Cap(), args[1].Pointer())
	return 0, ctrl, err
}

// RegisterCBReturn implements sys_ipc_register_cb_return(handler_thread,
// exit_routine, server_shm_addr).
func RegisterCBReturn(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.RegisterCBReturn(args[0].Cap(), args[1].Pointer(), args[2].Pointer())
	return 0, ctrl, err
}

// IPCCall implements sys_ipc_call(connection, msg, cap_num). On success the
// caller resumes with the handler's reply.
func IPCCall(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.IPCCall(args[0].Cap(), args[1].Pointer(), args[2].Uint64())
	return 0, ctrl, err
}

// IPCReturn implements sys_ipc_return(ret, cap_num).
func IPCReturn(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.IPCReturn(args[0].Value, args[1].Uint64())
	return 0, ctrl, err
}

// ExitRoutineReturn implements sys_ipc_exit_routine_return().
func ExitRoutineReturn(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.ExitRoutineReturn()
	return 0, ctrl, err
}

// CloseConnection implements sys_ipc_close_connection(connection).
func CloseConnection(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.CloseConnection(args[0].Cap())
}

// CreateNotifc implements sys_create_notifc().
func CreateNotifc(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return capReturn(t.CreateNotification())
}

// Wait implements sys_wait(notifc, block).
func Wait(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ctrl, err := t.Wait(args[0].Cap(), args[1].Bool())
	return 0, ctrl, err
}

// Notify implements sys_notify(notifc).
func Notify(t *kernel.Thread, args kernel.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return 0, nil, t.Notify(args[0].Cap())
}
