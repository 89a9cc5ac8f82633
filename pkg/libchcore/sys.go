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

package libchcore

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// Sys is a thread's interface to the kernel. A Sys must only be used by the
// thread it is bound to.
type Sys struct {
	uc  *kernel.UserContext
	env *Env

	// scratch is a private page for syscall arguments passed in memory, or
	// 0 until first needed.
	scratch hostarch.Addr
}

// Env returns the runtime state of the thread's process.
func (s *Sys) Env() *Env { return s.env }

// Arg returns argument register i as set up when the thread started.
func (s *Sys) Arg(i int) uintptr { return s.uc.Arg(i) }

// Load reads user memory.
func (s *Sys) Load(addr hostarch.Addr, dst []byte) error { return s.uc.Load(addr, dst) }

// Store writes user memory.
func (s *Sys) Store(addr hostarch.Addr, src []byte) error { return s.uc.Store(addr, src) }

func (s *Sys) syscall(sysno uintptr, args ...uintptr) (uintptr, error) {
	r := s.uc.Syscall(sysno, args...)
	return r, kernerr.FromReturn(r)
}

func (s *Sys) capSyscall(sysno uintptr, args ...uintptr) (chcore.Cap, error) {
	r, err := s.syscall(sysno, args...)
	if err != nil {
		return -1, err
	}
	return chcore.Cap(int32(r)), nil
}

// buffer returns the scratch page, mapping it on first use.
func (s *Sys) buffer(n int) (hostarch.Addr, error) {
	if n > hostarch.PageSize {
		return 0, linuxerr.EINVAL
	}
	if s.scratch != 0 {
		return s.scratch, nil
	}
	p, err := s.CreatePMO(hostarch.PageSize, chcore.PMOData)
	if err != nil {
		return 0, err
	}
	addr, err := s.env.va.Alloc(hostarch.PageSize)
	if err != nil {
		s.RevokeCap(p, false)
		return 0, err
	}
	if _, err := s.MapPMO(chcore.CapGroupObjID, p, addr, chcore.VMRRead|chcore.VMRWrite, hostarch.PageSize); err != nil {
		s.env.va.Free(addr, hostarch.PageSize)
		s.RevokeCap(p, false)
		return 0, err
	}
	s.scratch = addr
	return addr, nil
}

// stage copies b into the scratch page.
func (s *Sys) stage(b []byte) (hostarch.Addr, error) {
	addr, err := s.buffer(len(b))
	if err != nil {
		return 0, err
	}
	return addr, s.Store(addr, b)
}

// Putstr writes str to the console.
func (s *Sys) Putstr(str string) error {
	for len(str) > 0 {
		n := min(len(str), hostarch.PageSize)
		addr, err := s.stage([]byte(str[:n]))
		if err != nil {
			return err
		}
		if _, err := s.syscall(chcore.SYS_putstr, uintptr(addr), uintptr(n)); err != nil {
			return err
		}
		str = str[n:]
	}
	return nil
}

// Printf formats to the console.
func (s *Sys) Printf(format string, v ...any) error {
	return s.Putstr(fmt.Sprintf(format, v...))
}

// Getc reads a byte from the console.
func (s *Sys) Getc() (byte, error) {
	r, err := s.syscall(chcore.SYS_getc)
	return byte(r), err
}

// CreatePMO creates a memory object.
func (s *Sys) CreatePMO(size uint64, typ chcore.PMOType) (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_create_pmo, uintptr(size), uintptr(typ))
}

// CreateDevicePMO creates a memory object over device memory.
func (s *Sys) CreateDevicePMO(paddr, size uint64) (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_create_device_pmo, uintptr(paddr), uintptr(size))
}

// MapPMO maps the object pmo into the process cg at addr. It returns pmo's
// slot in cg.
func (s *Sys) MapPMO(cg, pmo chcore.Cap, addr hostarch.Addr, perm, length uint64) (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_map_pmo, uintptr(cg), uintptr(pmo), uintptr(addr), uintptr(perm), uintptr(length))
}

// UnmapPMO removes the mapping of pmo at addr in cg.
func (s *Sys) UnmapPMO(cg, pmo chcore.Cap, addr hostarch.Addr) error {
	_, err := s.syscall(chcore.SYS_unmap_pmo, uintptr(cg), uintptr(pmo), uintptr(addr))
	return err
}

// WritePMO writes data into pmo at offset.
func (s *Sys) WritePMO(pmo chcore.Cap, offset uint64, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), hostarch.PageSize)
		addr, err := s.stage(data[:n])
		if err != nil {
			return err
		}
		if _, err := s.syscall(chcore.SYS_write_pmo, uintptr(pmo), uintptr(offset), uintptr(addr), uintptr(n)); err != nil {
			return err
		}
		data = data[n:]
		offset += uint64(n)
	}
	return nil
}

// ReadPMO reads n bytes of pmo at offset.
func (s *Sys) ReadPMO(pmo chcore.Cap, offset uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := min(n-len(out), hostarch.PageSize)
		addr, err := s.buffer(chunk)
		if err != nil {
			return nil, err
		}
		if _, err := s.syscall(chcore.SYS_read_pmo, uintptr(pmo), uintptr(offset), uintptr(addr), uintptr(chunk)); err != nil {
			return nil, err
		}
		b := make([]byte, chunk)
		if err := s.Load(addr, b); err != nil {
			return nil, err
		}
		out = append(out, b...)
		offset += uint64(chunk)
	}
	return out, nil
}

// RevokeCap frees c, and every copy of it in any process if all is set.
func (s *Sys) RevokeCap(c chcore.Cap, all bool) error {
	var a uintptr
	if all {
		a = 1
	}
	_, err := s.syscall(chcore.SYS_revoke_cap, uintptr(c), a)
	return err
}

// GetPhysAddr translates va, faulting it in if needed.
func (s *Sys) GetPhysAddr(va hostarch.Addr) (uint64, error) {
	out, err := s.buffer(8)
	if err != nil {
		return 0, err
	}
	if _, err := s.syscall(chcore.SYS_get_phys_addr, uintptr(va), uintptr(out)); err != nil {
		return 0, err
	}
	var b [8]byte
	if err := s.Load(out, b[:]); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(b[:]), nil
}

// TransferCaps copies caps into the process cg and returns their slots
// there.
func (s *Sys) TransferCaps(cg chcore.Cap, caps ...chcore.Cap) ([]chcore.Cap, error) {
	n := len(caps) * chcore.SizeofCap
	buf := make([]byte, 2*n)
	for i, c := range caps {
		hostarch.ByteOrder.PutUint32(buf[i*chcore.SizeofCap:], uint32(c))
	}
	src, err := s.stage(buf)
	if err != nil {
		return nil, err
	}
	dst := src + hostarch.Addr(n)
	if _, err := s.syscall(chcore.SYS_transfer_caps, uintptr(cg), uintptr(src), uintptr(len(caps)), uintptr(dst)); err != nil {
		return nil, err
	}
	if err := s.Load(dst, buf[:n]); err != nil {
		return nil, err
	}
	out := make([]chcore.Cap, len(caps))
	for i := range out {
		out[i] = chcore.Cap(int32(hostarch.ByteOrder.Uint32(buf[i*chcore.SizeofCap:])))
	}
	return out, nil
}

// CreateCapGroup creates a process and returns a capability to it and its
// badge.
func (s *Sys) CreateCapGroup(pid, heapLimit uint64, uuid [16]byte) (chcore.Cap, chcore.Badge, error) {
	addr, err := s.buffer(chcore.SizeofCapGroupArgs + 8)
	if err != nil {
		return -1, 0, err
	}
	out := addr + chcore.SizeofCapGroupArgs
	args := chcore.CapGroupArgs{PID: pid, HeapLimit: heapLimit, BadgeOut: uint64(out), UUID: uuid}
	buf := make([]byte, chcore.SizeofCapGroupArgs)
	args.MarshalBytes(buf)
	if err := s.Store(addr, buf); err != nil {
		return -1, 0, err
	}
	c, err := s.capSyscall(chcore.SYS_create_cap_group, uintptr(addr))
	if err != nil {
		return -1, 0, err
	}
	var b [8]byte
	if err := s.Load(out, b[:]); err != nil {
		return -1, 0, err
	}
	return c, chcore.Badge(hostarch.ByteOrder.Uint64(b[:])), nil
}

// ExitGroup ends the process. It does not return.
func (s *Sys) ExitGroup(code int32) {
	s.syscall(chcore.SYS_exit_group, uintptr(code))
	panic("exit_group returned")
}

// CreateThread creates a thread in cg that starts at entry with arg in its
// first argument register.
func (s *Sys) CreateThread(cg chcore.Cap, entry hostarch.Addr, arg uintptr, typ chcore.ThreadType) (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_create_thread, uintptr(cg), uintptr(entry), 0, arg, DefaultPrio, uintptr(typ))
}

// ThreadExit ends the calling thread. It does not return.
func (s *Sys) ThreadExit() {
	s.syscall(chcore.SYS_thread_exit)
	panic("thread_exit returned")
}

// Yield gives up the CPU.
func (s *Sys) Yield() {
	s.syscall(chcore.SYS_yield)
}

// RegisterRecycle makes the calling process the recycler.
func (s *Sys) RegisterRecycle(notif chcore.Cap, ring hostarch.Addr) error {
	_, err := s.syscall(chcore.SYS_register_recycle, uintptr(notif), uintptr(ring))
	return err
}

// CapGroupRecycle destroys the exited process cg.
func (s *Sys) CapGroupRecycle(cg chcore.Cap) error {
	_, err := s.syscall(chcore.SYS_cap_group_recycle, uintptr(cg))
	return err
}

// RegisterServer makes the calling thread a server.
func (s *Sys) RegisterServer(entry hostarch.Addr, registerThread chcore.Cap, destructor hostarch.Addr) error {
	_, err := s.syscall(chcore.SYS_register_server, uintptr(entry), uintptr(registerThread), uintptr(destructor))
	return err
}

// RegisterClient connects to server over the shared memory described by
// cfg, and returns the connection.
func (s *Sys) RegisterClient(server chcore.Cap, cfg chcore.ShmConfig) (chcore.Cap, error) {
	buf := make([]byte, chcore.SizeofShmConfig)
	cfg.MarshalBytes(buf)
	addr, err := s.stage(buf)
	if err != nil {
		return -1, err
	}
	return s.capSyscall(chcore.SYS_register_client, uintptr(server), uintptr(addr))
}

// RegisterCBReturn completes a registration. It only returns on failure.
func (s *Sys) RegisterCBReturn(handler chcore.Cap, exitRoutine, shm hostarch.Addr) error {
	_, err := s.syscall(chcore.SYS_ipc_register_cb_return, uintptr(handler), uintptr(exitRoutine), uintptr(shm))
	return err
}

// IPCCall sends the message at msg over conn and returns the reply.
func (s *Sys) IPCCall(conn chcore.Cap, msg hostarch.Addr, capNum int) (uintptr, error) {
	return s.syscall(chcore.SYS_ipc_call, uintptr(conn), uintptr(msg), uintptr(capNum))
}

// IPCReturn replies to the call being served. It only returns on failure.
func (s *Sys) IPCReturn(ret uintptr, capNum int) error {
	_, err := s.syscall(chcore.SYS_ipc_return, ret, uintptr(capNum))
	return err
}

// ExitRoutineReturn ends an exit routine. It only returns on failure.
func (s *Sys) ExitRoutineReturn() error {
	_, err := s.syscall(chcore.SYS_ipc_exit_routine_return)
	return err
}

// CloseConnection tears down conn.
func (s *Sys) CloseConnection(conn chcore.Cap) error {
	_, err := s.syscall(chcore.SYS_ipc_close_connection, uintptr(conn))
	return err
}

// CreateNotifc creates a notification.
func (s *Sys) CreateNotifc() (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_create_notifc)
}

// Wait consumes a signal of notif, blocking for one if block is set.
func (s *Sys) Wait(notif chcore.Cap, block bool) error {
	var b uintptr
	if block {
		b = 1
	}
	_, err := s.syscall(chcore.SYS_wait, uintptr(notif), b)
	return err
}

// Notify signals notif.
func (s *Sys) Notify(notif chcore.Cap) error {
	_, err := s.syscall(chcore.SYS_notify, uintptr(notif))
	return err
}

// UserFaultRegister registers the process's pager.
func (s *Sys) UserFaultRegister(notif chcore.Cap, buffer hostarch.Addr) error {
	_, err := s.syscall(chcore.SYS_user_fault_register, uintptr(notif), uintptr(buffer))
	return err
}

// HandleBrk sets up the heap at heapStart if addr is 0, or grows it to addr.
// It returns the end of the heap.
func (s *Sys) HandleBrk(addr, heapStart hostarch.Addr) (hostarch.Addr, error) {
	r, err := s.syscall(chcore.SYS_handle_brk, uintptr(addr), uintptr(heapStart))
	return hostarch.Addr(r), err
}

// GetFreeMemSize returns the amount of free physical memory.
func (s *Sys) GetFreeMemSize() uint64 {
	r, _ := s.syscall(chcore.SYS_get_free_mem_size)
	return uint64(r)
}

// CreateNSPMO creates an object over non-secure memory in cg.
func (s *Sys) CreateNSPMO(cg chcore.Cap, paddr, size uint64) (chcore.Cap, error) {
	return s.capSyscall(chcore.SYS_create_ns_pmo, uintptr(cg), uintptr(paddr), uintptr(size))
}

// DestroyNSPMO destroys an object created by CreateNSPMO.
func (s *Sys) DestroyNSPMO(cg, pmo chcore.Cap) error {
	_, err := s.syscall(chcore.SYS_destroy_ns_pmo, uintptr(cg), uintptr(pmo))
	return err
}

// CreateTEESharedPMO creates memory shared between the caller and the
// process cg. It returns the object's slot in cg and in the caller.
func (s *Sys) CreateTEESharedPMO(cg chcore.Cap, uuid [16]byte, size uint64) (chcore.Cap, chcore.Cap, error) {
	addr, err := s.stage(append(uuid[:], make([]byte, chcore.SizeofCap)...))
	if err != nil {
		return -1, -1, err
	}
	selfOut := addr + 16
	c, err := s.capSyscall(chcore.SYS_create_tee_shared_pmo, uintptr(cg), uintptr(addr), uintptr(size), uintptr(selfOut))
	if err != nil {
		return -1, -1, err
	}
	var b [chcore.SizeofCap]byte
	if err := s.Load(selfOut, b[:]); err != nil {
		return -1, -1, err
	}
	return c, chcore.Cap(int32(hostarch.ByteOrder.Uint32(b[:]))), nil
}

// TransferPMOOwner moves the quota charge of pmo to cg.
func (s *Sys) TransferPMOOwner(pmo, cg chcore.Cap) error {
	_, err := s.syscall(chcore.SYS_transfer_pmo_owner, uintptr(pmo), uintptr(cg))
	return err
}
