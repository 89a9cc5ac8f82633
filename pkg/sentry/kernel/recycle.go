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
	"runtime"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// reaper frees capabilities on behalf of a caller that may already hold one
// table for writing. Slots cleared in that table are released by release,
// after the caller unlocks it.
type reaper struct {
	locked *CapGroup
	slots  []*objectSlot
}

func (r *reaper) free(cg *CapGroup, c chcore.Cap) {
	if cg != r.locked {
		cg.freeCap(c)
		return
	}
	if s, err := cg.clearSlotLocked(c); err == nil {
		r.slots = append(r.slots, s)
	}
}

func (r *reaper) release() {
	for _, s := range r.slots {
		releaseSlot(s)
	}
	r.slots = nil
}

// ExitGroup asks every thread of t's process to exit and tells the
// recycler, once per process.
func (t *Thread) ExitGroup(code int32) (*SyscallControl, error) {
	cg := t.cg
	if cg.notifyRecycler.CompareAndSwap(0, 1) {
		// Holding threadsMu keeps new threads out.
		cg.threadsMu.Lock()
		for _, th := range cg.threads {
			th.exitState.CompareAndSwap(uint32(TERunning), uint32(TEExiting))
		}
		cg.threadsMu.Unlock()
		log.Infof("%v exiting with code %d", cg, code)
		t.k.notifyRecycler(cg.badge, code)
	}
	if t.ExitState() != TEExited {
		t.setExitState(TEExiting)
	}
	return ctrlSched, nil
}

// armExitRoutine makes handler run its exit routine for conn, whose client
// is gone. The handler's lock is held until the routine returns. A handler
// without an exit routine is retired instead.
func armExitRoutine(conn *Connection, handler *Thread, clientExited bool) {
	hcfg := handlerConfigOf(handler)
	if hcfg == nil || handler.ExitState() != TERunning {
		return
	}
	if hcfg.exitRoutine == 0 {
		// A handler busy with another connection is left to it. The lock
		// is never released, so no call reaches a retired handler.
		if hcfg.lock.TryLock() {
			handler.markExited()
			handler.kill()
		}
		return
	}
	// Wait out a call on another connection.
	hcfg.lock.Lock()
	var destructor uintptr
	if clientExited {
		destructor = uintptr(hcfg.destructor)
	}
	handler.sc = &SchedContext{Budget: defaultBudget, Prio: defaultPrio}
	handler.regs.reset(hcfg.exitRoutine, hcfg.stack)
	handler.regs.Args = [4]uintptr{
		destructor,
		uintptr(conn.clientBadge),
		uintptr(conn.shm.serverAddr),
		uintptr(conn.shm.size),
	}
	handler.setState(TSInter)
	handler.vs.Unmap(conn.shm.serverAddr, conn.shm.size)
	handler.k.sched.Enqueue(handler)
}

// recycleConnection releases conn's resources on the side of cg, which must
// have stopped it. clientExited is false when the client closed the
// connection.
func recycleConnection(r *reaper, cg *CapGroup, conn *Connection, clientExited bool) {
	if conn.clientBadge != cg.badge {
		// Server side. The client's recycling or close locks the
		// connection again.
		conn.handler = nil
		conn.stopped.Store(false)
		conn.ownership.Unlock()
		return
	}
	handler := conn.handler
	if handler == nil {
		return
	}
	armExitRoutine(conn, handler, clientExited)
	r.free(handler.cg, conn.connCapInServer)
	r.free(handler.cg, conn.shm.capInServer)
}

// stopRegistration retires th, a register thread of its process. It fails
// with EAGAIN if a registration is in progress.
func stopRegistration(th *Thread) error {
	if th.ExitState() == TEExited {
		return nil
	}
	if cfg := th.ipc.Load(); cfg != nil && cfg.registerCB != nil {
		if !cfg.registerCB.lock.TryLock() {
			return linuxerr.EAGAIN
		}
		// The lock is never released, so no registration reaches th.
	}
	th.markExited()
	return nil
}

// stopAll makes the process's connections, registrations and notifications
// unusable. It visits everything even after a failure, and fails with
// EAGAIN if anything was busy.
func (cg *CapGroup) stopAll() error {
	var ret error
	cg.table.mu.Lock()
	defer cg.table.mu.Unlock()
	cg.forEachSlotLocked(func(s *objectSlot) {
		obj := s.object
		switch obj.typ {
		case TypeConnection:
			if err := stopConnection(obj.Connection()); err != nil {
				ret = err
			}
		case TypeThread:
			th := obj.Thread()
			if th.cg == cg && th.typ == chcore.ThreadRegister {
				if err := stopRegistration(th); err != nil {
					ret = err
				}
			}
		case TypeNotification:
			obj.Notification().invalidate()
		}
	})
	return ret
}

// stopThreads marks threads that can no longer run as exited. It fails with
// EAGAIN if a thread has yet to stop by itself.
func (cg *CapGroup) stopThreads() error {
	var ret error
	for _, th := range cg.Threads() {
		if th.ExitState() == TEExited {
			continue
		}
		switch {
		case th.typ == chcore.ThreadShadow:
			// Its connections are stopped, so it is never called
			// again.
			th.setExitState(TEExited)
		case th.State() == TSWaiting || th.State() == TSInit:
			th.setExitState(TEExited)
		default:
			ret = linuxerr.EAGAIN
		}
	}
	return ret
}

// waitForKernelStacks waits until no thread of the process is on a CPU.
func (cg *CapGroup) waitForKernelStacks() {
	for _, th := range cg.Threads() {
		for th.onCPU.Load() {
			runtime.Gosched()
		}
		if th.State() != TSExit {
			log.Debugf("%v recycled in state %v", th, th.State())
		}
	}
}

// freeAll empties the process's table. Connections are recycled and the
// process's threads lose every capability to them, in any table.
func (cg *CapGroup) freeAll() {
	r := &reaper{locked: cg}
	cg.table.mu.Lock()
	cg.forEachSlotLocked(func(s *objectSlot) {
		obj := s.object
		switch {
		case obj.typ == TypeConnection:
			conn := obj.Connection()
			recycleConnection(r, cg, conn, true)
			shm := conn.shm.capInServer
			if conn.clientBadge == cg.badge {
				shm = conn.shm.capInClient
			}
			if ss := cg.slotLocked(shm); ss != nil && ss.object.typ == TypePMO {
				r.free(cg, shm)
			}
			r.free(cg, s.id)
		case obj.typ == TypeThread && obj.Thread().cg == cg:
			revokeObject(obj, cg)
		default:
			r.free(cg, s.id)
		}
	})
	cg.table.mu.Unlock()
	r.release()
}

// CapGroupRecycle destroys the exited process behind cgCap. It fails with
// EAGAIN while the process still has work in progress; the caller retries.
func (t *Thread) CapGroupRecycle(cgCap chcore.Cap) error {
	obj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	cg := obj.CapGroup()
	if cg == t.cg {
		return linuxerr.EINVAL
	}
	k := t.k

	if err := cg.stopAll(); err != nil {
		k.metrics.recycle("busy")
		return err
	}
	if err := cg.stopThreads(); err != nil {
		k.metrics.recycle("running")
		return err
	}
	cg.waitForKernelStacks()

	cg.freeAll()
	k.dropFaultPool(cg.badge)
	revokeObject(obj, nil)
	k.metrics.recycle("done")
	log.Infof("%v recycled", cg)

	// The recycler has consumed messages to get here.
	k.drainRecycleOverflow()
	return nil
}
