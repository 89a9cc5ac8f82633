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
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/mm"
)

// ThreadState is the scheduling state of a thread.
type ThreadState uint32

// Thread states.
const (
	TSInit ThreadState = iota
	TSReady
	// TSInter is a thread prepared by another thread and about to be
	// enqueued.
	TSInter
	TSRunning
	TSExit
	// TSWaiting is a thread blocked in the kernel: a client waiting for a
	// reply, an idle handler, or a waiter on a notification.
	TSWaiting
)

var threadStateNames = [...]string{"init", "ready", "inter", "running", "exit", "waiting"}

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// ExitState tracks a thread's progress towards termination.
type ExitState uint32

// Exit states.
const (
	TERunning ExitState = iota
	// TEExiting is a thread asked to exit that has not yet stopped.
	TEExiting
	// TEExited is a thread that will never run again.
	TEExited
)

var exitStateNames = [...]string{"running", "exiting", "exited"}

// String implements fmt.Stringer.
func (s ExitState) String() string {
	if int(s) < len(exitStateNames) {
		return exitStateNames[s]
	}
	return fmt.Sprintf("exit_state(%d)", uint32(s))
}

// Registers is the user register state of a thread that the kernel reads and
// writes: the entry point and stack it starts at, its four argument
// registers, and its syscall return value.
type Registers struct {
	Entry hostarch.Addr
	Stack hostarch.Addr
	Args  [4]uintptr
	Ret   uintptr

	// restart is set when Entry and Stack were reset while the thread was
	// off the CPU. The thread abandons its current user frame and starts
	// over at Entry when it next runs.
	restart bool
}

func (r *Registers) reset(entry, stack hostarch.Addr) {
	r.Entry = entry
	r.Stack = stack
	r.restart = true
}

// SchedContext is the CPU budget a thread runs on. Clients donate theirs to
// the handler serving them for the duration of a call.
type SchedContext struct {
	Budget uint64
	Prio   int
}

const (
	defaultBudget = 10
	defaultPrio   = 32
)

// Thread is a kernel thread. Each thread runs on its own goroutine, which is
// parked whenever the thread is off the CPU.
type Thread struct {
	k   *Kernel
	obj *Object
	cg  *CapGroup
	vs  *mm.VMSpace
	id  uint64

	// cap is the thread's slot in its own cap group.
	cap chcore.Cap

	typ  chcore.ThreadType
	prio int

	// state is a ThreadState.
	state atomicbitops.Uint32
	// exitState is an ExitState.
	exitState atomicbitops.Uint32

	// regs and sc are owned by the thread while it runs. Other threads
	// modify them only while it is parked, under the IPC lock that grants
	// them the right to run it next.
	regs Registers
	sc   *SchedContext

	// ipc is the thread's IPC role. It is published once.
	ipc atomic.Pointer[ipcConfig]

	// onCPU is true while the thread's goroutine is not parked, which is
	// also when it may be using its kernel stack.
	onCPU atomicbitops.Bool

	// wake is sent to schedule the thread.
	wake chan struct{}

	// killed is closed when the thread object is destroyed.
	killed   chan struct{}
	killOnce sync.Once
}

// newThread creates a thread in cg and installs it in cg's table. The thread
// is parked until scheduled.
func (k *Kernel) newThread(cg *CapGroup, entry, stack hostarch.Addr, arg uintptr, prio int, typ chcore.ThreadType) (*Thread, error) {
	t := &Thread{
		k:      k,
		cg:     cg,
		vs:     cg.vmspace,
		id:     k.nextThreadID.Add(1),
		typ:    typ,
		prio:   prio,
		wake:   make(chan struct{}, 1),
		killed: make(chan struct{}),
	}
	t.regs.Entry = entry
	t.regs.Stack = stack
	t.regs.Args[0] = arg
	if typ == chcore.ThreadUser {
		t.sc = &SchedContext{Budget: defaultBudget, Prio: prio}
	}
	t.setState(TSInit)
	t.obj = k.allocObject(TypeThread, t)
	c, err := cg.allocCap(t.obj)
	if err != nil {
		t.obj.DecRef()
		return nil, err
	}
	t.cap = c
	if err := cg.addThread(t); err != nil {
		cg.freeCap(c)
		return nil, err
	}
	k.startThread(t)
	return t, nil
}

// ID returns a kernel-unique thread identifier, for logging.
func (t *Thread) ID() uint64 { return t.id }

// Kernel returns the kernel running t.
func (t *Thread) Kernel() *Kernel { return t.k }

// CapGroup returns the process t belongs to.
func (t *Thread) CapGroup() *CapGroup { return t.cg }

// Cap returns t's slot in its own cap group.
func (t *Thread) Cap() chcore.Cap { return t.cap }

// Type returns the thread type.
func (t *Thread) Type() chcore.ThreadType { return t.typ }

// State returns the thread's scheduling state.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

func (t *Thread) setState(s ThreadState) { t.state.Store(uint32(s)) }

// ExitState returns the thread's exit state.
func (t *Thread) ExitState() ExitState { return ExitState(t.exitState.Load()) }

func (t *Thread) setExitState(s ExitState) { t.exitState.Store(uint32(s)) }

// markExited makes t permanently unschedulable.
func (t *Thread) markExited() {
	t.setExitState(TEExited)
	t.setState(TSExit)
}

// Registers returns a copy of t's registers. It is only meaningful while
// t is parked.
func (t *Thread) Registers() Registers { return t.regs }

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%v, badge %#x)", t.id, t.typ, t.cg.badge)
}

// kill releases the thread's goroutine.
func (t *Thread) kill() {
	t.killOnce.Do(func() { close(t.killed) })
}

func (t *Thread) deinit() {
	t.kill()
	t.cg.removeThread(t)
	t.k.unregisterThread(t)
}

// CreateThread creates a thread in the process behind cgCap and returns a
// capability to it in the caller's table. User threads are runnable
// immediately; shadow and register threads wait to be driven by IPC.
func (t *Thread) CreateThread(cgCap chcore.Cap, entry, stack hostarch.Addr, arg uintptr, prio int, typ chcore.ThreadType) (chcore.Cap, error) {
	switch typ {
	case chcore.ThreadUser, chcore.ThreadShadow, chcore.ThreadRegister:
	default:
		return -1, linuxerr.EINVAL
	}
	obj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return -1, err
	}
	defer obj.DecRef()
	target := obj.CapGroup()

	nt, err := t.k.newThread(target, entry, stack, arg, prio, typ)
	if err != nil {
		return -1, err
	}
	c := nt.cap
	if target != t.cg {
		if c, err = copyCap(target, t.cg, nt.cap); err != nil {
			target.freeCap(nt.cap)
			return -1, err
		}
	}
	if typ == chcore.ThreadUser {
		t.k.sched.Enqueue(nt)
	}
	log.Debugf("%v created %v at %#x", t, nt, entry)
	return c, nil
}

// ThreadExit stops the calling thread for good.
func (t *Thread) ThreadExit() (*SyscallControl, error) {
	t.markExited()
	return ctrlSched, nil
}

// Yield gives up the CPU.
func (t *Thread) Yield() (*SyscallControl, error) {
	t.regs.Ret = 0
	return ctrlSched, nil
}

// CopyIn copies len(dst) bytes from t's address space at addr.
func (t *Thread) CopyIn(addr hostarch.Addr, dst []byte) error {
	return t.vs.CopyIn(addr, dst)
}

// CopyOut copies src to t's address space at addr.
func (t *Thread) CopyOut(addr hostarch.Addr, src []byte) error {
	return t.vs.CopyOut(addr, src)
}
