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
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// Routine is user code. The routine at a thread's entry address runs when
// the thread starts, and again each time the kernel resets the thread's
// entry point.
type Routine func(uc *UserContext)

// unwind is panicked through user frames to abandon them.
type unwind int

const (
	// unwindRestart restarts the thread at its (new) entry point.
	unwindRestart unwind = iota
	// unwindExit ends the thread's goroutine.
	unwindExit
)

// startThread launches t's goroutine.
func (k *Kernel) startThread(t *Thread) {
	k.registerThread(t)
	k.threadsWG.Add(1)
	go func() { // S/R-SAFE: thread goroutine.
		defer k.threadsWG.Done()
		t.run()
	}()
}

// run is the body of a thread goroutine.
func (t *Thread) run() {
	if !t.park() {
		return
	}
	for {
		t.regs.restart = false
		if !t.runUser() {
			return
		}
	}
}

// runUser runs the routine at t's entry point. It returns true if the thread
// was restarted and should run again.
func (t *Thread) runUser() (restart bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		u, ok := r.(unwind)
		if !ok {
			panic(r)
		}
		restart = u == unwindRestart
	}()

	fn := t.k.routineAt(t.regs.Entry)
	if fn == nil {
		log.Warningf("%v: no code at entry %#x", t, t.regs.Entry)
	} else {
		fn(&UserContext{t: t})
	}
	// Returning from a routine exits the thread.
	t.markExited()
	t.k.sched.Sched(t)
	return false
}

// park blocks t's goroutine until t is scheduled. It returns false if t was
// destroyed instead.
func (t *Thread) park() bool {
	t.onCPU.Store(false)
	for {
		select {
		case <-t.wake:
			if t.ExitState() == TEExited {
				// A late wakeup; the thread will never run again.
				continue
			}
			t.setState(TSRunning)
			t.onCPU.Store(true)
			return true
		case <-t.killed:
			return false
		}
	}
}

// wakeup schedules t's goroutine.
func (t *Thread) wakeup() {
	select {
	case t.wake <- struct{}{}:
	default:
		log.Warningf("%v: woken while already runnable", t)
	}
}

// checkExit stops t if it has been asked to exit. Shadow threads keep
// running until their handler observes the request in ipc_return.
func (t *Thread) checkExit() {
	switch t.ExitState() {
	case TERunning:
		return
	case TEExiting:
		if t.typ == chcore.ThreadShadow {
			return
		}
		t.markExited()
	}
	t.k.sched.Sched(t)
	panic(unwindExit)
}

// UserContext is the view user code has of the thread it runs on.
type UserContext struct {
	t *Thread
}

// Syscall traps into the kernel.
func (uc *UserContext) Syscall(sysno uintptr, args ...uintptr) uintptr {
	if len(args) > len(SyscallArguments{}) {
		panic("too many syscall arguments")
	}
	var a SyscallArguments
	for i, v := range args {
		a[i].Value = v
	}
	return uc.t.syscall(sysno, a)
}

// Arg returns argument register i as set up by the kernel at entry.
func (uc *UserContext) Arg(i int) uintptr { return uc.t.regs.Args[i] }

// ThreadID returns the kernel's identifier for the thread, which user
// code uses as its thread pointer.
func (uc *UserContext) ThreadID() uint64 { return uc.t.id }

// Badge returns the badge of the thread's process.
func (uc *UserContext) Badge() chcore.Badge { return uc.t.cg.badge }

// Stack returns the stack pointer the thread started with.
func (uc *UserContext) Stack() hostarch.Addr { return uc.t.regs.Stack }

// Load reads user memory. A failed access is reported instead of faulting
// the thread.
func (uc *UserContext) Load(addr hostarch.Addr, dst []byte) error {
	return uc.t.vs.CopyIn(addr, dst)
}

// Store writes user memory.
func (uc *UserContext) Store(addr hostarch.Addr, src []byte) error {
	return uc.t.vs.CopyOut(addr, src)
}
