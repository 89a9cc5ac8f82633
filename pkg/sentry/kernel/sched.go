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

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// Scheduler decides when threads run.
//
// SwitchTo and Sched are called on the goroutine of the current thread and
// return once that thread is scheduled again. They return false if the
// thread was destroyed while descheduled.
type Scheduler interface {
	// Enqueue makes t runnable.
	Enqueue(t *Thread)

	// SwitchTo gives cur's CPU directly to next, which must be parked.
	// cur's state is left as the caller set it.
	SwitchTo(cur, next *Thread) bool

	// Sched deschedules cur. A cur that is still running keeps its CPU
	// after giving other goroutines a chance to run; a waiting or exited
	// cur stays parked until woken.
	Sched(cur *Thread) bool
}

// goScheduler runs every thread on its own goroutine and leaves CPU
// selection to the Go runtime.
type goScheduler struct{}

// Enqueue implements Scheduler.Enqueue.
func (goScheduler) Enqueue(t *Thread) {
	t.setState(TSReady)
	t.wakeup()
}

// SwitchTo implements Scheduler.SwitchTo.
func (goScheduler) SwitchTo(cur, next *Thread) bool {
	next.setState(TSRunning)
	next.wakeup()
	return cur.park()
}

// Sched implements Scheduler.Sched.
func (goScheduler) Sched(cur *Thread) bool {
	if cur.ExitState() == TEExiting && cur.typ != chcore.ThreadShadow {
		cur.markExited()
	}
	if cur.State() == TSRunning {
		runtime.Gosched()
		return true
	}
	return cur.park()
}
