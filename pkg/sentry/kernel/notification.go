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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

// Notification is a counting semaphore threads can block on.
type Notification struct {
	obj *Object

	// mu protects the fields below.
	mu sync.Mutex

	// count is the number of signals not yet consumed.
	count uint32

	// waiters are blocked in Wait, oldest first.
	waiters []*Thread

	// invalid is set once the notification's owner is recycled.
	invalid bool
}

func (n *Notification) deinit() {
	n.invalidate()
}

// Count returns the number of pending signals.
func (n *Notification) Count() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// signal wakes the oldest live waiter, or records the signal if there is
// none.
func (n *Notification) signal(k *Kernel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.invalid {
		return kernerr.ECAPBILITY
	}
	for len(n.waiters) > 0 {
		w := n.waiters[0]
		n.waiters = n.waiters[1:]
		// Threads of an exiting process never run again.
		if w.ExitState() != TERunning {
			continue
		}
		k.sched.Enqueue(w)
		return nil
	}
	n.count++
	return nil
}

// invalidate fails every later Wait and Notify. Live waiters are woken with
// ECAPBILITY.
func (n *Notification) invalidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.invalid {
		return
	}
	n.invalid = true
	for _, w := range n.waiters {
		if w.ExitState() != TERunning {
			continue
		}
		w.regs.Ret = kernerr.ToReturn(kernerr.ECAPBILITY)
		w.k.sched.Enqueue(w)
	}
	n.waiters = nil
}

// CreateNotification returns a capability to a new notification.
func (t *Thread) CreateNotification() (chcore.Cap, error) {
	n := &Notification{}
	n.obj = t.k.allocObject(TypeNotification, n)
	c, err := t.cg.allocCap(n.obj)
	if err != nil {
		n.obj.DecRef()
		return -1, err
	}
	return c, nil
}

// Wait consumes a signal of the notification behind c. If none is pending,
// t blocks until one arrives, or fails with EAGAIN if block is false.
func (t *Thread) Wait(c chcore.Cap, block bool) (*SyscallControl, error) {
	obj, err := t.cg.lookup(c, TypeNotification)
	if err != nil {
		return nil, err
	}
	// The blocked thread holds no reference; invalidate wakes it if the
	// notification goes away.
	defer obj.DecRef()
	n := obj.Notification()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.invalid {
		return nil, kernerr.ECAPBILITY
	}
	if n.count > 0 {
		n.count--
		return nil, nil
	}
	if !block {
		return nil, linuxerr.EAGAIN
	}
	t.regs.Ret = 0
	t.setState(TSWaiting)
	n.waiters = append(n.waiters, t)
	return ctrlSched, nil
}

// Notify signals the notification behind c.
func (t *Thread) Notify(c chcore.Cap) error {
	obj, err := t.cg.lookup(c, TypeNotification)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	return obj.Notification().signal(t.k)
}
