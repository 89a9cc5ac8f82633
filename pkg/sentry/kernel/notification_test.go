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
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

func TestNotificationCounting(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	_, th := newProc(t, k)
	c, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if _, err := th.Wait(c, false); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Wait without a signal = %v, want EAGAIN", err)
	}
	for i := 0; i < 2; i++ {
		if err := th.Notify(c); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if ctrl, err := th.Wait(c, true); ctrl != nil || err != nil {
			t.Errorf("Wait %d with a pending signal = %v, %v; want nil, nil", i, ctrl, err)
		}
	}
	if _, err := th.Wait(c, false); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Wait after consuming both signals = %v, want EAGAIN", err)
	}
	if _, err := th.Wait(chcore.VMSpaceObjID, false); err != kernerr.ECAPBILITY {
		t.Errorf("Wait on a vmspace = %v, want ECAPBILITY", err)
	}
}

func TestNotificationWakesOldestLiveWaiter(t *testing.T) {
	k, rs := newTestKernel(t, nil)
	cg, th := newProc(t, k)
	c, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	obj, err := cg.lookup(c, TypeNotification)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer obj.DecRef()

	dying := newThreadIn(t, k, cg, chcore.ThreadUser)
	first := newThreadIn(t, k, cg, chcore.ThreadUser)
	second := newThreadIn(t, k, cg, chcore.ThreadUser)
	for _, w := range []*Thread{dying, first, second} {
		if ctrl, err := w.Wait(c, true); err != nil || ctrl != ctrlSched {
			t.Fatalf("blocking Wait = %v, %v", ctrl, err)
		}
		if w.State() != TSWaiting {
			t.Errorf("waiter is %v, want waiting", w.State())
		}
	}
	dying.setExitState(TEExiting)

	if err := th.Notify(c); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if rs.wasEnqueued(dying) || !rs.wasEnqueued(first) || rs.wasEnqueued(second) {
		t.Errorf("woken: dying %t, first %t, second %t; want only first",
			rs.wasEnqueued(dying), rs.wasEnqueued(first), rs.wasEnqueued(second))
	}
	if n := obj.Notification().Count(); n != 0 {
		t.Errorf("signal delivered to a waiter was also counted: %d", n)
	}
}

func TestNotificationInvalidate(t *testing.T) {
	k, rs := newTestKernel(t, nil)
	owner, th := newProc(t, k)
	other, _ := newProc(t, k)
	c, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	oc, err := copyCap(owner, other, c)
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}
	waiter := newThreadIn(t, k, other, chcore.ThreadUser)
	if _, err := waiter.Wait(oc, true); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	obj, err := owner.lookup(c, TypeNotification)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer obj.DecRef()
	obj.Notification().invalidate()

	if !rs.wasEnqueued(waiter) {
		t.Fatalf("waiter not woken by invalidation")
	}
	if got := waiter.regs.Ret; got != kernerr.ToReturn(kernerr.ECAPBILITY) {
		t.Errorf("waiter return value = %#x, want ECAPBILITY", got)
	}
	if err := th.Notify(c); err != kernerr.ECAPBILITY {
		t.Errorf("Notify after invalidation = %v, want ECAPBILITY", err)
	}
	if _, err := waiter.Wait(oc, false); err != kernerr.ECAPBILITY {
		t.Errorf("Wait after invalidation = %v, want ECAPBILITY", err)
	}
}
