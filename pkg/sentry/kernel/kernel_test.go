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
	"context"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// recordingScheduler records Enqueue calls without running anything. Tests
// using it drive threads by calling their syscall methods directly.
type recordingScheduler struct {
	mu       sync.Mutex
	enqueued []*Thread
}

func (s *recordingScheduler) Enqueue(t *Thread) {
	t.setState(TSReady)
	s.mu.Lock()
	s.enqueued = append(s.enqueued, t)
	s.mu.Unlock()
}

func (s *recordingScheduler) SwitchTo(cur, next *Thread) bool {
	panic("SwitchTo under recordingScheduler")
}

func (s *recordingScheduler) Sched(cur *Thread) bool {
	panic("Sched under recordingScheduler")
}

func (s *recordingScheduler) wasEnqueued(t *Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enqueued {
		if e == t {
			return true
		}
	}
	return false
}

// newTestKernel returns a kernel whose threads never run on their own.
func newTestKernel(t *testing.T, mod func(*InitKernelArgs)) (*Kernel, *recordingScheduler) {
	t.Helper()
	args := DefaultInitKernelArgs()
	if mod != nil {
		mod(&args)
	}
	k, err := New(args, &SyscallTable{Table: map[uintptr]Syscall{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rs := &recordingScheduler{}
	k.sched = rs
	t.Cleanup(func() { shutdownKernel(t, k) })
	return k, rs
}

func shutdownKernel(t *testing.T, k *Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// newProc creates a process with one user thread.
func newProc(t *testing.T, k *Kernel) (*CapGroup, *Thread) {
	t.Helper()
	cg, err := k.newCapGroup(uint64(k.nextBadge.Load()+100), 0, [16]byte{})
	if err != nil {
		t.Fatalf("newCapGroup failed: %v", err)
	}
	th := newThreadIn(t, k, cg, chcore.ThreadUser)
	return cg, th
}

func newThreadIn(t *testing.T, k *Kernel, cg *CapGroup, typ chcore.ThreadType) *Thread {
	t.Helper()
	th, err := k.newThread(cg, 0, 0, 0, defaultPrio, typ)
	if err != nil {
		t.Fatalf("newThread failed: %v", err)
	}
	return th
}

// mapAnon maps size bytes of fresh anonymous memory at addr in cg.
func mapAnon(t *testing.T, k *Kernel, cg *CapGroup, addr hostarch.Addr, size uint64) *Object {
	t.Helper()
	obj, err := k.newPMOObject(cg, chcore.PMOAnonymous, size, 0)
	if err != nil {
		t.Fatalf("newPMOObject failed: %v", err)
	}
	if err := cg.vmspace.Map(addr, size, hostarch.ReadWrite, obj); err != nil {
		t.Fatalf("Map(%#x, %#x) failed: %v", addr, size, err)
	}
	return obj
}

// grant gives from a capability to to's process and returns it.
func grant(t *testing.T, from, to *CapGroup) chcore.Cap {
	t.Helper()
	c, err := copyCap(from, to, chcore.CapGroupObjID)
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}
	return c
}

func putUint64(t *testing.T, th *Thread, addr hostarch.Addr, v uint64) {
	t.Helper()
	var b [8]byte
	hostarch.ByteOrder.PutUint64(b[:], v)
	if err := th.CopyOut(addr, b[:]); err != nil {
		t.Fatalf("CopyOut(%#x) failed: %v", addr, err)
	}
}

func getUint64(t *testing.T, th *Thread, addr hostarch.Addr) uint64 {
	t.Helper()
	var b [8]byte
	if err := th.CopyIn(addr, b[:]); err != nil {
		t.Fatalf("CopyIn(%#x) failed: %v", addr, err)
	}
	return hostarch.ByteOrder.Uint64(b[:])
}

func TestInitValidation(t *testing.T) {
	table := &SyscallTable{Table: map[uintptr]Syscall{}}
	for _, tc := range []struct {
		name string
		mod  func(*InitKernelArgs)
	}{
		{"no memory", func(a *InitKernelArgs) { a.PhysMemBytes = 0 }},
		{"tiny table", func(a *InitKernelArgs) { a.InitialSlots = 1 }},
		{"max below initial", func(a *InitKernelArgs) { a.MaxSlots = a.InitialSlots - 1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := DefaultInitKernelArgs()
			tc.mod(&args)
			if _, err := New(args, table); err == nil {
				t.Errorf("New succeeded, want error")
			}
		})
	}
	if _, err := New(DefaultInitKernelArgs(), nil); err == nil {
		t.Errorf("New with nil table succeeded")
	}
}
