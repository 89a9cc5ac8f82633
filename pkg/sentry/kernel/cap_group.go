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

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/mm"
)

// CapGroup is a process: a capability table, an address space and a set of
// threads.
type CapGroup struct {
	k   *Kernel
	obj *Object

	// badge, pid and uuid are immutable.
	badge chcore.Badge
	pid   uint64
	uuid  [16]byte

	table slotTable

	// vmspace is the address space held in slot chcore.VMSpaceObjID.
	vmspace *mm.VMSpace

	// threadsMu protects threads.
	threadsMu sync.Mutex
	threads   []*Thread

	// notifyRecycler is set once the process has asked to be recycled.
	notifyRecycler atomicbitops.Int32

	// heapMu protects heapUsed and heapLimit.
	heapMu    sync.Mutex
	heapUsed  uint64
	heapLimit uint64
}

// newCapGroup creates a process holding itself in slot 0 and a fresh address
// space in slot 1. The returned object's only reference belongs to slot 0.
func (k *Kernel) newCapGroup(pid, heapLimit uint64, uuid [16]byte) (*CapGroup, error) {
	cg := &CapGroup{
		k:         k,
		badge:     chcore.Badge(k.nextBadge.Add(1)),
		pid:       pid,
		uuid:      uuid,
		heapLimit: heapLimit,
		vmspace:   mm.New(k.mem),
	}
	cg.table.init(k.opts.InitialSlots, k.opts.MaxSlots)
	cg.obj = k.allocObject(TypeCapGroup, cg)

	// Dropping the self slot destroys the cap group and everything it holds.
	cu := cleanup.Make(func() { cg.freeCap(chcore.CapGroupObjID) })
	defer cu.Clean()

	if c, err := cg.allocCap(cg.obj); err != nil || c != chcore.CapGroupObjID {
		panic(fmt.Sprintf("cap group self slot is %d: %v", c, err))
	}
	vobj := k.allocObject(TypeVMSpace, &vmspaceObject{vs: cg.vmspace})
	if c, err := cg.allocCap(vobj); err != nil || c != chcore.VMSpaceObjID {
		vobj.DecRef()
		return nil, linuxerr.ENOMEM
	}
	cu.Release()
	log.Debugf("Created cap group badge %#x pid %d", cg.badge, pid)
	return cg, nil
}

// Badge returns the process badge.
func (cg *CapGroup) Badge() chcore.Badge { return cg.badge }

// PID returns the process ID assigned by the process manager.
func (cg *CapGroup) PID() uint64 { return cg.pid }

// VMSpace returns the process address space.
func (cg *CapGroup) VMSpace() *mm.VMSpace { return cg.vmspace }

// Object returns the kernel object of the process.
func (cg *CapGroup) Object() *Object { return cg.obj }

// String implements fmt.Stringer.
func (cg *CapGroup) String() string {
	return fmt.Sprintf("cap_group(badge %#x, pid %d)", cg.badge, cg.pid)
}

// Threads returns a snapshot of the process's threads.
func (cg *CapGroup) Threads() []*Thread {
	cg.threadsMu.Lock()
	defer cg.threadsMu.Unlock()
	return append([]*Thread(nil), cg.threads...)
}

// addThread adds t to the process. It fails once the process has begun to
// exit.
func (cg *CapGroup) addThread(t *Thread) error {
	cg.threadsMu.Lock()
	defer cg.threadsMu.Unlock()
	if cg.notifyRecycler.Load() != 0 {
		return linuxerr.ESRCH
	}
	cg.threads = append(cg.threads, t)
	return nil
}

func (cg *CapGroup) removeThread(t *Thread) {
	cg.threadsMu.Lock()
	defer cg.threadsMu.Unlock()
	for i, o := range cg.threads {
		if o == t {
			cg.threads = append(cg.threads[:i], cg.threads[i+1:]...)
			return
		}
	}
}

// charge accounts size bytes of memory to the process.
func (cg *CapGroup) charge(size uint64) error {
	cg.heapMu.Lock()
	defer cg.heapMu.Unlock()
	return cg.chargeLocked(size)
}

// chargeLocked is charge with heapMu held.
//
// Preconditions: cg.heapMu is locked.
func (cg *CapGroup) chargeLocked(size uint64) error {
	used := cg.heapUsed + size
	if used < cg.heapUsed || (cg.heapLimit != 0 && used > cg.heapLimit) {
		return linuxerr.ENOMEM
	}
	cg.heapUsed = used
	return nil
}

func (cg *CapGroup) uncharge(size uint64) {
	cg.heapMu.Lock()
	cg.unchargeLocked(size)
	cg.heapMu.Unlock()
}

// Preconditions: cg.heapMu is locked.
func (cg *CapGroup) unchargeLocked(size uint64) {
	if size > cg.heapUsed {
		panic(fmt.Sprintf("%v: uncharging %d bytes with %d charged", cg, size, cg.heapUsed))
	}
	cg.heapUsed -= size
}

// HeapUsed returns the memory charged to the process.
func (cg *CapGroup) HeapUsed() uint64 {
	cg.heapMu.Lock()
	defer cg.heapMu.Unlock()
	return cg.heapUsed
}

// deinit drops whatever capabilities the table still holds. A recycled
// process has none left.
func (cg *CapGroup) deinit() {
	cg.table.mu.Lock()
	var slots []*objectSlot
	cg.forEachSlotLocked(func(s *objectSlot) {
		cg.clearSlotLocked(s.id)
		slots = append(slots, s)
	})
	cg.table.mu.Unlock()
	for _, s := range slots {
		releaseSlot(s)
	}
	log.Debugf("%v freed", cg)
}

// CreateCapGroup creates a process described by the argument block at
// argsAddr and returns a capability to it in the caller's table.
func (t *Thread) CreateCapGroup(argsAddr hostarch.Addr) (chcore.Cap, error) {
	var buf [chcore.SizeofCapGroupArgs]byte
	if err := t.vs.CopyIn(argsAddr, buf[:]); err != nil {
		return -1, linuxerr.EINVAL
	}
	var args chcore.CapGroupArgs
	args.UnmarshalBytes(buf[:])

	limit := args.HeapLimit
	if limit == 0 {
		limit = t.k.opts.DefaultHeapLimit
	}
	cg, err := t.k.newCapGroup(args.PID, limit, args.UUID)
	if err != nil {
		return -1, err
	}
	// The new process's self slot becomes the caller's capability; the
	// lookup reference taken by copyCap is the one installed.
	c, err := copyCap(cg, t.cg, chcore.CapGroupObjID)
	if err != nil {
		cg.freeCap(chcore.CapGroupObjID)
		return -1, err
	}
	if args.BadgeOut != 0 {
		var out [8]byte
		hostarch.ByteOrder.PutUint64(out[:], uint64(cg.badge))
		if err := t.vs.CopyOut(hostarch.Addr(args.BadgeOut), out[:]); err != nil {
			t.cg.freeCap(c)
			cg.freeCap(chcore.CapGroupObjID)
			return -1, linuxerr.EINVAL
		}
	}
	return c, nil
}
