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
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
	"gvisor.dev/chcore/pkg/sentry/mm"
	"gvisor.dev/chcore/pkg/sentry/pmo"
)

// MapFullLength as the length of map_pmo maps the whole object.
const MapFullLength = ^uint64(0)

// nsPrivate records the single mapping of a TZ_NS object.
type nsPrivate struct {
	creator *CapGroup

	// mu protects the fields below.
	mu     sync.Mutex
	mapped bool
	vs     *mm.VMSpace
	addr   hostarch.Addr
	length uint64
}

// teeShmPrivate gates the mappings of a shared TEE object. Only its owner,
// or processes with the recorded identity, may map it.
type teeShmPrivate struct {
	owner *CapGroup
	uuid  [16]byte
}

// checkUserRange returns true if [addr, addr+n) is in user space.
func checkUserRange(addr hostarch.Addr, n uint64) bool {
	end, ok := addr.AddLength(n)
	return ok && end <= chcore.UserSpaceEnd
}

// vmrAccess converts VMR permission bits.
func vmrAccess(perm uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    perm&chcore.VMRRead != 0,
		Write:   perm&chcore.VMRWrite != 0,
		Execute: perm&chcore.VMRExec != 0,
	}
}

// charged returns true if objects of type typ count against the owner's
// memory quota.
func charged(typ chcore.PMOType) bool {
	switch typ {
	case chcore.PMODevice, chcore.PMOTZNS, chcore.PMOForbid:
		return false
	default:
		return true
	}
}

// newPMOObject creates a PMO object charged to owner. The caller owns the
// returned reference.
func (k *Kernel) newPMOObject(owner *CapGroup, typ chcore.PMOType, size, paddr uint64) (*Object, error) {
	p, err := pmo.New(k.mem, typ, size, paddr)
	if err != nil {
		return nil, err
	}
	po := &pmoObject{p: p}
	if charged(typ) {
		if err := owner.charge(p.Size()); err != nil {
			p.Destroy()
			return nil, err
		}
		po.owner = owner
	}
	return k.allocObject(TypePMO, po), nil
}

// createPMO installs a new PMO in cg and returns its capability.
func (k *Kernel) createPMO(cg *CapGroup, typ chcore.PMOType, size, paddr uint64) (chcore.Cap, *Object, error) {
	obj, err := k.newPMOObject(cg, typ, size, paddr)
	if err != nil {
		return -1, nil, err
	}
	c, err := cg.allocCap(obj)
	if err != nil {
		obj.DecRef()
		return -1, nil, err
	}
	return c, obj, nil
}

// CreatePMO creates a PMO of the given type and size.
func (t *Thread) CreatePMO(size uint64, typ chcore.PMOType) (chcore.Cap, error) {
	if size == 0 {
		return -1, linuxerr.EINVAL
	}
	switch typ {
	case chcore.PMODevice, chcore.PMOTZNS:
		// Physical ranges have their own calls.
		return -1, linuxerr.EINVAL
	case chcore.PMOFile:
		if !t.k.hasFaultPool(t.cg.badge) {
			return -1, linuxerr.EINVAL
		}
	}
	c, _, err := t.k.createPMO(t.cg, typ, size, 0)
	return c, err
}

// CreateDevicePMO creates a PMO for the physical range [paddr, paddr+size).
// Only the root process may create one.
func (t *Thread) CreateDevicePMO(paddr, size uint64) (chcore.Cap, error) {
	if size == 0 {
		return -1, linuxerr.EINVAL
	}
	if t.cg != t.k.root {
		return -1, linuxerr.EPERM
	}
	if t.k.opts.CheckDeviceRange && t.k.mem.Overlaps(paddr, size) {
		log.Warningf("%v: device range %#x+%#x overlaps RAM", t, paddr, size)
		return -1, linuxerr.EINVAL
	}
	c, _, err := t.k.createPMO(t.cg, chcore.PMODevice, size, paddr)
	return c, err
}

// MapPMO maps the PMO behind pmoCap at addr in the process behind cgCap.
// If the process is not the caller's, the PMO's capability is copied to it
// and the new slot is returned.
func (t *Thread) MapPMO(cgCap, pmoCap chcore.Cap, addr hostarch.Addr, perm, length uint64) (chcore.Cap, error) {
	pobj, err := t.cg.lookup(pmoCap, TypePMO)
	if err != nil {
		return -1, err
	}
	defer pobj.DecRef()
	p := pobj.PMO()

	ns, _ := p.Private.(*nsPrivate)
	if ns != nil {
		ns.mu.Lock()
		defer ns.mu.Unlock()
		if ns.mapped {
			return -1, linuxerr.EINVAL
		}
	}
	if length == MapFullLength {
		length = p.Size()
	}
	if !checkUserRange(addr, length) {
		return -1, linuxerr.EINVAL
	}

	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return -1, err
	}
	defer tobj.DecRef()
	target := tobj.CapGroup()

	if shm, ok := p.Private.(*teeShmPrivate); ok && shm.owner != target && shm.uuid != t.cg.uuid {
		return -1, linuxerr.EINVAL
	}

	// The mapping holds its own reference.
	pobj.IncRef()
	if err := target.vmspace.Map(addr, length, vmrAccess(perm), pobj); err != nil {
		pobj.DecRef()
		return -1, linuxerr.EPERM
	}
	if ns != nil {
		ns.mapped = true
		ns.vs = target.vmspace
		ns.addr = addr
		ns.length = length
	}
	if target == t.cg {
		return 0, nil
	}
	c, err := copyCap(t.cg, target, pmoCap)
	if err != nil {
		target.vmspace.Unmap(addr, length)
		if ns != nil {
			ns.mapped = false
		}
		return -1, err
	}
	return c, nil
}

// UnmapPMO removes the mapping of the PMO behind pmoCap at addr in the
// process behind cgCap.
func (t *Thread) UnmapPMO(cgCap, pmoCap chcore.Cap, addr hostarch.Addr) error {
	pobj, err := t.cg.lookup(pmoCap, TypePMO)
	if err != nil {
		return err
	}
	defer pobj.DecRef()
	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return err
	}
	defer tobj.DecRef()
	p := pobj.PMO()
	if err := tobj.CapGroup().vmspace.UnmapPMO(addr, p); err != nil {
		return linuxerr.EINVAL
	}
	if ns, ok := p.Private.(*nsPrivate); ok {
		ns.mu.Lock()
		ns.mapped = false
		ns.mu.Unlock()
	}
	return nil
}

// accessPMO copies between [buf, buf+size) in t's address space and
// [offset, offset+size) of the PMO behind pmoCap.
func (t *Thread) accessPMO(pmoCap chcore.Cap, offset uint64, buf hostarch.Addr, size uint64, write bool) error {
	if !checkUserRange(buf, size) {
		return linuxerr.EINVAL
	}
	pobj, err := t.cg.lookup(pmoCap, TypePMO)
	if err != nil {
		return err
	}
	defer pobj.DecRef()
	return pobj.PMO().Access(offset, size, func(b []byte) error {
		var err error
		if write {
			err = t.vs.CopyIn(buf, b)
		} else {
			err = t.vs.CopyOut(buf, b)
		}
		if err != nil {
			return linuxerr.EINVAL
		}
		buf += hostarch.Addr(len(b))
		return nil
	})
}

// WritePMO copies size bytes from buf into the PMO at offset.
func (t *Thread) WritePMO(pmoCap chcore.Cap, offset uint64, buf hostarch.Addr, size uint64) error {
	return t.accessPMO(pmoCap, offset, buf, size, true)
}

// ReadPMO copies size bytes from the PMO at offset to buf.
func (t *Thread) ReadPMO(pmoCap chcore.Cap, offset uint64, buf hostarch.Addr, size uint64) error {
	return t.accessPMO(pmoCap, offset, buf, size, false)
}

// GetPhysAddr stores the physical address behind va at out.
func (t *Thread) GetPhysAddr(va, out hostarch.Addr) error {
	if !checkUserRange(va, 0) || !checkUserRange(out, 8) {
		return linuxerr.EINVAL
	}
	pa, _, ok, err := t.vs.Query(va)
	if err != nil || !ok {
		return kernerr.ENOMAPPING
	}
	var b [8]byte
	hostarch.ByteOrder.PutUint64(b[:], pa)
	if err := t.vs.CopyOut(out, b[:]); err != nil {
		return linuxerr.EINVAL
	}
	return nil
}

// GetFreeMemSize returns the amount of unallocated physical memory.
func (t *Thread) GetFreeMemSize() uint64 {
	return t.k.mem.FreeBytes()
}

// HandleBrk sets up the heap at heapStart if addr is 0, and otherwise grows
// it to end at addr. It returns the new end of the heap. Shrinking is
// ignored.
func (t *Thread) HandleBrk(addr, heapStart hostarch.Addr) (uintptr, error) {
	if !checkUserRange(addr, 0) || !checkUserRange(heapStart, 0) {
		return 0, linuxerr.EINVAL
	}
	vs := t.vs
	if addr == 0 {
		obj, err := t.k.newPMOObject(t.cg, chcore.PMOAnonymous, 0, 0)
		if err != nil {
			return 0, err
		}
		if err := vs.InitHeap(heapStart, obj); err != nil {
			obj.DecRef()
			return 0, err
		}
		return uintptr(heapStart), nil
	}

	// The heap end is read under heapMu so that concurrent growers each
	// charge only the pages they add.
	cg := t.cg
	cg.heapMu.Lock()
	defer cg.heapMu.Unlock()
	_, end, ok := vs.Heap()
	if !ok {
		return 0, nil
	}
	if addr < end {
		log.Warningf("%v: ignoring heap shrink to %#x", t, addr)
		return uintptr(end), nil
	}
	newEnd, ok := addr.RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	grow := uint64(newEnd - end)
	if err := cg.chargeLocked(grow); err != nil {
		return 0, err
	}
	if _, err := vs.GrowHeap(addr); err != nil {
		cg.unchargeLocked(grow)
		return 0, err
	}
	return uintptr(addr), nil
}

// CreateNSPMO creates a TZ_NS object for [paddr, paddr+size) in the process
// behind cgCap and returns its slot there.
func (t *Thread) CreateNSPMO(cgCap chcore.Cap, paddr, size uint64) (chcore.Cap, error) {
	if size == 0 {
		return -1, linuxerr.EINVAL
	}
	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return -1, err
	}
	defer tobj.DecRef()
	target := tobj.CapGroup()
	obj, err := t.k.newPMOObject(target, chcore.PMOTZNS, size, paddr)
	if err != nil {
		return -1, err
	}
	obj.PMO().Private = &nsPrivate{creator: t.cg}
	c, err := target.allocCap(obj)
	if err != nil {
		obj.DecRef()
		return -1, err
	}
	return c, nil
}

// DestroyNSPMO unmaps the TZ_NS object in slot pmoCap of the process behind
// cgCap and frees the slot. Only the object's creator may destroy it. An
// already freed slot is not an error.
func (t *Thread) DestroyNSPMO(cgCap, pmoCap chcore.Cap) error {
	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return err
	}
	defer tobj.DecRef()
	target := tobj.CapGroup()
	pobj, err := target.lookup(pmoCap, TypePMO)
	if err != nil {
		return nil
	}
	defer pobj.DecRef()
	ns, ok := pobj.PMO().Private.(*nsPrivate)
	if !ok || ns.creator != t.cg {
		return linuxerr.EINVAL
	}
	ns.mu.Lock()
	if ns.mapped {
		if err := ns.vs.Unmap(ns.addr, ns.length); err != nil {
			ns.mu.Unlock()
			return err
		}
		ns.mapped = false
	}
	ns.mu.Unlock()
	return target.freeCap(pmoCap)
}

// CreateTEESharedPMO creates a shared object owned by the process behind
// cgCap, mappable by that process and by processes with the identity stored
// at uuidAddr. The object's slot in the caller is stored at selfOut and its
// slot in the owner is returned.
func (t *Thread) CreateTEESharedPMO(cgCap chcore.Cap, uuidAddr hostarch.Addr, size uint64, selfOut hostarch.Addr) (chcore.Cap, error) {
	if size == 0 || !checkUserRange(uuidAddr, 16) || !checkUserRange(selfOut, chcore.SizeofCap) {
		return -1, linuxerr.EINVAL
	}
	var uuid [16]byte
	if err := t.vs.CopyIn(uuidAddr, uuid[:]); err != nil {
		return -1, linuxerr.EINVAL
	}
	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return -1, err
	}
	defer tobj.DecRef()
	target := tobj.CapGroup()

	obj, err := t.k.newPMOObject(target, chcore.PMOShm, size, 0)
	if err != nil {
		return -1, err
	}
	obj.PMO().Private = &teeShmPrivate{owner: target, uuid: uuid}
	tc, err := target.allocCap(obj)
	if err != nil {
		obj.DecRef()
		return -1, err
	}
	cu := cleanup.Make(func() { target.freeCap(tc) })
	defer cu.Clean()

	self, err := copyCap(target, t.cg, tc)
	if err != nil {
		return -1, err
	}
	var b [chcore.SizeofCap]byte
	hostarch.ByteOrder.PutUint32(b[:], uint32(self))
	if err := t.vs.CopyOut(selfOut, b[:]); err != nil {
		t.cg.freeCap(self)
		return -1, linuxerr.EINVAL
	}
	cu.Release()
	return tc, nil
}

// TransferPMOOwner moves the quota charge of the PMO behind pmoCap from the
// caller, which must own it, to the process behind cgCap.
func (t *Thread) TransferPMOOwner(pmoCap, cgCap chcore.Cap) error {
	pobj, err := t.cg.lookup(pmoCap, TypePMO)
	if err != nil {
		return err
	}
	defer pobj.DecRef()
	tobj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return err
	}
	defer tobj.DecRef()
	target := tobj.CapGroup()
	if target == t.cg {
		return nil
	}

	po := pobj.impl.(*pmoObject)
	po.ownerMu.Lock()
	defer po.ownerMu.Unlock()
	if po.owner != t.cg {
		return linuxerr.EINVAL
	}
	first, second := t.cg, target
	if target.badge < t.cg.badge {
		first, second = target, t.cg
	}
	first.heapMu.Lock()
	second.heapMu.Lock()
	defer first.heapMu.Unlock()
	defer second.heapMu.Unlock()

	size := po.p.Size()
	if err := target.chargeLocked(size); err != nil {
		return err
	}
	t.cg.unchargeLocked(size)
	po.owner = target
	return nil
}
