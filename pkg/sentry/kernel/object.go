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
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/sentry/mm"
	"gvisor.dev/chcore/pkg/sentry/pmo"
)

// ObjectType is the type tag of a kernel object.
type ObjectType uint32

// Object types.
const (
	TypePMO ObjectType = iota
	TypeThread
	TypeCapGroup
	TypeConnection
	TypeNotification
	TypeVMSpace
	TypeIRQ
	TypeChannel
	numObjectTypes
)

var objectTypeNames = [...]string{
	TypePMO:          "pmo",
	TypeThread:       "thread",
	TypeCapGroup:     "cap_group",
	TypeConnection:   "connection",
	TypeNotification: "notification",
	TypeVMSpace:      "vmspace",
	TypeIRQ:          "irq",
	TypeChannel:      "channel",
}

// String implements fmt.Stringer.
func (t ObjectType) String() string {
	if t < numObjectTypes {
		return objectTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// objectImpl is the type-specific payload of an object.
type objectImpl interface {
	// deinit releases the payload's resources. It is called once, when
	// the last reference is dropped.
	deinit()
}

// Object is a reference-counted kernel object.
//
// The reference count equals the number of capability slots referring to the
// object, plus one per in-progress lookup, plus one per address space region
// mapping it. The payload is destroyed when the count drops to zero.
type Object struct {
	k    *Kernel
	typ  ObjectType
	refs atomicbitops.Int64

	// revoked is set when every capability to the object is being freed.
	// A revoked object cannot gain capabilities or be looked up.
	revoked atomicbitops.Bool

	// copiesMu protects copies.
	copiesMu sync.Mutex

	// copies is the set of slots, in any capability table, holding the
	// object.
	copies map[*objectSlot]struct{}

	impl objectImpl
}

// allocObject returns a new object holding a single reference, owned by the
// caller.
func (k *Kernel) allocObject(typ ObjectType, impl objectImpl) *Object {
	o := &Object{
		k:      k,
		typ:    typ,
		copies: make(map[*objectSlot]struct{}),
		impl:   impl,
	}
	o.refs.Store(1)
	k.metrics.objectAllocated(typ)
	return o
}

// Type returns the object's type.
func (o *Object) Type() ObjectType { return o.typ }

// ReadRefs returns the current reference count.
func (o *Object) ReadRefs() int64 { return o.refs.Load() }

// IncRef takes a reference. The caller must already hold one.
func (o *Object) IncRef() {
	if v := o.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("IncRef on dead %v object (refs %d)", o.typ, v))
	}
}

// DecRef drops a reference and destroys the object when none remain.
func (o *Object) DecRef() {
	switch v := o.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("DecRef on dead %v object (refs %d)", o.typ, v))
	case v == 0:
		o.impl.deinit()
		o.k.metrics.objectFreed(o.typ)
	}
}

func (o *Object) addCopy(s *objectSlot) {
	o.copiesMu.Lock()
	o.copies[s] = struct{}{}
	o.copiesMu.Unlock()
}

func (o *Object) removeCopy(s *objectSlot) {
	o.copiesMu.Lock()
	delete(o.copies, s)
	o.copiesMu.Unlock()
}

// snapshotCopies returns the slots holding the object.
func (o *Object) snapshotCopies() []*objectSlot {
	o.copiesMu.Lock()
	defer o.copiesMu.Unlock()
	s := make([]*objectSlot, 0, len(o.copies))
	for c := range o.copies {
		s = append(s, c)
	}
	return s
}

// NumCopies returns the number of capabilities to the object.
func (o *Object) NumCopies() int {
	o.copiesMu.Lock()
	defer o.copiesMu.Unlock()
	return len(o.copies)
}

// Typed payload accessors. Each panics if the object has a different type,
// which callers rule out with a typed lookup.

// PMO returns the payload of a PMO object. It implements mm.Backing.
func (o *Object) PMO() *pmo.PMObject { return o.impl.(*pmoObject).p }

// Thread returns the payload of a thread object.
func (o *Object) Thread() *Thread { return o.impl.(*Thread) }

// CapGroup returns the payload of a cap group object.
func (o *Object) CapGroup() *CapGroup { return o.impl.(*CapGroup) }

// Connection returns the payload of a connection object.
func (o *Object) Connection() *Connection { return o.impl.(*Connection) }

// Notification returns the payload of a notification object.
func (o *Object) Notification() *Notification { return o.impl.(*Notification) }

// VMSpace returns the payload of a vmspace object.
func (o *Object) VMSpace() *mm.VMSpace { return o.impl.(*vmspaceObject).vs }

var _ mm.Backing = (*Object)(nil)

// pmoObject is the payload of a PMO object.
type pmoObject struct {
	p *pmo.PMObject

	// ownerMu protects owner.
	ownerMu sync.Mutex

	// owner is charged for the object's size, or nil if nobody is.
	owner *CapGroup
}

func (po *pmoObject) deinit() {
	po.ownerMu.Lock()
	owner := po.owner
	po.owner = nil
	po.ownerMu.Unlock()
	if owner != nil {
		owner.uncharge(po.p.Size())
	}
	po.p.Destroy()
}

// vmspaceObject is the payload of a vmspace object.
type vmspaceObject struct {
	vs *mm.VMSpace
}

func (vo *vmspaceObject) deinit() {
	vo.vs.UnmapAll()
}
