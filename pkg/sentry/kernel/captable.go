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
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

// TypeAny matches objects of every type in lookups.
const TypeAny ObjectType = numObjectTypes

// objectSlot is an occupied entry of a capability table.
type objectSlot struct {
	cg     *CapGroup
	id     chcore.Cap
	object *Object
}

// slotTable is a capability table.
type slotTable struct {
	// mu protects the fields below. Slot allocation and release take it
	// for writing, lookups for reading.
	mu sync.RWMutex

	// slots is indexed by capability. len(slots) == full.Size().
	slots []*objectSlot

	// full has a bit set for every occupied slot.
	full bitmap.Bitmap

	// max bounds the usable slots. The bitmap rounds its size up, so
	// slots may extend past it.
	max uint32
}

func (t *slotTable) init(initial, max uint32) {
	t.full = bitmap.New(initial)
	t.slots = make([]*objectSlot, t.full.Size())
	t.max = max
}

// growLocked extends the table.
//
// Preconditions: t.mu is locked for writing.
func (t *slotTable) growLocked() error {
	size := uint32(t.full.Size())
	if size >= t.max {
		return linuxerr.ENOMEM
	}
	if err := t.full.Grow(min(size, t.max-size)); err != nil {
		return linuxerr.ENOMEM
	}
	t.slots = append(t.slots, make([]*objectSlot, t.full.Size()-len(t.slots))...)
	return nil
}

// allocCap installs obj in the lowest free slot of cg's table. On success
// the slot takes over a reference the caller holds on obj; on failure the
// caller keeps it.
func (cg *CapGroup) allocCap(obj *Object) (chcore.Cap, error) {
	cg.table.mu.Lock()
	defer cg.table.mu.Unlock()
	return cg.allocCapLocked(obj)
}

// allocCapLocked is allocCap with the table already locked.
//
// Preconditions: cg.table.mu is locked for writing.
func (cg *CapGroup) allocCapLocked(obj *Object) (chcore.Cap, error) {
	t := &cg.table
	id, err := t.full.FirstZero(0)
	if err != nil || id >= t.max {
		if err := t.growLocked(); err != nil {
			return -1, err
		}
		if id, err = t.full.FirstZero(0); err != nil || id >= t.max {
			return -1, linuxerr.ENOMEM
		}
	}
	s := &objectSlot{cg: cg, id: chcore.Cap(id), object: obj}

	obj.copiesMu.Lock()
	if obj.revoked.Load() {
		obj.copiesMu.Unlock()
		return -1, kernerr.ECAPBILITY
	}
	obj.copies[s] = struct{}{}
	obj.copiesMu.Unlock()

	t.slots[id] = s
	t.full.Add(id)
	return s.id, nil
}

// slotLocked returns the slot for c, or nil.
//
// Preconditions: cg.table.mu is locked.
func (cg *CapGroup) slotLocked(c chcore.Cap) *objectSlot {
	if c < 0 || int(c) >= len(cg.table.slots) {
		return nil
	}
	return cg.table.slots[c]
}

// lookup resolves c to an object of type typ (or of any type, for TypeAny)
// and takes a reference on it. The caller must drop the reference with
// DecRef.
func (cg *CapGroup) lookup(c chcore.Cap, typ ObjectType) (*Object, error) {
	cg.table.mu.RLock()
	defer cg.table.mu.RUnlock()
	s := cg.slotLocked(c)
	if s == nil {
		return nil, kernerr.ECAPBILITY
	}
	obj := s.object
	if (typ != TypeAny && obj.typ != typ) || obj.revoked.Load() {
		return nil, kernerr.ECAPBILITY
	}
	obj.IncRef()
	return obj, nil
}

// Lookup is the exported form of lookup, for user-visible inspection in
// tests and tools.
func (cg *CapGroup) Lookup(c chcore.Cap, typ ObjectType) (*Object, error) {
	return cg.lookup(c, typ)
}

// clearSlotLocked empties slot c and returns the slot. The caller must remove
// the slot from the object's copies and drop its reference.
//
// Preconditions: cg.table.mu is locked for writing.
func (cg *CapGroup) clearSlotLocked(c chcore.Cap) (*objectSlot, error) {
	s := cg.slotLocked(c)
	if s == nil {
		return nil, kernerr.ECAPBILITY
	}
	cg.table.slots[c] = nil
	cg.table.full.Remove(uint32(c))
	return s, nil
}

// releaseSlot finishes freeing a slot removed by clearSlotLocked.
func releaseSlot(s *objectSlot) {
	s.object.removeCopy(s)
	s.object.DecRef()
}

// freeCap empties slot c.
func (cg *CapGroup) freeCap(c chcore.Cap) error {
	cg.table.mu.Lock()
	s, err := cg.clearSlotLocked(c)
	cg.table.mu.Unlock()
	if err != nil {
		return err
	}
	releaseSlot(s)
	return nil
}

// copyCap installs the object behind c, looked up in src, into a fresh slot
// of dst.
func copyCap(src, dst *CapGroup, c chcore.Cap) (chcore.Cap, error) {
	obj, err := src.lookup(c, TypeAny)
	if err != nil {
		return -1, err
	}
	id, err := dst.allocCap(obj)
	if err != nil {
		obj.DecRef()
		return -1, err
	}
	return id, nil
}

// revokeObject frees every capability to obj in every table. locked, if not
// nil, is a cap group whose table the caller already holds for writing.
func revokeObject(obj *Object, locked *CapGroup) {
	obj.copiesMu.Lock()
	obj.revoked.Store(true)
	copies := make([]*objectSlot, 0, len(obj.copies))
	for s := range obj.copies {
		copies = append(copies, s)
	}
	obj.copiesMu.Unlock()

	for _, s := range copies {
		if s.cg != locked {
			s.cg.table.mu.Lock()
		}
		cleared := s.cg.slotLocked(s.id) == s
		if cleared {
			s.cg.clearSlotLocked(s.id)
		}
		if s.cg != locked {
			s.cg.table.mu.Unlock()
		}
		if cleared {
			releaseSlot(s)
		}
	}
}

// forEachSlotLocked calls fn for every occupied slot in ascending order. fn
// may clear slots, including ones not yet visited.
//
// Preconditions: cg.table.mu is locked.
func (cg *CapGroup) forEachSlotLocked(fn func(s *objectSlot)) {
	for i := uint32(0); ; i++ {
		next, err := cg.table.full.FirstOne(i)
		if err != nil {
			return
		}
		i = next
		fn(cg.table.slots[i])
	}
}

// NumCaps returns the number of occupied slots.
func (cg *CapGroup) NumCaps() int {
	cg.table.mu.RLock()
	defer cg.table.mu.RUnlock()
	return int(cg.table.full.GetNumOnes())
}

// FreeCap empties slot c of the thread's cap group.
func (t *Thread) FreeCap(c chcore.Cap) error {
	return t.cg.freeCap(c)
}

// RevokeCap frees every capability to the object behind c, in every process.
// If all is false only c itself is freed.
func (t *Thread) RevokeCap(c chcore.Cap, all bool) error {
	if !all {
		return t.cg.freeCap(c)
	}
	obj, err := t.cg.lookup(c, TypeAny)
	if err != nil {
		return err
	}
	revokeObject(obj, nil)
	obj.DecRef()
	return nil
}

// TransferCaps copies each capability in src into the cap group behind dst
// and returns the new slots. Either all capabilities are copied or none.
func (t *Thread) TransferCaps(dst chcore.Cap, src []chcore.Cap) ([]chcore.Cap, error) {
	dobj, err := t.cg.lookup(dst, TypeCapGroup)
	if err != nil {
		return nil, err
	}
	defer dobj.DecRef()
	target := dobj.CapGroup()

	out := make([]chcore.Cap, 0, len(src))
	cu := cleanup.Make(func() {
		for _, c := range out {
			target.freeCap(c)
		}
	})
	defer cu.Clean()
	for _, c := range src {
		id, err := copyCap(t.cg, target, c)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	cu.Release()
	return out, nil
}

// FreeCapIn empties slot c of the cap group behind cgCap.
func (t *Thread) FreeCapIn(cgCap, c chcore.Cap) error {
	obj, err := t.cg.lookup(cgCap, TypeCapGroup)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	return obj.CapGroup().freeCap(c)
}
