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

// Package pmo implements physical memory objects: the kernel objects that
// own physical pages and can be mapped into address spaces.
//
// A PMO is either eagerly backed (a contiguous physical range fixed at
// creation), lazily backed (pages committed one at a time into a sparse
// index), or describes memory it does not own at all.
package pmo

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/pageindex"
	"gvisor.dev/chcore/pkg/sentry/pgalloc"
)

// PMObject is a physical memory object.
type PMObject struct {
	mem *pgalloc.PhysMem

	// typ is immutable.
	typ chcore.PMOType

	// size is page aligned. It only changes for lazily backed objects that
	// back a growing heap.
	size atomicbitops.Uint64

	// start is the first physical address of an eagerly backed or physical
	// range object, and 0 otherwise. It is immutable.
	start uint64

	// index is non-nil iff the object is lazily backed.
	index *pageindex.Index

	// Private is per-type data owned by the kernel: the cross-domain
	// mapping record of a TZ_NS object, or the ownership record of a shared
	// TEE object.
	Private any
}

// New creates a PMO of the given type. size is rounded up to a page. paddr is
// only used by physical range types (DEVICE and TZ_NS).
func New(mem *pgalloc.PhysMem, typ chcore.PMOType, size, paddr uint64) (*PMObject, error) {
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return nil, linuxerr.EINVAL
	}
	size = uint64(end)

	p := &PMObject{mem: mem, typ: typ}
	p.size.Store(size)
	switch typ {
	case chcore.PMOData, chcore.PMODataNoCache:
		if size == 0 {
			return nil, linuxerr.EINVAL
		}
		pa, err := mem.Kzalloc(size)
		if err != nil {
			return nil, err
		}
		p.start = pa
		if typ == chcore.PMODataNoCache {
			// No real cache to flush; the zeroing above is already
			// visible to every accessor.
			log.Debugf("PMO %#x: flushing %d bytes", pa, size)
		}
	case chcore.PMOFile, chcore.PMOAnonymous, chcore.PMOShm:
		p.index = pageindex.New()
	case chcore.PMODevice, chcore.PMOTZNS:
		if paddr+size < paddr {
			return nil, linuxerr.EINVAL
		}
		p.start = paddr
	case chcore.PMOForbid:
	default:
		return nil, linuxerr.EINVAL
	}
	return p, nil
}

// Type returns the object's type.
func (p *PMObject) Type() chcore.PMOType { return p.typ }

// Size returns the object's size in bytes.
func (p *PMObject) Size() uint64 { return p.size.Load() }

// Start returns the first physical address of an eagerly backed or physical
// range object.
func (p *PMObject) Start() uint64 { return p.start }

// IsLazy returns true if the object's pages are committed on demand.
func (p *PMObject) IsLazy() bool { return p.index != nil }

// Committed returns the number of pages committed to a lazily backed object.
func (p *PMObject) Committed() int {
	if p.index == nil {
		return 0
	}
	return p.index.Len()
}

// Grow extends a lazily backed object to size bytes (rounded up to a page).
// Objects never shrink.
func (p *PMObject) Grow(size uint64) error {
	if p.index == nil {
		return linuxerr.EINVAL
	}
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	for {
		cur := p.size.Load()
		if uint64(end) <= cur {
			return nil
		}
		if p.size.CompareAndSwap(cur, uint64(end)) {
			return nil
		}
	}
}

// CommitPage records pa as the page at index. Only lazily backed objects
// accept commits, and an index may be committed once; a second commit fails
// with EEXIST.
func (p *PMObject) CommitPage(index, pa uint64) error {
	if p.index == nil {
		return linuxerr.EINVAL
	}
	return p.index.Insert(index, pa)
}

// LookupPage returns the physical page at index without populating it.
func (p *PMObject) LookupPage(index uint64) (uint64, bool) {
	if index >= p.Size()/hostarch.PageSize {
		return 0, false
	}
	switch {
	case p.index != nil:
		return p.index.Lookup(index)
	case p.typ == chcore.PMOForbid:
		return 0, false
	default:
		return p.start + index*hostarch.PageSize, true
	}
}

// GetPage returns the physical page at index, handling the access as a page
// fault: absent pages of anonymous and shared objects are allocated, zeroed
// and committed. Concurrent faults on the same page commit it once.
func (p *PMObject) GetPage(index uint64) (uint64, error) {
	if index >= p.Size()/hostarch.PageSize {
		return 0, linuxerr.EFAULT
	}
	if p.index == nil {
		if pa, ok := p.LookupPage(index); ok {
			return pa, nil
		}
		return 0, linuxerr.EFAULT
	}
	if p.typ == chcore.PMOFile {
		// File pages are filled by the user pager.
		if pa, ok := p.index.Lookup(index); ok {
			return pa, nil
		}
		return 0, linuxerr.EFAULT
	}
	pa, _, err := p.index.LookupOrInsert(index, func() (uint64, error) {
		return p.mem.Kzalloc(hostarch.PageSize)
	})
	return pa, err
}

// Destroy releases the memory the object owns. Physical range objects own
// nothing.
func (p *PMObject) Destroy() {
	switch p.typ {
	case chcore.PMOData, chcore.PMODataNoCache:
		p.mem.Free(p.start)
	case chcore.PMOFile, chcore.PMOAnonymous, chcore.PMOShm:
		p.index.FreeWithDeleter(p.mem.Free)
	}
	p.Private = nil
}
