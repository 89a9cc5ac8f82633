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

// Package mm provides virtual address spaces.
//
// A VMSpace is a set of non-overlapping regions, each mapping a range of user
// addresses onto a physical memory object. Translation walks the region set
// instead of a hardware page table; accesses to absent pages of lazily backed
// objects are handled as page faults.
package mm

import (
	"fmt"
	"strings"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/pgalloc"
	"gvisor.dev/chcore/pkg/sentry/pmo"
)

// Backing is the object mapped by a region. A region owns one reference on
// its backing and drops it when the region is unmapped.
type Backing interface {
	PMO() *pmo.PMObject
	DecRef()
}

type region struct {
	start   hostarch.Addr
	size    uint64
	perms   hostarch.AccessType
	backing Backing
}

func (r *region) end() hostarch.Addr { return r.start + hostarch.Addr(r.size) }

func (r *region) contains(addr hostarch.Addr) bool {
	return addr >= r.start && addr < r.end()
}

func regionLess(a, b *region) bool { return a.start < b.start }

// VMSpace is a user address space.
type VMSpace struct {
	mem *pgalloc.PhysMem

	// mu protects the fields below. Translations and copies hold it for
	// reading, so a region cannot be unmapped under an in-progress access.
	mu sync.RWMutex

	regions *btree.BTreeG[*region]

	// heap is the region grown by Brk, or nil before the heap is set up.
	heap *region
}

// New returns an empty address space.
func New(mem *pgalloc.PhysMem) *VMSpace {
	return &VMSpace{
		mem:     mem,
		regions: btree.NewG(8, regionLess),
	}
}

// checkRange validates a user range and returns its page-rounded length.
func checkRange(addr hostarch.Addr, length uint64) (uint64, error) {
	if !addr.IsPageAligned() || length == 0 {
		return 0, linuxerr.EINVAL
	}
	end, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return 0, linuxerr.EINVAL
	}
	length = uint64(end)
	last, ok := addr.AddLength(length)
	if !ok || last > chcore.UserSpaceEnd {
		return 0, linuxerr.EINVAL
	}
	return length, nil
}

// overlapsLocked returns true if [start, start+size) intersects a region
// other than skip.
//
// Preconditions: vs.mu is locked.
func (vs *VMSpace) overlapsLocked(start hostarch.Addr, size uint64, skip *region) bool {
	end := start + hostarch.Addr(size)
	hit := false
	// Regions do not overlap, so the last region starting before end is the
	// only one that can reach into the range.
	vs.regions.DescendLessOrEqual(&region{start: end - 1}, func(r *region) bool {
		if r == skip {
			return true
		}
		hit = r.end() > start
		return false
	})
	return hit
}

// Map maps [addr, addr+length) onto b with the given permissions. The region
// takes over the caller's reference on b, only if Map succeeds.
func (vs *VMSpace) Map(addr hostarch.Addr, length uint64, perms hostarch.AccessType, b Backing) error {
	length, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.overlapsLocked(addr, length, nil) {
		return linuxerr.EINVAL
	}
	vs.regions.ReplaceOrInsert(&region{
		start:   addr,
		size:    length,
		perms:   perms,
		backing: b,
	})
	return nil
}

// Unmap removes every region inside [addr, addr+length). A region only
// partially inside the range is an error and nothing is unmapped.
func (vs *VMSpace) Unmap(addr hostarch.Addr, length uint64) error {
	length, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	end := addr + hostarch.Addr(length)

	vs.mu.Lock()
	var victims []*region
	partial := false
	vs.regions.DescendLessOrEqual(&region{start: addr}, func(r *region) bool {
		if r.start < addr && r.end() > addr {
			partial = true
		}
		return false
	})
	vs.regions.AscendRange(&region{start: addr}, &region{start: end}, func(r *region) bool {
		if r.end() > end {
			partial = true
			return false
		}
		victims = append(victims, r)
		return true
	})
	if partial {
		vs.mu.Unlock()
		return linuxerr.EINVAL
	}
	for _, r := range victims {
		vs.regions.Delete(r)
		if r == vs.heap {
			vs.heap = nil
		}
	}
	vs.mu.Unlock()

	for _, r := range victims {
		r.backing.DecRef()
	}
	return nil
}

// UnmapPMO removes the region at addr if it maps p.
func (vs *VMSpace) UnmapPMO(addr hostarch.Addr, p *pmo.PMObject) error {
	vs.mu.Lock()
	r, ok := vs.regions.Get(&region{start: addr})
	if !ok || r.backing.PMO() != p {
		vs.mu.Unlock()
		return linuxerr.ENOENT
	}
	vs.regions.Delete(r)
	if r == vs.heap {
		vs.heap = nil
	}
	vs.mu.Unlock()
	r.backing.DecRef()
	return nil
}

// UnmapAll removes every region.
func (vs *VMSpace) UnmapAll() {
	vs.mu.Lock()
	var all []*region
	vs.regions.Ascend(func(r *region) bool {
		all = append(all, r)
		return true
	})
	vs.regions.Clear(false)
	if vs.heap != nil && vs.heap.size == 0 {
		// An empty heap is not in the region set.
		all = append(all, vs.heap)
	}
	vs.heap = nil
	vs.mu.Unlock()

	for _, r := range all {
		r.backing.DecRef()
	}
}

// NumRegions returns the number of mapped regions.
func (vs *VMSpace) NumRegions() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.regions.Len()
}

// findLocked returns the region containing addr.
//
// Preconditions: vs.mu is locked.
func (vs *VMSpace) findLocked(addr hostarch.Addr) *region {
	var found *region
	vs.regions.DescendLessOrEqual(&region{start: addr}, func(r *region) bool {
		if r.contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Mapped returns the PMO mapped at addr, the start of its region and the
// region's length.
func (vs *VMSpace) Mapped(addr hostarch.Addr) (*pmo.PMObject, hostarch.Addr, uint64, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	r := vs.findLocked(addr)
	if r == nil {
		return nil, 0, 0, false
	}
	return r.backing.PMO(), r.start, r.size, true
}

// translateLocked returns the physical address of addr. If fault is true,
// absent pages are populated as for a page fault; otherwise ok is false for
// an absent page.
//
// Preconditions: vs.mu is locked.
func (vs *VMSpace) translateLocked(addr hostarch.Addr, at hostarch.AccessType, fault bool) (uint64, bool, error) {
	r := vs.findLocked(addr)
	if r == nil || !r.perms.SupersetOf(at) {
		return 0, false, linuxerr.EFAULT
	}
	off := uint64(addr - r.start)
	p := r.backing.PMO()
	index := off / hostarch.PageSize
	if !fault {
		pa, ok := p.LookupPage(index)
		if !ok {
			return 0, false, nil
		}
		return pa + off%hostarch.PageSize, true, nil
	}
	pa, err := p.GetPage(index)
	if err != nil {
		return 0, false, err
	}
	return pa + off%hostarch.PageSize, true, nil
}

// Query translates addr without faulting. ok is false if addr is mapped but
// its page has not been populated.
func (vs *VMSpace) Query(addr hostarch.Addr) (pa uint64, perms hostarch.AccessType, ok bool, err error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	r := vs.findLocked(addr)
	if r == nil {
		return 0, hostarch.NoAccess, false, linuxerr.EFAULT
	}
	pa, ok, err = vs.translateLocked(addr, hostarch.NoAccess, false)
	return pa, r.perms, ok, err
}

// copy moves bytes between buf and [addr, addr+len(buf)) one page at a time.
func (vs *VMSpace) copy(addr hostarch.Addr, buf []byte, at hostarch.AccessType) error {
	if _, ok := addr.AddLength(uint64(len(buf))); !ok {
		return linuxerr.EFAULT
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	for len(buf) > 0 {
		pgoff := uint64(addr) % hostarch.PageSize
		chunk := min(uint64(len(buf)), hostarch.PageSize-pgoff)
		pa, _, err := vs.translateLocked(addr, at, true)
		if err != nil {
			return err
		}
		mem := vs.mem.Bytes(pa, chunk)
		if mem == nil {
			// Not RAM: device memory is not reachable from the kernel.
			return linuxerr.EFAULT
		}
		if at.Write {
			copy(mem, buf[:chunk])
		} else {
			copy(buf[:chunk], mem)
		}
		buf = buf[chunk:]
		addr += hostarch.Addr(chunk)
	}
	return nil
}

// CopyIn copies len(dst) bytes from user address addr.
func (vs *VMSpace) CopyIn(addr hostarch.Addr, dst []byte) error {
	return vs.copy(addr, dst, hostarch.Read)
}

// CopyOut copies src to user address addr.
func (vs *VMSpace) CopyOut(addr hostarch.Addr, src []byte) error {
	return vs.copy(addr, src, hostarch.Write)
}

// String implements fmt.Stringer.
func (vs *VMSpace) String() string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	var sb strings.Builder
	vs.regions.Ascend(func(r *region) bool {
		fmt.Fprintf(&sb, "%#x-%#x %s %v\n", r.start, r.end(), r.perms, r.backing.PMO().Type())
		return true
	})
	return sb.String()
}
