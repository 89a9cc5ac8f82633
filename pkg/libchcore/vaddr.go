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

package libchcore

import (
	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// extent is a free range of addresses.
type extent struct {
	start hostarch.Addr
	size  uint64
}

func (e extent) end() hostarch.Addr { return e.start + hostarch.Addr(e.size) }

func extentLess(a, b extent) bool { return a.start < b.start }

// VAAllocator hands out page-aligned ranges of a process's address space for
// mapping objects. Ranges are taken first-fit and coalesced when freed.
type VAAllocator struct {
	mu   sync.Mutex
	free *btree.BTreeG[extent]
}

// NewVAAllocator returns an allocator over [start, start+size). Both must be
// page-aligned.
func NewVAAllocator(start hostarch.Addr, size uint64) *VAAllocator {
	a := &VAAllocator{free: btree.NewG(8, extentLess)}
	if size > 0 {
		a.free.ReplaceOrInsert(extent{start: start, size: size})
	}
	return a
}

// Alloc returns the start of a free range of at least size bytes, rounded
// up to whole pages.
func (a *VAAllocator) Alloc(size uint64) (hostarch.Addr, error) {
	r, ok := hostarch.Addr(size).RoundUp()
	if !ok || size == 0 {
		return 0, linuxerr.EINVAL
	}
	size = uint64(r)

	a.mu.Lock()
	defer a.mu.Unlock()
	var found extent
	a.free.Ascend(func(e extent) bool {
		if e.size >= size {
			found = e
			return false
		}
		return true
	})
	if found.size == 0 {
		return 0, linuxerr.ENOMEM
	}
	a.free.Delete(found)
	if found.size > size {
		a.free.ReplaceOrInsert(extent{start: found.start + hostarch.Addr(size), size: found.size - size})
	}
	return found.start, nil
}

// Free returns a range obtained from Alloc.
func (a *VAAllocator) Free(addr hostarch.Addr, size uint64) {
	r, ok := hostarch.Addr(size).RoundUp()
	if !ok || size == 0 {
		panic("freeing an invalid range")
	}
	e := extent{start: addr, size: uint64(r)}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.before(e.start); ok {
		if prev.end() > e.start {
			panic("double free of address range")
		}
		if prev.end() == e.start {
			a.free.Delete(prev)
			e = extent{start: prev.start, size: prev.size + e.size}
		}
	}
	if next, ok := a.free.Get(extent{start: e.end()}); ok {
		a.free.Delete(next)
		e.size += next.size
	}
	a.free.ReplaceOrInsert(e)
}

// before returns the free extent starting at or below addr.
func (a *VAAllocator) before(addr hostarch.Addr) (extent, bool) {
	var prev extent
	found := false
	a.free.DescendLessOrEqual(extent{start: addr}, func(e extent) bool {
		prev, found = e, true
		return false
	})
	return prev, found
}

// FreeBytes returns the number of unallocated bytes.
func (a *VAAllocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	a.free.Ascend(func(e extent) bool {
		n += e.size
		return true
	})
	return n
}
