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

// Package pgalloc provides the kernel's physical memory: a RAM arena backed by
// an anonymous host mapping, and a page allocator over it.
//
// Physical addresses are arena offsets shifted by PhysBase, so that 0 is never
// a valid physical address and may be used as "no page".
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// PhysBase is the physical address of the first byte of RAM.
const PhysBase uint64 = 0x4000_0000

// PhysMem is the physical RAM of the machine.
type PhysMem struct {
	mem    []byte
	npages uint32

	// mu protects the fields below.
	mu sync.Mutex

	// used has a bit set for every allocated page. Bits beyond npages are
	// permanently set.
	used bitmap.Bitmap

	// allocs maps the first page of every live allocation to its length in
	// pages.
	allocs map[uint32]uint32
}

// New maps size bytes of RAM. size is rounded up to a page.
func New(size uint64) (*PhysMem, error) {
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok || end == 0 {
		return nil, fmt.Errorf("invalid physical memory size %d", size)
	}
	npages := uint64(end) / hostarch.PageSize
	if npages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("physical memory size %d too large", size)
	}
	mem, err := unix.Mmap(-1, 0, int(end), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of RAM: %w", end, err)
	}
	p := &PhysMem{
		mem:    mem,
		npages: uint32(npages),
		used:   bitmap.New(uint32(npages)),
		allocs: make(map[uint32]uint32),
	}
	if pad := uint32(p.used.Size()); pad > p.npages {
		p.used.FlipRange(p.npages, pad)
	}
	log.Infof("Physical memory: %d pages at %#x", npages, PhysBase)
	return p, nil
}

// Close releases the arena. No physical address may be used afterwards.
func (p *PhysMem) Close() error {
	return unix.Munmap(p.mem)
}

// AllocPages allocates n physically contiguous pages and returns the physical
// address of the first. The pages are not zeroed.
func (p *PhysMem) AllocPages(n uint64) (uint64, error) {
	if n == 0 || n > uint64(p.npages) {
		return 0, linuxerr.ENOMEM
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := uint32(0)
	for {
		first, err := p.used.FirstZero(start)
		if err != nil || first >= p.npages {
			return 0, linuxerr.ENOMEM
		}
		end := p.npages
		if next, err := p.used.FirstOne(first); err == nil && next < end {
			end = next
		}
		if uint64(end-first) >= n {
			last := first + uint32(n)
			p.used.FlipRange(first, last)
			p.allocs[first] = uint32(n)
			return PhysBase + uint64(first)*hostarch.PageSize, nil
		}
		start = end
	}
}

// GetPages allocates 2^order contiguous pages.
func (p *PhysMem) GetPages(order uint) (uint64, error) {
	if order >= 32 {
		return 0, linuxerr.ENOMEM
	}
	return p.AllocPages(1 << order)
}

// Kmalloc allocates size bytes of physically contiguous memory, rounded up to
// whole pages.
func (p *PhysMem) Kmalloc(size uint64) (uint64, error) {
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok || end == 0 {
		return 0, linuxerr.ENOMEM
	}
	return p.AllocPages(uint64(end) / hostarch.PageSize)
}

// Kzalloc is Kmalloc followed by zeroing the memory.
func (p *PhysMem) Kzalloc(size uint64) (uint64, error) {
	pa, err := p.Kmalloc(size)
	if err != nil {
		return 0, err
	}
	clear(p.allocation(pa))
	return pa, nil
}

// Free releases an allocation returned by AllocPages, GetPages or Kmalloc.
func (p *PhysMem) Free(pa uint64) {
	first, ok := p.pfn(pa)
	if !ok {
		panic(fmt.Sprintf("freeing physical address %#x outside RAM", pa))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.allocs[first]
	if !ok {
		panic(fmt.Sprintf("freeing physical address %#x that is not allocated", pa))
	}
	delete(p.allocs, first)
	p.used.ClearRange(first, first+n)
}

// FreeBytes returns the amount of unallocated RAM.
func (p *PhysMem) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pad := uint32(p.used.Size()) - p.npages
	return uint64(p.npages-(p.used.GetNumOnes()-pad)) * hostarch.PageSize
}

// TotalBytes returns the size of RAM.
func (p *PhysMem) TotalBytes() uint64 {
	return uint64(p.npages) * hostarch.PageSize
}

// Contains returns true if [pa, pa+n) lies entirely in RAM.
func (p *PhysMem) Contains(pa, n uint64) bool {
	if pa < PhysBase {
		return false
	}
	off := pa - PhysBase
	return off <= uint64(len(p.mem)) && n <= uint64(len(p.mem))-off
}

// Overlaps returns true if [pa, pa+n) shares at least one byte with RAM.
func (p *PhysMem) Overlaps(pa, n uint64) bool {
	end := pa + n
	if end < pa {
		end = ^uint64(0)
	}
	return n != 0 && pa < PhysBase+uint64(len(p.mem)) && end > PhysBase
}

// Bytes returns the kernel mapping of [pa, pa+n). It returns nil if the range
// is not RAM.
func (p *PhysMem) Bytes(pa, n uint64) []byte {
	if !p.Contains(pa, n) {
		return nil
	}
	off := pa - PhysBase
	return p.mem[off : off+n : off+n]
}

func (p *PhysMem) pfn(pa uint64) (uint32, bool) {
	if !p.Contains(pa, hostarch.PageSize) || (pa-PhysBase)%hostarch.PageSize != 0 {
		return 0, false
	}
	return uint32((pa - PhysBase) / hostarch.PageSize), true
}

// allocation returns the bytes of the live allocation starting at pa.
func (p *PhysMem) allocation(pa uint64) []byte {
	first, ok := p.pfn(pa)
	if !ok {
		return nil
	}
	p.mu.Lock()
	n := p.allocs[first]
	p.mu.Unlock()
	return p.Bytes(pa, uint64(n)*hostarch.PageSize)
}
