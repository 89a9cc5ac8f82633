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

package pgalloc

import (
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func newPhysMem(t *testing.T, pages uint64) *PhysMem {
	t.Helper()
	p, err := New(pages * hostarch.PageSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return p
}

func TestAllocFree(t *testing.T) {
	p := newPhysMem(t, 16)
	if got, want := p.FreeBytes(), uint64(16*hostarch.PageSize); got != want {
		t.Fatalf("FreeBytes = %d, want %d", got, want)
	}

	a, err := p.AllocPages(4)
	if err != nil {
		t.Fatalf("AllocPages(4) failed: %v", err)
	}
	b, err := p.GetPages(2)
	if err != nil {
		t.Fatalf("GetPages(2) failed: %v", err)
	}
	if a == b {
		t.Fatalf("two allocations at the same address %#x", a)
	}
	if got, want := p.FreeBytes(), uint64(8*hostarch.PageSize); got != want {
		t.Errorf("FreeBytes = %d, want %d", got, want)
	}

	p.Free(a)
	p.Free(b)
	if got, want := p.FreeBytes(), uint64(16*hostarch.PageSize); got != want {
		t.Errorf("FreeBytes after free = %d, want %d", got, want)
	}
}

func TestAllocContiguous(t *testing.T) {
	p := newPhysMem(t, 8)

	// Fragment RAM as [x . x . . . . .] and ask for three pages.
	var pas []uint64
	for i := 0; i < 4; i++ {
		pa, err := p.AllocPages(1)
		if err != nil {
			t.Fatalf("AllocPages(1) failed: %v", err)
		}
		pas = append(pas, pa)
	}
	p.Free(pas[1])
	p.Free(pas[3])

	pa, err := p.AllocPages(3)
	if err != nil {
		t.Fatalf("AllocPages(3) failed: %v", err)
	}
	if want := pas[3]; pa != want {
		t.Errorf("AllocPages(3) = %#x, want %#x", pa, want)
	}
	if _, err := p.AllocPages(3); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocPages(3) on fragmented RAM: got %v, want ENOMEM", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	p := newPhysMem(t, 4)
	if _, err := p.AllocPages(5); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocPages(5): got %v, want ENOMEM", err)
	}
	if _, err := p.AllocPages(0); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocPages(0): got %v, want ENOMEM", err)
	}
	if _, err := p.AllocPages(4); err != nil {
		t.Fatalf("AllocPages(4) failed: %v", err)
	}
	if _, err := p.Kmalloc(1); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Kmalloc on full RAM: got %v, want ENOMEM", err)
	}
}

func TestKzalloc(t *testing.T) {
	p := newPhysMem(t, 4)
	pa, err := p.Kmalloc(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Kmalloc failed: %v", err)
	}
	b := p.Bytes(pa, 2*hostarch.PageSize)
	for i := range b {
		b[i] = 0xff
	}
	p.Free(pa)

	pa, err = p.Kzalloc(hostarch.PageSize + 1)
	if err != nil {
		t.Fatalf("Kzalloc failed: %v", err)
	}
	for i, c := range p.Bytes(pa, 2*hostarch.PageSize) {
		if c != 0 {
			t.Fatalf("byte %d = %#x after Kzalloc, want 0", i, c)
		}
	}
}

func TestRanges(t *testing.T) {
	p := newPhysMem(t, 2)
	size := uint64(2 * hostarch.PageSize)
	for _, tc := range []struct {
		name     string
		pa, n    uint64
		contains bool
		overlaps bool
	}{
		{"all", PhysBase, size, true, true},
		{"below", 0, PhysBase, false, false},
		{"straddle-start", PhysBase - 1, 2, false, true},
		{"straddle-end", PhysBase + size - 1, 2, false, true},
		{"above", PhysBase + size, 1, false, false},
		{"wrap", ^uint64(0), 2, false, false},
		{"device", 0x0900_0000, 0x1000, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Contains(tc.pa, tc.n); got != tc.contains {
				t.Errorf("Contains = %t, want %t", got, tc.contains)
			}
			if got := p.Overlaps(tc.pa, tc.n); got != tc.overlaps {
				t.Errorf("Overlaps = %t, want %t", got, tc.overlaps)
			}
		})
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newPhysMem(t, 1)
	pa, err := p.AllocPages(1)
	if err != nil {
		t.Fatalf("AllocPages failed: %v", err)
	}
	p.Free(pa)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	p.Free(pa)
}
