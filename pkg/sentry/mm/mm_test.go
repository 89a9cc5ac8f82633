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

package mm

import (
	"bytes"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/pgalloc"
	"gvisor.dev/chcore/pkg/sentry/pmo"
)

// testBacking counts references dropped by the address space.
type testBacking struct {
	p     *pmo.PMObject
	drops int
}

func (b *testBacking) PMO() *pmo.PMObject { return b.p }
func (b *testBacking) DecRef()            { b.drops++ }

type harness struct {
	mem *pgalloc.PhysMem
	vs  *VMSpace
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := pgalloc.New(64 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return &harness{mem: mem, vs: New(mem)}
}

func (h *harness) backing(t *testing.T, typ chcore.PMOType, size uint64) *testBacking {
	t.Helper()
	p, err := pmo.New(h.mem, typ, size, 0x0900_0000)
	if err != nil {
		t.Fatalf("pmo.New(%v) failed: %v", typ, err)
	}
	t.Cleanup(p.Destroy)
	return &testBacking{p: p}
}

func TestMapOverlap(t *testing.T) {
	h := newHarness(t)
	b := h.backing(t, chcore.PMOData, 2*hostarch.PageSize)
	if err := h.vs.Map(0x10000, 2*hostarch.PageSize, hostarch.ReadWrite, b); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uint64
		ok     bool
	}{
		{"same", 0x10000, hostarch.PageSize, false},
		{"inside", 0x11000, hostarch.PageSize, false},
		{"straddle-start", 0xf000, 2 * hostarch.PageSize, false},
		{"cover", 0xf000, 4 * hostarch.PageSize, false},
		{"below", 0xf000, hostarch.PageSize, true},
		{"above", 0x12000, hostarch.PageSize, true},
		{"unaligned", 0x20001, hostarch.PageSize, false},
		{"empty", 0x30000, 0, false},
		{"beyond-user", chcore.UserSpaceEnd - hostarch.PageSize, 2 * hostarch.PageSize, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := h.backing(t, chcore.PMOAnonymous, tc.length)
			err := h.vs.Map(tc.addr, tc.length, hostarch.Read, b)
			if tc.ok && err != nil {
				t.Errorf("Map(%#x, %#x) failed: %v", tc.addr, tc.length, err)
			}
			if !tc.ok && !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Map(%#x, %#x): got %v, want EINVAL", tc.addr, tc.length, err)
			}
		})
	}
}

func TestCopyFaultsAnonymous(t *testing.T) {
	h := newHarness(t)
	b := h.backing(t, chcore.PMOAnonymous, 2*hostarch.PageSize)
	if err := h.vs.Map(0x40000, 2*hostarch.PageSize, hostarch.ReadWrite, b); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	if _, _, ok, err := h.vs.Query(0x40000); err != nil || ok {
		t.Errorf("Query before fault = ok %t, err %v, want absent page", ok, err)
	}

	src := []byte("across the page line")
	addr := hostarch.Addr(0x41000 - 6)
	if err := h.vs.CopyOut(addr, src); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	dst := make([]byte, len(src))
	if err := h.vs.CopyIn(addr, dst); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Errorf("CopyIn = %q, want %q", dst, src)
	}
	if got := b.p.Committed(); got != 2 {
		t.Errorf("Committed = %d, want 2", got)
	}
	pa, perms, ok, err := h.vs.Query(0x40000)
	if err != nil || !ok {
		t.Fatalf("Query after fault failed: ok %t, err %v", ok, err)
	}
	if perms != hostarch.ReadWrite {
		t.Errorf("Query perms = %v, want %v", perms, hostarch.ReadWrite)
	}
	if want, _ := b.p.LookupPage(0); pa != want {
		t.Errorf("Query = %#x, want %#x", pa, want)
	}
}

func TestCopyPermissions(t *testing.T) {
	h := newHarness(t)
	b := h.backing(t, chcore.PMOData, hostarch.PageSize)
	if err := h.vs.Map(0x40000, hostarch.PageSize, hostarch.Read, b); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.vs.CopyOut(0x40000, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to read-only region: got %v, want EFAULT", err)
	}
	if err := h.vs.CopyIn(0x40000, make([]byte, 1)); err != nil {
		t.Errorf("CopyIn from read-only region failed: %v", err)
	}
	if err := h.vs.CopyIn(0x50000, make([]byte, 1)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn from unmapped address: got %v, want EFAULT", err)
	}
}

func TestCopyUnreachable(t *testing.T) {
	h := newHarness(t)
	for i, typ := range []chcore.PMOType{chcore.PMODevice, chcore.PMOForbid, chcore.PMOFile} {
		addr := hostarch.Addr(0x100000 * (i + 1))
		b := h.backing(t, typ, hostarch.PageSize)
		if err := h.vs.Map(addr, hostarch.PageSize, hostarch.ReadWrite, b); err != nil {
			t.Fatalf("Map(%v) failed: %v", typ, err)
		}
		if err := h.vs.CopyIn(addr, make([]byte, 8)); !linuxerr.Equals(linuxerr.EFAULT, err) {
			t.Errorf("CopyIn from %v region: got %v, want EFAULT", typ, err)
		}
	}
}

func TestUnmap(t *testing.T) {
	h := newHarness(t)
	b1 := h.backing(t, chcore.PMOAnonymous, hostarch.PageSize)
	b2 := h.backing(t, chcore.PMOAnonymous, 2*hostarch.PageSize)
	if err := h.vs.Map(0x10000, hostarch.PageSize, hostarch.ReadWrite, b1); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.vs.Map(0x11000, 2*hostarch.PageSize, hostarch.ReadWrite, b2); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	// [0x10000, 0x12000) cuts the second region in half.
	if err := h.vs.Unmap(0x10000, 2*hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("partial Unmap: got %v, want EINVAL", err)
	}
	if n := h.vs.NumRegions(); n != 2 {
		t.Fatalf("partial Unmap changed the region count to %d", n)
	}

	if err := h.vs.Unmap(0x10000, 3*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if n := h.vs.NumRegions(); n != 0 {
		t.Errorf("NumRegions after Unmap = %d, want 0", n)
	}
	if b1.drops != 1 || b2.drops != 1 {
		t.Errorf("references dropped = %d, %d, want 1, 1", b1.drops, b2.drops)
	}
}

func TestUnmapPMO(t *testing.T) {
	h := newHarness(t)
	b := h.backing(t, chcore.PMOShm, hostarch.PageSize)
	other := h.backing(t, chcore.PMOShm, hostarch.PageSize)
	if err := h.vs.Map(0x10000, hostarch.PageSize, hostarch.ReadWrite, b); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := h.vs.UnmapPMO(0x10000, other.p); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("UnmapPMO with the wrong PMO: got %v, want ENOENT", err)
	}
	if err := h.vs.UnmapPMO(0x10000, b.p); err != nil {
		t.Errorf("UnmapPMO failed: %v", err)
	}
	if b.drops != 1 {
		t.Errorf("drops = %d, want 1", b.drops)
	}
}

func TestUnmapAll(t *testing.T) {
	h := newHarness(t)
	var bs []*testBacking
	for i := 0; i < 4; i++ {
		b := h.backing(t, chcore.PMOAnonymous, hostarch.PageSize)
		if err := h.vs.Map(hostarch.Addr(0x10000*(i+1)), hostarch.PageSize, hostarch.Read, b); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		bs = append(bs, b)
	}
	heap := h.backing(t, chcore.PMOAnonymous, 0)
	if err := h.vs.InitHeap(0x800000, heap); err != nil {
		t.Fatalf("InitHeap failed: %v", err)
	}
	h.vs.UnmapAll()
	for i, b := range append(bs, heap) {
		if b.drops != 1 {
			t.Errorf("backing %d dropped %d times, want 1", i, b.drops)
		}
	}
}

func TestHeap(t *testing.T) {
	h := newHarness(t)
	b := h.backing(t, chcore.PMOAnonymous, 0)
	const start = hostarch.Addr(0x800000)
	if err := h.vs.InitHeap(start, b); err != nil {
		t.Fatalf("InitHeap failed: %v", err)
	}
	if err := h.vs.InitHeap(start, b); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second InitHeap: got %v, want EEXIST", err)
	}

	end, err := h.vs.GrowHeap(start + 10)
	if err != nil {
		t.Fatalf("GrowHeap failed: %v", err)
	}
	if want := start + hostarch.PageSize; end != want {
		t.Errorf("GrowHeap = %#x, want %#x", end, want)
	}
	if err := h.vs.CopyOut(start, []byte("heap")); err != nil {
		t.Errorf("CopyOut to heap failed: %v", err)
	}

	// Shrinking is ignored.
	if end, err := h.vs.GrowHeap(start); err != nil || end != start+hostarch.PageSize {
		t.Errorf("GrowHeap(start) = %#x, %v, want %#x, nil", end, err, start+hostarch.PageSize)
	}

	// A mapping above the heap stops its growth.
	blocker := h.backing(t, chcore.PMOData, hostarch.PageSize)
	if err := h.vs.Map(start+4*hostarch.PageSize, hostarch.PageSize, hostarch.Read, blocker); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := h.vs.GrowHeap(start + 8*hostarch.PageSize); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("GrowHeap into a mapping: got %v, want ENOMEM", err)
	}
	if got := b.p.Size(); got != hostarch.PageSize {
		t.Errorf("heap PMO size = %d, want %d", got, hostarch.PageSize)
	}
}
