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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

func TestAllocLowestFree(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	cg, th := newProc(t, k)
	if th.Cap() != 2 {
		t.Fatalf("first thread in slot %d, want 2", th.Cap())
	}

	var got []chcore.Cap
	for i := 0; i < 3; i++ {
		c, err := th.CreateNotification()
		if err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
		got = append(got, c)
	}
	if diff := cmp.Diff([]chcore.Cap{3, 4, 5}, got); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
	if err := th.FreeCap(4); err != nil {
		t.Fatalf("FreeCap failed: %v", err)
	}
	c, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if c != 4 {
		t.Errorf("reused slot %d, want 4", c)
	}
	if n := cg.NumCaps(); n != 6 {
		t.Errorf("NumCaps = %d, want 6", n)
	}
}

func TestTableGrowth(t *testing.T) {
	k, _ := newTestKernel(t, func(a *InitKernelArgs) {
		a.InitialSlots = 64
		a.MaxSlots = 128
	})
	cg, th := newProc(t, k)
	var err error
	for err == nil {
		_, err = th.CreateNotification()
	}
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("full table: got %v, want ENOMEM", err)
	}
	if n := cg.NumCaps(); n != 128 {
		t.Errorf("NumCaps = %d, want 128", n)
	}
	// Freed slots are usable again at the size limit.
	if err := th.FreeCap(100); err != nil {
		t.Fatalf("FreeCap failed: %v", err)
	}
	if c, err := th.CreateNotification(); err != nil || c != 100 {
		t.Errorf("CreateNotification = %d, %v; want 100, nil", c, err)
	}
}

func TestTableLimitNotRounded(t *testing.T) {
	for _, tc := range []struct {
		initial, max uint32
	}{
		{10, 10},
		{64, 70},
		{2, 100},
	} {
		k, _ := newTestKernel(t, func(a *InitKernelArgs) {
			a.InitialSlots = tc.initial
			a.MaxSlots = tc.max
		})
		cg, th := newProc(t, k)
		var err error
		for err == nil {
			_, err = th.CreateNotification()
		}
		if !linuxerr.Equals(linuxerr.ENOMEM, err) {
			t.Errorf("%d/%d: full table: got %v, want ENOMEM", tc.initial, tc.max, err)
		}
		if n := cg.NumCaps(); n != int(tc.max) {
			t.Errorf("%d/%d: NumCaps = %d, want %d", tc.initial, tc.max, n, tc.max)
		}
	}
}

func TestLookupRejects(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	cg, th := newProc(t, k)
	c, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	for _, tc := range []struct {
		name string
		c    chcore.Cap
		typ  ObjectType
	}{
		{"wrong type", c, TypePMO},
		{"negative", -1, TypeAny},
		{"empty slot", c + 1, TypeAny},
		{"beyond table", 1 << 20, TypeAny},
	} {
		if _, err := cg.Lookup(tc.c, tc.typ); !linuxerr.Equals(kernerr.ECAPBILITY, err) {
			t.Errorf("%s: Lookup(%d, %v) = %v, want ECAPBILITY", tc.name, tc.c, tc.typ, err)
		}
	}
	obj, err := cg.Lookup(c, TypeNotification)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got := obj.ReadRefs(); got != 2 {
		t.Errorf("refs during lookup = %d, want 2", got)
	}
	obj.DecRef()
}

// TestRefcountInvariant checks that an object's count tracks its
// capabilities through random copies and frees, and that the object is
// destroyed with its last capability.
func TestRefcountInvariant(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	var procs []*CapGroup
	var threads []*Thread
	for i := 0; i < 3; i++ {
		cg, th := newProc(t, k)
		procs = append(procs, cg)
		threads = append(threads, th)
	}

	type capRef struct {
		cg *CapGroup
		c  chcore.Cap
	}
	var order []*Object
	holders := make(map[*Object][]capRef)

	r := rand.New(rand.NewSource(1))
	for step := 0; step < 2000; step++ {
		switch op := r.Intn(3); {
		case op == 0 || len(order) == 0:
			i := r.Intn(len(threads))
			c, err := threads[i].CreateNotification()
			if err != nil {
				t.Fatalf("step %d: CreateNotification failed: %v", step, err)
			}
			obj, err := procs[i].lookup(c, TypeNotification)
			if err != nil {
				t.Fatalf("step %d: lookup failed: %v", step, err)
			}
			obj.DecRef()
			order = append(order, obj)
			holders[obj] = []capRef{{procs[i], c}}
		case op == 1:
			obj := order[r.Intn(len(order))]
			refs := holders[obj]
			if len(refs) == 0 {
				continue
			}
			src := refs[r.Intn(len(refs))]
			dst := procs[r.Intn(len(procs))]
			nc, err := copyCap(src.cg, dst, src.c)
			if err != nil {
				t.Fatalf("step %d: copyCap failed: %v", step, err)
			}
			holders[obj] = append(refs, capRef{dst, nc})
		default:
			obj := order[r.Intn(len(order))]
			refs := holders[obj]
			if len(refs) == 0 {
				continue
			}
			i := r.Intn(len(refs))
			if err := refs[i].cg.freeCap(refs[i].c); err != nil {
				t.Fatalf("step %d: freeCap failed: %v", step, err)
			}
			holders[obj] = append(refs[:i], refs[i+1:]...)
		}

		for _, obj := range order {
			want := len(holders[obj])
			if got := obj.ReadRefs(); got != int64(want) {
				t.Fatalf("step %d: refs = %d, want %d", step, got, want)
			}
			if got := obj.NumCopies(); got != want {
				t.Fatalf("step %d: copies = %d, want %d", step, got, want)
			}
			n := obj.Notification()
			n.mu.Lock()
			invalid := n.invalid
			n.mu.Unlock()
			if invalid != (want == 0) {
				t.Fatalf("step %d: destroyed = %t with %d capabilities", step, invalid, want)
			}
		}
	}
}

func TestRevokeCap(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	a, ta := newProc(t, k)
	b, _ := newProc(t, k)
	c, err := ta.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	obj, err := a.lookup(c, TypeNotification)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer obj.DecRef()
	mine, err := copyCap(a, a, c)
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}
	theirs, err := copyCap(a, b, c)
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}

	// Revoking a single capability leaves the others.
	if err := ta.RevokeCap(mine, false); err != nil {
		t.Fatalf("RevokeCap(single) failed: %v", err)
	}
	if got := obj.NumCopies(); got != 2 {
		t.Errorf("copies after single revoke = %d, want 2", got)
	}

	if err := ta.RevokeCap(c, true); err != nil {
		t.Fatalf("RevokeCap(all) failed: %v", err)
	}
	if got := obj.NumCopies(); got != 0 {
		t.Errorf("copies after revoke = %d, want 0", got)
	}
	if _, err := b.lookup(theirs, TypeAny); !linuxerr.Equals(kernerr.ECAPBILITY, err) {
		t.Errorf("lookup of revoked capability: got %v, want ECAPBILITY", err)
	}
	// A revoked object can never gain a capability again.
	if _, err := b.allocCap(obj); !linuxerr.Equals(kernerr.ECAPBILITY, err) {
		t.Errorf("allocCap of revoked object: got %v, want ECAPBILITY", err)
	}
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("refs = %d, want only the test's", got)
	}
}

func TestTransferCaps(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	a, ta := newProc(t, k)
	b, _ := newProc(t, k)
	bc := grant(t, b, a)

	var src []chcore.Cap
	for i := 0; i < 3; i++ {
		c, err := ta.CreateNotification()
		if err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
		src = append(src, c)
	}
	got, err := ta.TransferCaps(bc, src)
	if err != nil {
		t.Fatalf("TransferCaps failed: %v", err)
	}
	if len(got) != len(src) {
		t.Fatalf("TransferCaps returned %d caps, want %d", len(got), len(src))
	}
	for i, c := range got {
		want, _ := a.lookup(src[i], TypeAny)
		obj, err := b.lookup(c, TypeNotification)
		if err != nil {
			t.Fatalf("lookup of transferred cap %d failed: %v", c, err)
		}
		if obj != want {
			t.Errorf("transferred cap %d names a different object", c)
		}
		obj.DecRef()
		want.DecRef()
	}

	// One bad capability fails the whole transfer.
	mid := b.NumCaps()
	if _, err := ta.TransferCaps(bc, []chcore.Cap{src[0], 999, src[1]}); !linuxerr.Equals(kernerr.ECAPBILITY, err) {
		t.Errorf("TransferCaps with a bad cap: got %v, want ECAPBILITY", err)
	}
	if n := b.NumCaps(); n != mid {
		t.Errorf("failed transfer changed the cap count from %d to %d", mid, n)
	}
	if _, err := ta.TransferCaps(src[0], src); !linuxerr.Equals(kernerr.ECAPBILITY, err) {
		t.Errorf("TransferCaps to a non-process: got %v, want ECAPBILITY", err)
	}
}
