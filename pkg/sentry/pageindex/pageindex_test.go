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

package pageindex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func TestInsertLookup(t *testing.T) {
	i := New()
	if _, ok := i.Lookup(3); ok {
		t.Fatalf("Lookup on empty index succeeded")
	}
	if err := i.Insert(3, 0x1000); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := i.Insert(3, 0x2000); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second Insert: got %v, want EEXIST", err)
	}
	pa, ok := i.Lookup(3)
	if !ok || pa != 0x1000 {
		t.Errorf("Lookup(3) = %#x, %t, want 0x1000, true", pa, ok)
	}
}

func TestFreeWithDeleter(t *testing.T) {
	i := New()
	for _, idx := range []uint64{7, 1, 1 << 40} {
		if err := i.Insert(idx, idx*0x1000); err != nil {
			t.Fatalf("Insert(%d) failed: %v", idx, err)
		}
	}

	var freed []uint64
	i.FreeWithDeleter(func(pa uint64) { freed = append(freed, pa) })
	if diff := cmp.Diff([]uint64{0x1000, 0x7000, (1 << 40) * 0x1000}, freed); diff != "" {
		t.Errorf("freed pages mismatch (-want +got):\n%s", diff)
	}
	if n := i.Len(); n != 0 {
		t.Errorf("Len after free = %d, want 0", n)
	}
}

func TestLookupOrInsertRace(t *testing.T) {
	i := New()
	var allocs atomicbitops.Int32
	alloc := func() (uint64, error) {
		allocs.Add(1)
		return 0x5000, nil
	}

	var inserted atomicbitops.Int32
	var g errgroup.Group
	for n := 0; n < 64; n++ {
		g.Go(func() error {
			pa, ins, err := i.LookupOrInsert(9, alloc)
			if err != nil {
				return err
			}
			if pa != 0x5000 {
				t.Errorf("LookupOrInsert returned %#x, want 0x5000", pa)
			}
			if ins {
				inserted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("LookupOrInsert failed: %v", err)
	}
	if got := allocs.Load(); got != 1 {
		t.Errorf("alloc called %d times, want 1", got)
	}
	if got := inserted.Load(); got != 1 {
		t.Errorf("%d callers inserted, want 1", got)
	}
}

func TestLookupOrInsertError(t *testing.T) {
	i := New()
	_, _, err := i.LookupOrInsert(0, func() (uint64, error) { return 0, linuxerr.ENOMEM })
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("LookupOrInsert: got %v, want ENOMEM", err)
	}
	if n := i.Len(); n != 0 {
		t.Errorf("failed insertion left %d entries", n)
	}
}
