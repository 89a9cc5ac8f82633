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

// Package pageindex provides the sparse page-number to physical-page index
// used by lazily backed memory objects.
package pageindex

import (
	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

const degree = 16

type entry struct {
	index uint64
	pa    uint64
}

func less(a, b entry) bool { return a.index < b.index }

// Index maps page indices to physical page addresses. It is safe for
// concurrent use.
type Index struct {
	mu   sync.Mutex
	tree *btree.BTreeG[entry]
}

// New returns an empty Index.
func New() *Index {
	return &Index{tree: btree.NewG(degree, less)}
}

// Insert records pa as the page at index. It fails with EEXIST if index is
// already populated.
func (i *Index) Insert(index, pa uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tree.Has(entry{index: index}) {
		return linuxerr.EEXIST
	}
	i.tree.ReplaceOrInsert(entry{index: index, pa: pa})
	return nil
}

// Lookup returns the page at index.
func (i *Index) Lookup(index uint64) (uint64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.tree.Get(entry{index: index})
	return e.pa, ok
}

// LookupOrInsert returns the page at index, calling alloc to populate it if it
// is absent. The lookup and the insertion are a single atomic step, so alloc
// runs at most once per index no matter how many callers race.
func (i *Index) LookupOrInsert(index uint64, alloc func() (uint64, error)) (pa uint64, inserted bool, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.tree.Get(entry{index: index}); ok {
		return e.pa, false, nil
	}
	pa, err = alloc()
	if err != nil {
		return 0, false, err
	}
	i.tree.ReplaceOrInsert(entry{index: index, pa: pa})
	return pa, true, nil
}

// Len returns the number of populated pages.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tree.Len()
}

// ForEach calls fn for every populated page in index order.
func (i *Index) ForEach(fn func(index, pa uint64)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tree.Ascend(func(e entry) bool {
		fn(e.index, e.pa)
		return true
	})
}

// FreeWithDeleter empties the index, passing every page to deleter.
func (i *Index) FreeWithDeleter(deleter func(pa uint64)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tree.Ascend(func(e entry) bool {
		deleter(e.pa)
		return true
	})
	i.tree.Clear(false)
}
