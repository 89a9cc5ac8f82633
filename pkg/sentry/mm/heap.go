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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// InitHeap sets up an empty heap starting at start, backed by b. The heap
// takes over the caller's reference on b if InitHeap succeeds.
func (vs *VMSpace) InitHeap(start hostarch.Addr, b Backing) error {
	if !start.IsPageAligned() || start >= chcore.UserSpaceEnd {
		return linuxerr.EINVAL
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.heap != nil {
		return linuxerr.EEXIST
	}
	vs.heap = &region{
		start:   start,
		perms:   hostarch.ReadWrite,
		backing: b,
	}
	return nil
}

// Heap returns the heap bounds. ok is false if there is no heap.
func (vs *VMSpace) Heap() (start, end hostarch.Addr, ok bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if vs.heap == nil {
		return 0, 0, false
	}
	return vs.heap.start, vs.heap.end(), true
}

// GrowHeap extends the heap to end at newEnd, rounded up to a page. The heap
// never shrinks; GrowHeap returns the resulting end of the heap.
func (vs *VMSpace) GrowHeap(newEnd hostarch.Addr) (hostarch.Addr, error) {
	end, ok := newEnd.RoundUp()
	if !ok || end > chcore.UserSpaceEnd {
		return 0, linuxerr.ENOMEM
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	h := vs.heap
	if h == nil {
		return 0, linuxerr.EINVAL
	}
	if end <= h.end() {
		return h.end(), nil
	}
	size := uint64(end - h.start)
	if vs.overlapsLocked(h.start, size, h) {
		return h.end(), linuxerr.ENOMEM
	}
	if err := h.backing.PMO().Grow(size); err != nil {
		return h.end(), err
	}
	if h.size == 0 {
		h.size = size
		vs.regions.ReplaceOrInsert(h)
	} else {
		h.size = size
	}
	return h.end(), nil
}
