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

package chcore

// PMOType is the backing-store variant of a physical memory object.
type PMOType uint32

// PMO types.
const (
	// PMOAnonymous is lazily backed and allocated by page faults.
	PMOAnonymous PMOType = 0
	// PMOData is eagerly backed by contiguous zeroed memory.
	PMOData PMOType = 1
	// PMOFile is lazily backed and filled by a user pager.
	PMOFile PMOType = 2
	// PMOShm is lazily backed memory intended for sharing.
	PMOShm PMOType = 3
	// PMOUserPager is reserved.
	PMOUserPager PMOType = 4
	// PMODevice describes a caller-supplied physical range.
	PMODevice PMOType = 5
	// PMODataNoCache is PMOData whose cache lines are flushed after init.
	PMODataNoCache PMOType = 6
	// PMOTZNS is a cross-domain (non-secure world) physical range.
	PMOTZNS PMOType = 7
	// PMOForbid marks an address range that may never be accessed.
	PMOForbid PMOType = 10
)

// String implements fmt.Stringer.
func (t PMOType) String() string {
	switch t {
	case PMOAnonymous:
		return "anonymous"
	case PMOData:
		return "data"
	case PMOFile:
		return "file"
	case PMOShm:
		return "shm"
	case PMOUserPager:
		return "user-pager"
	case PMODevice:
		return "device"
	case PMODataNoCache:
		return "data-nocache"
	case PMOTZNS:
		return "tz-ns"
	case PMOForbid:
		return "forbid"
	default:
		return "unknown"
	}
}

// VM region permissions, as passed to map_pmo.
const (
	VMRRead    = 1 << 0
	VMRWrite   = 1 << 1
	VMRExec    = 1 << 2
	VMRDevice  = 1 << 3
	VMRNoCache = 1 << 4
)

// UserSpaceEnd is the first address above the user half of a VMSpace.
const UserSpaceEnd = 0x0000_8000_0000_0000
