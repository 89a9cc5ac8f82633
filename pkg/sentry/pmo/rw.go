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

package pmo

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// CheckAccess validates a direct read or write of [offset, offset+n). Only
// DATA, DATA_NOCACHE and ANONYMOUS objects may be accessed directly.
func (p *PMObject) CheckAccess(offset, n uint64) error {
	end := offset + n
	if end < offset || end > p.Size() {
		return linuxerr.EINVAL
	}
	switch p.typ {
	case chcore.PMOData, chcore.PMODataNoCache, chcore.PMOAnonymous:
		return nil
	default:
		return linuxerr.EINVAL
	}
}

// Access calls fn with the kernel mapping of [offset, offset+n), in order, in
// page-sized or smaller pieces. Absent anonymous pages are populated first.
// Nothing is accessed unless CheckAccess accepts the range.
func (p *PMObject) Access(offset, n uint64, fn func(b []byte) error) error {
	if err := p.CheckAccess(offset, n); err != nil {
		return err
	}
	if p.index == nil {
		if n == 0 {
			return nil
		}
		return fn(p.mem.Bytes(p.start+offset, n))
	}
	for n > 0 {
		index := offset / hostarch.PageSize
		pgoff := offset % hostarch.PageSize
		chunk := min(n, hostarch.PageSize-pgoff)
		pa, err := p.GetPage(index)
		if err != nil {
			return err
		}
		if err := fn(p.mem.Bytes(pa+pgoff, chunk)); err != nil {
			return err
		}
		offset += chunk
		n -= chunk
	}
	return nil
}
