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
	"io"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
)

// maxPutstr bounds a single putstr.
const maxPutstr = hostarch.PageSize

// Putstr writes the n bytes at buf to the console.
func (t *Thread) Putstr(buf hostarch.Addr, n uint64) error {
	if n > maxPutstr || !checkUserRange(buf, n) {
		return linuxerr.EINVAL
	}
	b := make([]byte, n)
	if err := t.vs.CopyIn(buf, b); err != nil {
		return linuxerr.EINVAL
	}
	k := t.k
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	if _, err := k.opts.Console.Write(b); err != nil {
		log.Warningf("Console write failed: %v", err)
	}
	return nil
}

// Getc reads one byte from the console. It fails with EAGAIN if no input
// is available.
func (t *Thread) Getc() (uintptr, error) {
	k := t.k
	if k.opts.Input == nil {
		return 0, linuxerr.EAGAIN
	}
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	var b [1]byte
	if _, err := io.ReadFull(k.opts.Input, b[:]); err != nil {
		return 0, linuxerr.EAGAIN
	}
	return uintptr(b[0]), nil
}
