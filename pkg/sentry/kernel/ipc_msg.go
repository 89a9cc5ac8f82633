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
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/mm"
)

// rangeInShm returns true if [addr, addr+n) lies in the shared memory window
// [start, start+size). Every sum is checked for overflow.
func rangeInShm(start hostarch.Addr, size uint64, addr hostarch.Addr, n uint64) bool {
	shmEnd, ok := start.AddLength(size)
	if !ok {
		return false
	}
	end, ok := addr.AddLength(n)
	if !ok {
		return false
	}
	return addr >= start && end <= shmEnd
}

// readMsg checks that the message at msg, its data and capNum capability
// slots lie in the shared memory window, and returns its header.
func readMsg(vs *mm.VMSpace, start hostarch.Addr, size uint64, msg hostarch.Addr, capNum uint64) (chcore.IPCMsgHeader, error) {
	var hdr chcore.IPCMsgHeader
	if capNum >= chcore.MaxCapTransfer {
		return hdr, linuxerr.EINVAL
	}
	if !rangeInShm(start, size, msg, chcore.SizeofIPCMsgHeader) {
		return hdr, linuxerr.EINVAL
	}
	var buf [chcore.SizeofIPCMsgHeader]byte
	if err := vs.CopyIn(msg, buf[:]); err != nil {
		return hdr, linuxerr.EINVAL
	}
	hdr.UnmarshalBytes(buf[:])
	data, ok := msg.AddLength(uint64(hdr.DataOffset))
	if !ok || !rangeInShm(start, size, data, uint64(hdr.DataLen)) {
		return hdr, linuxerr.EINVAL
	}
	if capNum == 0 {
		return hdr, nil
	}
	caps, ok := msg.AddLength(uint64(hdr.CapSlotsOffset))
	if !ok || !rangeInShm(start, size, caps, capNum*chcore.SizeofCap) {
		return hdr, linuxerr.EINVAL
	}
	return hdr, nil
}

// sendCaps copies the capNum capabilities listed in the message at msg from
// src to dst and rewrites the list in place with the new slots. On failure
// the capabilities already copied are freed and the message is unchanged.
func sendCaps(src *CapGroup, vs *mm.VMSpace, msg hostarch.Addr, hdr chcore.IPCMsgHeader, capNum uint64, dst *CapGroup) error {
	caps := msg + hostarch.Addr(hdr.CapSlotsOffset)
	buf := make([]byte, capNum*chcore.SizeofCap)
	if err := vs.CopyIn(caps, buf); err != nil {
		return linuxerr.EINVAL
	}

	copied := make([]chcore.Cap, 0, capNum)
	cu := cleanup.Make(func() {
		for _, c := range copied {
			dst.freeCap(c)
		}
	})
	defer cu.Clean()

	for i := uint64(0); i < capNum; i++ {
		c := chcore.Cap(int32(hostarch.ByteOrder.Uint32(buf[i*chcore.SizeofCap:])))
		nc, err := copyCap(src, dst, c)
		if err != nil {
			return err
		}
		copied = append(copied, nc)
	}
	for i, c := range copied {
		hostarch.ByteOrder.PutUint32(buf[i*chcore.SizeofCap:], uint32(c))
	}
	if err := vs.CopyOut(caps, buf); err != nil {
		return linuxerr.EINVAL
	}
	cu.Release()
	return nil
}
