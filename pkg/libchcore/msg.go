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

package libchcore

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// Messages are laid out at the start of the shared memory: the header, room
// for the largest capability list, then data.
const (
	msgCapsOffset = chcore.SizeofIPCMsgHeader
	msgDataOffset = msgCapsOffset + chcore.MaxCapTransfer*chcore.SizeofCap

	// MaxCaps is the largest number of capabilities one message carries.
	MaxCaps = chcore.MaxCapTransfer - 1
)

// Message is the payload of a call or reply.
type Message struct {
	Data []byte
	Caps []chcore.Cap
}

// MaxData returns the largest payload that fits shared memory of size bytes.
func MaxData(size uint64) int {
	if size < msgDataOffset {
		return 0
	}
	return int(size - msgDataOffset)
}

// writeMessage stores m at the start of the size bytes of shared memory at
// base.
func (s *Sys) writeMessage(base hostarch.Addr, size uint64, m Message) error {
	if len(m.Data) > MaxData(size) || len(m.Caps) > MaxCaps {
		return linuxerr.EINVAL
	}
	buf := make([]byte, msgDataOffset+len(m.Data))
	hdr := chcore.IPCMsgHeader{
		DataLen:        uint32(len(m.Data)),
		CapSlotNumber:  uint32(len(m.Caps)),
		DataOffset:     msgDataOffset,
		CapSlotsOffset: msgCapsOffset,
	}
	hdr.MarshalBytes(buf)
	for i, c := range m.Caps {
		hostarch.ByteOrder.PutUint32(buf[msgCapsOffset+i*chcore.SizeofCap:], uint32(c))
	}
	copy(buf[msgDataOffset:], m.Data)
	return s.Store(base, buf)
}

// readMessage loads the message at msg, which must lie in the size bytes of
// shared memory at base. The peer controls the header, so every offset is
// checked against the window.
func (s *Sys) readMessage(base hostarch.Addr, size uint64, msg hostarch.Addr) (Message, error) {
	var m Message
	end := uint64(base) + size
	if msg < base || uint64(msg)+chcore.SizeofIPCMsgHeader > end {
		return m, linuxerr.EINVAL
	}
	var hb [chcore.SizeofIPCMsgHeader]byte
	if err := s.Load(msg, hb[:]); err != nil {
		return m, err
	}
	var hdr chcore.IPCMsgHeader
	hdr.UnmarshalBytes(hb[:])

	if hdr.CapSlotNumber > MaxCaps {
		return m, linuxerr.EINVAL
	}
	if n := hdr.CapSlotNumber; n > 0 {
		caps := uint64(msg) + uint64(hdr.CapSlotsOffset)
		if caps+uint64(n)*chcore.SizeofCap > end {
			return m, linuxerr.EINVAL
		}
		buf := make([]byte, n*chcore.SizeofCap)
		if err := s.Load(hostarch.Addr(caps), buf); err != nil {
			return m, err
		}
		m.Caps = make([]chcore.Cap, n)
		for i := range m.Caps {
			m.Caps[i] = chcore.Cap(int32(hostarch.ByteOrder.Uint32(buf[i*chcore.SizeofCap:])))
		}
	}
	data := uint64(msg) + uint64(hdr.DataOffset)
	if data+uint64(hdr.DataLen) > end {
		return m, linuxerr.EINVAL
	}
	m.Data = make([]byte, hdr.DataLen)
	if err := s.Load(hostarch.Addr(data), m.Data); err != nil {
		return m, err
	}
	return m, nil
}
