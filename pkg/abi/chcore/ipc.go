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

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// IPCMsgHeader is the header of an IPC message placed in connection shared
// memory. DataOffset and CapSlotsOffset are relative to the header.
type IPCMsgHeader struct {
	DataLen        uint32
	CapSlotNumber  uint32
	DataOffset     uint32
	CapSlotsOffset uint32
}

// SizeofIPCMsgHeader is the size of IPCMsgHeader.
const SizeofIPCMsgHeader = 16

// SizeBytes returns the encoded size of h.
func (h *IPCMsgHeader) SizeBytes() int { return SizeofIPCMsgHeader }

// MarshalBytes encodes h into dst.
func (h *IPCMsgHeader) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[0:], h.DataLen)
	hostarch.ByteOrder.PutUint32(dst[4:], h.CapSlotNumber)
	hostarch.ByteOrder.PutUint32(dst[8:], h.DataOffset)
	hostarch.ByteOrder.PutUint32(dst[12:], h.CapSlotsOffset)
	return dst[SizeofIPCMsgHeader:]
}

// UnmarshalBytes decodes h from src.
func (h *IPCMsgHeader) UnmarshalBytes(src []byte) []byte {
	h.DataLen = hostarch.ByteOrder.Uint32(src[0:])
	h.CapSlotNumber = hostarch.ByteOrder.Uint32(src[4:])
	h.DataOffset = hostarch.ByteOrder.Uint32(src[8:])
	h.CapSlotsOffset = hostarch.ByteOrder.Uint32(src[12:])
	return src[SizeofIPCMsgHeader:]
}

// SizeofCap is the size of a capability slot in an IPC message.
const SizeofCap = 4

// ShmConfig is passed by a client to register_client. It names the shared
// memory PMO and where the client wants it mapped.
type ShmConfig struct {
	ShmCap  Cap
	_       uint32
	ShmAddr uint64
}

// SizeofShmConfig is the size of ShmConfig.
const SizeofShmConfig = 16

// MarshalBytes encodes c into dst.
func (c *ShmConfig) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[0:], uint32(c.ShmCap))
	hostarch.ByteOrder.PutUint32(dst[4:], 0)
	hostarch.ByteOrder.PutUint64(dst[8:], c.ShmAddr)
	return dst[SizeofShmConfig:]
}

// UnmarshalBytes decodes c from src.
func (c *ShmConfig) UnmarshalBytes(src []byte) []byte {
	c.ShmCap = Cap(hostarch.ByteOrder.Uint32(src[0:]))
	c.ShmAddr = hostarch.ByteOrder.Uint64(src[8:])
	return src[SizeofShmConfig:]
}

// CapGroupArgs is the argument block of create_cap_group. The kernel writes
// the badge it assigns to BadgeOut if it is non-zero.
type CapGroupArgs struct {
	PID       uint64
	HeapLimit uint64
	BadgeOut  uint64
	UUID      [16]byte
}

// SizeofCapGroupArgs is the size of CapGroupArgs.
const SizeofCapGroupArgs = 40

// MarshalBytes encodes a into dst.
func (a *CapGroupArgs) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:], a.PID)
	hostarch.ByteOrder.PutUint64(dst[8:], a.HeapLimit)
	hostarch.ByteOrder.PutUint64(dst[16:], a.BadgeOut)
	copy(dst[24:40], a.UUID[:])
	return dst[SizeofCapGroupArgs:]
}

// UnmarshalBytes decodes a from src.
func (a *CapGroupArgs) UnmarshalBytes(src []byte) []byte {
	a.PID = hostarch.ByteOrder.Uint64(src[0:])
	a.HeapLimit = hostarch.ByteOrder.Uint64(src[8:])
	a.BadgeOut = hostarch.ByteOrder.Uint64(src[16:])
	copy(a.UUID[:], src[24:40])
	return src[SizeofCapGroupArgs:]
}

// RecycleMsg reports an exited process to the user-level recycler.
type RecycleMsg struct {
	Badge    Badge
	ExitCode int32
	_        int32
}

// SizeofRecycleMsg is the size of RecycleMsg.
const SizeofRecycleMsg = 16

// MarshalBytes encodes m into dst.
func (m *RecycleMsg) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[0:], uint64(m.Badge))
	hostarch.ByteOrder.PutUint32(dst[8:], uint32(m.ExitCode))
	hostarch.ByteOrder.PutUint32(dst[12:], 0)
	return dst[SizeofRecycleMsg:]
}

// UnmarshalBytes decodes m from src.
func (m *RecycleMsg) UnmarshalBytes(src []byte) []byte {
	m.Badge = Badge(hostarch.ByteOrder.Uint64(src[0:]))
	m.ExitCode = int32(hostarch.ByteOrder.Uint32(src[8:]))
	return src[SizeofRecycleMsg:]
}

// RingHeader heads the recycle message ring in the recycler's memory.
// Consumer and Producer are free-running message counters; the ring is full
// when Producer-Consumer == Capacity. Slot i lives at
// SizeofRingHeader + (i%Capacity)*MsgSize.
type RingHeader struct {
	Consumer uint64
	Producer uint64
	Capacity uint64
	MsgSize  uint64
}

// Offsets of RingHeader fields, for 8-byte atomic accesses.
const (
	RingConsumerOffset = 0
	RingProducerOffset = 8
	RingCapacityOffset = 16
	RingMsgSizeOffset  = 24
	SizeofRingHeader   = 32
)

// RingBufferSize returns the number of bytes needed for a ring of n messages.
func RingBufferSize(n uint64) uint64 {
	return SizeofRingHeader + n*SizeofRecycleMsg
}
