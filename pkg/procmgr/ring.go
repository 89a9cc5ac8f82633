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

package procmgr

import (
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/libchcore"
)

// ring is the recycler's view of the exit message ring it registered.
type ring struct {
	addr     hostarch.Addr
	capacity uint64
}

// newRing maps a ring of capacity messages into the caller's process and
// initializes its header.
func newRing(s *libchcore.Sys, capacity uint64) (*ring, error) {
	size, _ := hostarch.Addr(chcore.RingBufferSize(capacity)).RoundUp()
	pmo, err := s.CreatePMO(uint64(size), chcore.PMOData)
	if err != nil {
		return nil, err
	}
	addr, err := s.Env().VA().Alloc(uint64(size))
	if err != nil {
		s.RevokeCap(pmo, false)
		return nil, err
	}
	if _, err := s.MapPMO(chcore.CapGroupObjID, pmo, addr, chcore.VMRRead|chcore.VMRWrite, uint64(size)); err != nil {
		s.Env().VA().Free(addr, uint64(size))
		s.RevokeCap(pmo, false)
		return nil, err
	}
	r := &ring{addr: addr, capacity: capacity}
	if err := r.store(s, chcore.RingCapacityOffset, capacity); err != nil {
		return nil, err
	}
	if err := r.store(s, chcore.RingMsgSizeOffset, chcore.SizeofRecycleMsg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ring) load(s *libchcore.Sys, off hostarch.Addr) (uint64, error) {
	var b [8]byte
	if err := s.Load(r.addr+off, b[:]); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(b[:]), nil
}

func (r *ring) store(s *libchcore.Sys, off hostarch.Addr, v uint64) error {
	var b [8]byte
	hostarch.ByteOrder.PutUint64(b[:], v)
	return s.Store(r.addr+off, b[:])
}

// drain returns the unread messages and marks them read.
func (r *ring) drain(s *libchcore.Sys) ([]chcore.RecycleMsg, error) {
	consumer, err := r.load(s, chcore.RingConsumerOffset)
	if err != nil {
		return nil, err
	}
	producer, err := r.load(s, chcore.RingProducerOffset)
	if err != nil {
		return nil, err
	}
	if producer == consumer {
		return nil, nil
	}
	msgs := make([]chcore.RecycleMsg, 0, producer-consumer)
	buf := make([]byte, chcore.SizeofRecycleMsg)
	for i := consumer; i < producer; i++ {
		slot := r.addr + chcore.SizeofRingHeader + hostarch.Addr((i%r.capacity)*chcore.SizeofRecycleMsg)
		if err := s.Load(slot, buf); err != nil {
			return nil, err
		}
		var m chcore.RecycleMsg
		m.UnmarshalBytes(buf)
		msgs = append(msgs, m)
	}
	if err := r.store(s, chcore.RingConsumerOffset, producer); err != nil {
		return nil, err
	}
	return msgs, nil
}
