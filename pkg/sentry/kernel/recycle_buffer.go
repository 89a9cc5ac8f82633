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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/mm"
)

// recycleChannel carries exit messages to the user-level recycler. Messages
// go into a ring in the recycler's memory; those that do not fit wait in
// overflow.
type recycleChannel struct {
	// mu protects overflow and serializes ring updates.
	mu sync.Mutex

	// notif holds a reference on the recycler's notification.
	notif *Object

	vs   *mm.VMSpace
	ring hostarch.Addr

	overflow []chcore.RecycleMsg
}

// readRingHeader reads the ring header at addr.
func readRingHeader(vs *mm.VMSpace, addr hostarch.Addr) (chcore.RingHeader, error) {
	var buf [chcore.SizeofRingHeader]byte
	if err := vs.CopyIn(addr, buf[:]); err != nil {
		return chcore.RingHeader{}, err
	}
	return chcore.RingHeader{
		Consumer: hostarch.ByteOrder.Uint64(buf[chcore.RingConsumerOffset:]),
		Producer: hostarch.ByteOrder.Uint64(buf[chcore.RingProducerOffset:]),
		Capacity: hostarch.ByteOrder.Uint64(buf[chcore.RingCapacityOffset:]),
		MsgSize:  hostarch.ByteOrder.Uint64(buf[chcore.RingMsgSizeOffset:]),
	}, nil
}

// put appends m to the ring. It returns false if the ring is full.
//
// Preconditions: rc.mu is locked.
func (rc *recycleChannel) put(m chcore.RecycleMsg) (bool, error) {
	h, err := readRingHeader(rc.vs, rc.ring)
	if err != nil {
		return false, err
	}
	if h.Producer-h.Consumer >= h.Capacity {
		return false, nil
	}
	slot := rc.ring + chcore.SizeofRingHeader + hostarch.Addr((h.Producer%h.Capacity)*chcore.SizeofRecycleMsg)
	var buf [chcore.SizeofRecycleMsg]byte
	m.MarshalBytes(buf[:])
	if err := rc.vs.CopyOut(slot, buf[:]); err != nil {
		return false, err
	}
	var p [8]byte
	hostarch.ByteOrder.PutUint64(p[:], h.Producer+1)
	if err := rc.vs.CopyOut(rc.ring+chcore.RingProducerOffset, p[:]); err != nil {
		return false, err
	}
	return true, nil
}

// drainLocked moves overflowed messages into the ring while there is room.
// It returns the number moved.
//
// Preconditions: rc.mu is locked.
func (rc *recycleChannel) drainLocked() int {
	n := 0
	for len(rc.overflow) > 0 {
		ok, err := rc.put(rc.overflow[0])
		if err != nil {
			log.Warningf("Recycle ring unreachable: %v", err)
			break
		}
		if !ok {
			break
		}
		rc.overflow = rc.overflow[1:]
		n++
	}
	return n
}

// RegisterRecycle makes the caller the recycler. Exit messages are written
// to the ring at ring and announced on the notification behind notifCap.
func (t *Thread) RegisterRecycle(notifCap chcore.Cap, ring hostarch.Addr) error {
	obj, err := t.cg.lookup(notifCap, TypeNotification)
	if err != nil {
		return err
	}
	h, err := readRingHeader(t.vs, ring)
	if err != nil || h.Capacity == 0 || h.MsgSize != chcore.SizeofRecycleMsg {
		obj.DecRef()
		return linuxerr.EINVAL
	}
	if end, ok := ring.AddLength(chcore.RingBufferSize(h.Capacity)); !ok || end > chcore.UserSpaceEnd {
		obj.DecRef()
		return linuxerr.EINVAL
	}

	k := t.k
	k.recycleMu.Lock()
	defer k.recycleMu.Unlock()
	if k.recycler != nil {
		obj.DecRef()
		return linuxerr.EEXIST
	}
	k.recycler = &recycleChannel{notif: obj, vs: t.vs, ring: ring}
	log.Infof("%v registered as recycler, ring capacity %d", t, h.Capacity)
	return nil
}

// notifyRecycler tells the recycler that the process with badge b exited.
func (k *Kernel) notifyRecycler(b chcore.Badge, code int32) {
	k.recycleMu.Lock()
	rc := k.recycler
	k.recycleMu.Unlock()
	if rc == nil {
		log.Warningf("No recycler for exiting process badge %#x", b)
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	// Older messages go first.
	rc.drainLocked()
	m := chcore.RecycleMsg{Badge: b, ExitCode: code}
	if len(rc.overflow) > 0 {
		rc.overflow = append(rc.overflow, m)
	} else if ok, err := rc.put(m); err != nil || !ok {
		rc.overflow = append(rc.overflow, m)
	}
	if err := rc.notif.Notification().signal(k); err != nil {
		log.Warningf("Recycler notification: %v", err)
	}
}

// drainRecycleOverflow moves overflowed exit messages into the ring, and
// signals the recycler if any were moved.
func (k *Kernel) drainRecycleOverflow() {
	k.recycleMu.Lock()
	rc := k.recycler
	k.recycleMu.Unlock()
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.drainLocked() > 0 {
		rc.notif.Notification().signal(k)
	}
}

// PendingRecycleMessages returns the number of exit messages waiting for
// room in the ring.
func (k *Kernel) PendingRecycleMessages() int {
	k.recycleMu.Lock()
	rc := k.recycler
	k.recycleMu.Unlock()
	if rc == nil {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.overflow)
}
