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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

const ringAddr hostarch.Addr = 0x40_0000

// recycler is a process registered to receive exit messages.
type recycler struct {
	cg    *CapGroup
	th    *Thread
	notif chcore.Cap
}

func newRecycler(t *testing.T, k *Kernel, capacity uint64) *recycler {
	t.Helper()
	r := &recycler{}
	r.cg, r.th = newProc(t, k)
	mapAnon(t, k, r.cg, ringAddr, hostarch.PageSize)
	putUint64(t, r.th, ringAddr+chcore.RingCapacityOffset, capacity)
	putUint64(t, r.th, ringAddr+chcore.RingMsgSizeOffset, chcore.SizeofRecycleMsg)
	var err error
	if r.notif, err = r.th.CreateNotification(); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if err := r.th.RegisterRecycle(r.notif, ringAddr); err != nil {
		t.Fatalf("RegisterRecycle failed: %v", err)
	}
	return r
}

// messages returns the unconsumed messages in the ring.
func (r *recycler) messages(t *testing.T) []chcore.RecycleMsg {
	t.Helper()
	h, err := readRingHeader(r.cg.vmspace, ringAddr)
	if err != nil {
		t.Fatalf("readRingHeader failed: %v", err)
	}
	var msgs []chcore.RecycleMsg
	for i := h.Consumer; i < h.Producer; i++ {
		buf := make([]byte, chcore.SizeofRecycleMsg)
		slot := ringAddr + chcore.SizeofRingHeader + hostarch.Addr((i%h.Capacity)*chcore.SizeofRecycleMsg)
		if err := r.th.CopyIn(slot, buf); err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}
		var m chcore.RecycleMsg
		m.UnmarshalBytes(buf)
		msgs = append(msgs, m)
	}
	return msgs
}

// consume marks every message in the ring as read.
func (r *recycler) consume(t *testing.T) {
	t.Helper()
	producer := getUint64(t, r.th, ringAddr+chcore.RingProducerOffset)
	putUint64(t, r.th, ringAddr+chcore.RingConsumerOffset, producer)
}

func (r *recycler) signals(t *testing.T) uint32 {
	t.Helper()
	obj, err := r.cg.lookup(r.notif, TypeNotification)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer obj.DecRef()
	return obj.Notification().Count()
}

func TestRegisterRecycle(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	cg, th := newProc(t, k)
	mapAnon(t, k, cg, ringAddr, hostarch.PageSize)
	n, err := th.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	putUint64(t, th, ringAddr+chcore.RingMsgSizeOffset, chcore.SizeofRecycleMsg)
	if err := th.RegisterRecycle(n, ringAddr); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ring without capacity = %v, want EINVAL", err)
	}
	putUint64(t, th, ringAddr+chcore.RingCapacityOffset, 8)
	putUint64(t, th, ringAddr+chcore.RingMsgSizeOffset, 8)
	if err := th.RegisterRecycle(n, ringAddr); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ring with the wrong message size = %v, want EINVAL", err)
	}
	putUint64(t, th, ringAddr+chcore.RingMsgSizeOffset, chcore.SizeofRecycleMsg)
	if err := th.RegisterRecycle(n, 0x9000_0000); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("unmapped ring = %v, want EINVAL", err)
	}
	if err := th.RegisterRecycle(chcore.VMSpaceObjID, ringAddr); err != kernerr.ECAPBILITY {
		t.Errorf("ring with a bad notification = %v, want ECAPBILITY", err)
	}
	if err := th.RegisterRecycle(n, ringAddr); err != nil {
		t.Fatalf("RegisterRecycle failed: %v", err)
	}
	if err := th.RegisterRecycle(n, ringAddr); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second RegisterRecycle = %v, want EEXIST", err)
	}
}

func TestExitGroupNotifiesOnce(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	r := newRecycler(t, k, 4)
	v, v1 := newProc(t, k)
	v2 := newThreadIn(t, k, v, chcore.ThreadUser)

	if _, err := v1.ExitGroup(3); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	if _, err := v2.ExitGroup(4); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	want := []chcore.RecycleMsg{{Badge: v.Badge(), ExitCode: 3}}
	if diff := cmp.Diff(want, r.messages(t)); diff != "" {
		t.Errorf("ring mismatch (-want +got):\n%s", diff)
	}
	if got := r.signals(t); got != 1 {
		t.Errorf("recycler signaled %d times, want 1", got)
	}
	for _, th := range v.Threads() {
		if th.ExitState() != TEExiting {
			t.Errorf("%v is %v, want exiting", th, th.ExitState())
		}
	}
	// No thread joins an exiting process.
	if _, err := v1.CreateThread(chcore.CapGroupObjID, 0, 0, 0, defaultPrio, chcore.ThreadUser); !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("CreateThread in an exiting process = %v, want ESRCH", err)
	}
	if got := len(v.Threads()); got != 2 {
		t.Errorf("exiting process has %d threads, want 2", got)
	}
}

func TestRecycleOverflow(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	r := newRecycler(t, k, 1)
	var victims []*CapGroup
	var caps []chcore.Cap
	for i := 0; i < 3; i++ {
		v, th := newProc(t, k)
		victims = append(victims, v)
		caps = append(caps, grant(t, v, r.cg))
		if i < 2 {
			if _, err := th.ExitGroup(int32(i)); err != nil {
				t.Fatalf("ExitGroup failed: %v", err)
			}
		}
	}
	if diff := cmp.Diff([]chcore.RecycleMsg{{Badge: victims[0].Badge(), ExitCode: 0}}, r.messages(t)); diff != "" {
		t.Errorf("ring mismatch (-want +got):\n%s", diff)
	}
	if got := k.PendingRecycleMessages(); got != 1 {
		t.Errorf("%d messages pending, want 1", got)
	}
	if got := r.signals(t); got != 2 {
		t.Errorf("recycler signaled %d times, want 2", got)
	}

	// Older messages are queued ahead of newer ones once there is room.
	r.consume(t)
	if _, err := victims[2].Threads()[0].ExitGroup(2); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	if diff := cmp.Diff([]chcore.RecycleMsg{{Badge: victims[1].Badge(), ExitCode: 1}}, r.messages(t)); diff != "" {
		t.Errorf("ring mismatch (-want +got):\n%s", diff)
	}

	// Recycling drains the backlog.
	r.consume(t)
	if err := r.th.CapGroupRecycle(caps[0]); err != nil {
		t.Fatalf("CapGroupRecycle failed: %v", err)
	}
	if diff := cmp.Diff([]chcore.RecycleMsg{{Badge: victims[2].Badge(), ExitCode: 2}}, r.messages(t)); diff != "" {
		t.Errorf("ring mismatch (-want +got):\n%s", diff)
	}
	if got := k.PendingRecycleMessages(); got != 0 {
		t.Errorf("%d messages pending after drain, want 0", got)
	}
}

func TestCapGroupRecycle(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	r := newRecycler(t, k, 4)
	free := k.mem.FreeBytes()
	threads := k.NumThreads()

	v, v1 := newProc(t, k)
	v2 := newThreadIn(t, k, v, chcore.ThreadUser)
	vc := grant(t, v, r.cg)
	mapAnon(t, k, v, bufAddr, 2*hostarch.PageSize)
	if err := v1.CopyOut(bufAddr, make([]byte, 2*hostarch.PageSize)); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if _, err := v1.CreatePMO(4*hostarch.PageSize, chcore.PMOData); err != nil {
		t.Fatalf("CreatePMO failed: %v", err)
	}
	const heap hostarch.Addr = 0x100_0000
	if _, err := v1.HandleBrk(0, heap); err != nil {
		t.Fatalf("HandleBrk failed: %v", err)
	}
	if _, err := v1.HandleBrk(heap+hostarch.PageSize, heap); err != nil {
		t.Fatalf("HandleBrk failed: %v", err)
	}
	if err := v1.CopyOut(heap, []byte("heap")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	n, err := v1.CreateNotification()
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	nobj, err := v.lookup(n, TypeNotification)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	defer nobj.DecRef()
	if k.mem.FreeBytes() == free {
		t.Fatalf("victim allocated no memory")
	}

	if err := r.th.CapGroupRecycle(chcore.CapGroupObjID); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("recycling oneself = %v, want EINVAL", err)
	}
	if _, err := v1.ExitGroup(0); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}

	// A thread still on its way out holds the process up.
	v2.setState(TSRunning)
	if err := r.th.CapGroupRecycle(vc); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("recycle with a running thread = %v, want EAGAIN", err)
	}
	v2.markExited()
	if err := r.th.CapGroupRecycle(vc); err != nil {
		t.Fatalf("CapGroupRecycle failed: %v", err)
	}

	if got := k.mem.FreeBytes(); got != free {
		t.Errorf("free memory = %d after recycle, want %d", got, free)
	}
	if got := k.NumThreads(); got != threads {
		t.Errorf("%d threads after recycle, want %d", got, threads)
	}
	if got := v.Object().ReadRefs(); got != 0 {
		t.Errorf("recycled process has %d references", got)
	}
	if _, err := r.cg.lookup(vc, TypeAny); err != kernerr.ECAPBILITY {
		t.Errorf("recycler's capability survived: %v", err)
	}
	if err := nobj.Notification().signal(k); err != kernerr.ECAPBILITY {
		t.Errorf("victim's notification still usable: %v", err)
	}
}

func TestRecycleClientWithConnection(t *testing.T) {
	f := newIPCFixture(t, nil)
	r := newRecycler(t, f.k, 4)
	conn, c := f.connect(t, f.ct, clientShm, serverShm)
	cc := grant(t, f.client, r.cg)
	other := newThreadIn(t, f.k, f.client, chcore.ThreadUser)

	writeMsg(t, f.ct, clientShm, nil, nil)
	if _, err := f.ct.IPCCall(conn, clientShm, 0); err != nil {
		t.Fatalf("IPCCall failed: %v", err)
	}
	if _, err := other.ExitGroup(1); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	if err := r.th.CapGroupRecycle(cc); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("recycle during a call = %v, want EAGAIN", err)
	}
	if _, err := f.handler.IPCReturn(0, 0); err != nil {
		t.Fatalf("IPCReturn failed: %v", err)
	}

	before := f.server.NumCaps()
	if err := r.th.CapGroupRecycle(cc); err != nil {
		t.Fatalf("CapGroupRecycle failed: %v", err)
	}
	if got := before - f.server.NumCaps(); got != 2 {
		t.Errorf("server lost %d caps, want its connection and shared memory", got)
	}
	if _, _, _, ok := f.server.vmspace.Mapped(serverShm); ok {
		t.Errorf("shared memory still mapped in the server")
	}
	regs := f.handler.Registers()
	want := [4]uintptr{uintptr(destructor), uintptr(f.client.badge), uintptr(serverShm), shmSize}
	if regs.Entry != exitRoutine || regs.Args != want {
		t.Errorf("handler armed at %#x with %#x, want %#x with %#x", regs.Entry, regs.Args, exitRoutine, want)
	}
	if !f.rs.wasEnqueued(f.handler) {
		t.Errorf("handler not scheduled to run its exit routine")
	}
	if c.State() != ConnInvalid {
		t.Errorf("connection is %v after its client was recycled", c.State())
	}
}

func TestRecycleServer(t *testing.T) {
	f := newIPCFixture(t, nil)
	r := newRecycler(t, f.k, 4)
	conn, _ := f.connect(t, f.ct, clientShm, serverShm)
	sc := grant(t, f.server, r.cg)
	serverCap, err := copyCap(f.server, f.client, f.st.Cap())
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}

	if _, err := f.st.ExitGroup(0); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	if err := r.th.CapGroupRecycle(sc); err != nil {
		t.Fatalf("CapGroupRecycle failed: %v", err)
	}
	if _, err := f.ct.IPCCall(conn, clientShm, 0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("call to a recycled server = %v, want EINVAL", err)
	}
	if _, err := f.ct.RegisterClient(serverCap, bufAddr); err != kernerr.ECAPBILITY {
		t.Errorf("registration with a recycled server = %v, want ECAPBILITY", err)
	}
	before := f.client.NumCaps()
	if err := f.ct.CloseConnection(conn); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}
	if got := before - f.client.NumCaps(); got != 2 {
		t.Errorf("client lost %d caps, want its connection and shared memory", got)
	}
	if f.rs.wasEnqueued(f.handler) {
		t.Errorf("recycled handler scheduled")
	}
}

func TestRecycleWaitsForRegistration(t *testing.T) {
	f := newIPCFixture(t, nil)
	r := newRecycler(t, f.k, 4)
	sc := grant(t, f.server, r.cg)
	serverCap, err := copyCap(f.server, f.client, f.st.Cap())
	if err != nil {
		t.Fatalf("copyCap failed: %v", err)
	}
	shm, err := f.ct.CreatePMO(shmSize, chcore.PMOShm)
	if err != nil {
		t.Fatalf("CreatePMO failed: %v", err)
	}
	cfg := chcore.ShmConfig{ShmCap: shm, ShmAddr: uint64(clientShm)}
	buf := make([]byte, chcore.SizeofShmConfig)
	cfg.MarshalBytes(buf)
	if err := f.ct.CopyOut(bufAddr, buf); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if _, err := f.ct.RegisterClient(serverCap, bufAddr); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	if _, err := f.st.ExitGroup(0); err != nil {
		t.Fatalf("ExitGroup failed: %v", err)
	}
	if err := r.th.CapGroupRecycle(sc); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("recycle during a registration = %v, want EAGAIN", err)
	}
	if _, err := f.reg.RegisterCBReturn(f.handler.Cap(), exitRoutine, serverShm); err != nil {
		t.Fatalf("RegisterCBReturn failed: %v", err)
	}
	if err := r.th.CapGroupRecycle(sc); err != nil {
		t.Errorf("recycle after the registration finished: %v", err)
	}
}
