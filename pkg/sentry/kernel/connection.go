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
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
	"gvisor.dev/chcore/pkg/trylock"
)

// ipcConfig is the IPC role of a thread. Exactly one field is set.
type ipcConfig struct {
	server     *serverConfig
	registerCB *registerCBConfig
	handler    *handlerConfig
}

// serverConfig is the role of a thread that accepts connections.
type serverConfig struct {
	// declaredEntry is the routine new handler threads run. It is passed
	// to the register callback.
	declaredEntry hostarch.Addr

	// registerCB runs the registration callback for new clients.
	registerCB *Thread
}

// registerCBConfig is the role of a server's register callback thread.
type registerCBConfig struct {
	// lock serializes registrations. It is taken by register_client and
	// released by register_cb_return on another thread.
	lock trylock.Lock

	entry      hostarch.Addr
	stack      hostarch.Addr
	destructor hostarch.Addr

	// The fields below describe the registration in progress. Protected by
	// lock.
	connCapInClient chcore.Cap
	connCapInServer chcore.Cap
	shmCapInServer  chcore.Cap
}

// handlerConfig is the role of a thread serving calls on connections.
type handlerConfig struct {
	// lock is held while the handler serves a call or runs its exit
	// routine.
	lock trylock.Lock

	entry       hostarch.Addr
	stack       hostarch.Addr
	exitRoutine hostarch.Addr
	destructor  hostarch.Addr

	// activeConn is the connection being served. Protected by lock.
	activeConn *Connection
}

// ConnState is the state of a connection.
type ConnState uint32

// Connection states.
const (
	ConnInvalid ConnState = iota
	ConnValid
)

func (s ConnState) String() string {
	switch s {
	case ConnInvalid:
		return "invalid"
	case ConnValid:
		return "valid"
	default:
		return fmt.Sprintf("conn_state(%d)", uint32(s))
	}
}

// shmInfo describes the memory shared by the ends of a connection.
type shmInfo struct {
	clientAddr  hostarch.Addr
	serverAddr  hostarch.Addr
	size        uint64
	capInClient chcore.Cap
	capInServer chcore.Cap
}

// Connection is one client's channel to a server handler.
type Connection struct {
	obj *Object

	// state is a ConnState.
	state atomicbitops.Uint32

	// ownership is held by the client for the duration of a call, and
	// forever by whoever stops the connection.
	ownership trylock.Lock

	// stopped is set while ownership is held by whoever stopped the
	// connection rather than by a call.
	stopped atomicbitops.Bool

	// clientBadge and clientPID are immutable.
	clientBadge chcore.Badge
	clientPID   uint64

	// The fields below are protected by ownership, except during
	// registration when they are protected by the register lock.
	currentClient   *Thread
	handler         *Thread
	shm             shmInfo
	userIPCMsg      hostarch.Addr
	connCapInClient chcore.Cap
	connCapInServer chcore.Cap
}

// State returns the connection state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) setState(s ConnState) { c.state.Store(uint32(s)) }

// CurrentClient returns the client thread of the call in progress, or nil.
func (c *Connection) CurrentClient() *Thread { return c.currentClient }

// ClientBadge returns the badge of the client process.
func (c *Connection) ClientBadge() chcore.Badge { return c.clientBadge }

func (c *Connection) deinit() {}

// handlerConfigOf returns t's handler role, or nil.
func handlerConfigOf(t *Thread) *handlerConfig {
	if cfg := t.ipc.Load(); cfg != nil {
		return cfg.handler
	}
	return nil
}

// RegisterServer makes t a server. New clients are registered by the thread
// behind cbCap, which must be a register thread, and served by handler
// threads running the routine at entry.
func (t *Thread) RegisterServer(entry hostarch.Addr, cbCap chcore.Cap, destructor hostarch.Addr) error {
	if t.ipc.Load() != nil {
		return linuxerr.EEXIST
	}
	obj, err := t.cg.lookup(cbCap, TypeThread)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	cb := obj.Thread()
	if cb.typ != chcore.ThreadRegister {
		return linuxerr.EINVAL
	}

	rcfg := &registerCBConfig{
		entry:      cb.regs.Entry,
		stack:      cb.regs.Stack,
		destructor: destructor,
	}
	if !cb.ipc.CompareAndSwap(nil, &ipcConfig{registerCB: rcfg}) {
		return linuxerr.EEXIST
	}
	scfg := &ipcConfig{server: &serverConfig{declaredEntry: entry, registerCB: cb}}
	if !t.ipc.CompareAndSwap(nil, scfg) {
		cb.ipc.Store(nil)
		return linuxerr.EEXIST
	}
	log.Infof("%v registered as server, entry %#x", t, entry)
	return nil
}

// RegisterClient connects t to the server behind serverCap, sharing the
// memory described by the ShmConfig at cfgAddr. The call hands the CPU to
// the server's register callback; the connection capability is returned to
// t by RegisterCBReturn.
func (t *Thread) RegisterClient(serverCap chcore.Cap, cfgAddr hostarch.Addr) (*SyscallControl, error) {
	sobj, err := t.cg.lookup(serverCap, TypeThread)
	if err != nil {
		return nil, err
	}
	defer sobj.DecRef()
	server := sobj.Thread()

	cfg := server.ipc.Load()
	if cfg == nil {
		// The server has not finished starting.
		return nil, kernerr.EIPCRETRY
	}
	if cfg.server == nil {
		return nil, linuxerr.EINVAL
	}
	cb := cfg.server.registerCB
	rcfg := cb.ipc.Load().registerCB
	if !rcfg.lock.TryLock() {
		t.k.metrics.lockRetry("register")
		return nil, kernerr.EIPCRETRY
	}
	cu := cleanup.Make(rcfg.lock.Unlock)
	defer cu.Clean()

	var buf [chcore.SizeofShmConfig]byte
	if err := t.vs.CopyIn(cfgAddr, buf[:]); err != nil {
		return nil, linuxerr.EINVAL
	}
	var shmCfg chcore.ShmConfig
	shmCfg.UnmarshalBytes(buf[:])
	shmAddr := hostarch.Addr(shmCfg.ShmAddr)

	pobj, err := t.cg.lookup(shmCfg.ShmCap, TypePMO)
	if err != nil {
		return nil, err
	}
	size := pobj.PMO().Size()
	if err := t.vs.Map(shmAddr, size, hostarch.ReadWrite, pobj); err != nil {
		pobj.DecRef()
		return nil, err
	}
	cu.Add(func() { t.vs.Unmap(shmAddr, size) })

	conn, connCapInClient, connCapInServer, shmCapInServer, err := t.newConnection(server.cg, shmCfg.ShmCap, shmAddr, size)
	if err != nil {
		return nil, err
	}
	rcfg.connCapInClient = connCapInClient
	rcfg.connCapInServer = connCapInServer
	rcfg.shmCapInServer = shmCapInServer
	conn.currentClient = t

	t.setState(TSWaiting)
	cb.regs.reset(rcfg.entry, rcfg.stack)
	cb.regs.Args = [4]uintptr{uintptr(cfg.server.declaredEntry)}
	cb.sc = t.sc
	cu.Release()
	return switchTo(cb), nil
}

// newConnection creates an INVALID connection from t's process to
// serverCG, with capabilities to it and to the shared memory in both.
func (t *Thread) newConnection(serverCG *CapGroup, shmCap chcore.Cap, shmAddr hostarch.Addr, size uint64) (conn *Connection, inClient, inServer, shmInServer chcore.Cap, err error) {
	shmInServer, err = copyCap(t.cg, serverCG, shmCap)
	if err != nil {
		return nil, -1, -1, -1, err
	}
	cu := cleanup.Make(func() { serverCG.freeCap(shmInServer) })
	defer cu.Clean()

	conn = &Connection{
		clientBadge: t.cg.badge,
		clientPID:   t.cg.pid,
		shm: shmInfo{
			clientAddr:  shmAddr,
			size:        size,
			capInClient: shmCap,
			capInServer: shmInServer,
		},
	}
	conn.setState(ConnInvalid)
	conn.obj = t.k.allocObject(TypeConnection, conn)
	inClient, err = t.cg.allocCap(conn.obj)
	if err != nil {
		conn.obj.DecRef()
		return nil, -1, -1, -1, err
	}
	cu.Add(func() { t.cg.freeCap(inClient) })
	inServer, err = copyCap(t.cg, serverCG, inClient)
	if err != nil {
		return nil, -1, -1, -1, err
	}
	cu.Release()
	return conn, inClient, inServer, shmInServer, nil
}

// RegisterCBReturn completes the registration in progress on t, a register
// callback thread. handlerCap names the thread that will serve the
// connection, exitRoutine the routine it runs when the client dies, and
// shmAddr where the shared memory goes in the server. The client is resumed
// with its connection capability.
func (t *Thread) RegisterCBReturn(handlerCap chcore.Cap, exitRoutine, shmAddr hostarch.Addr) (*SyscallControl, error) {
	cfg := t.ipc.Load()
	if cfg == nil || cfg.registerCB == nil {
		return nil, kernerr.ECAPBILITY
	}
	rcfg := cfg.registerCB
	if !rcfg.lock.IsLocked() {
		return nil, linuxerr.EINVAL
	}

	cobj, err := t.cg.lookup(rcfg.connCapInServer, TypeConnection)
	if err != nil {
		return nil, err
	}
	defer cobj.DecRef()
	conn := cobj.Connection()

	hobj, err := t.cg.lookup(handlerCap, TypeThread)
	if err != nil {
		return nil, err
	}
	defer hobj.DecRef()
	handler := hobj.Thread()

	pobj, err := t.cg.lookup(rcfg.shmCapInServer, TypePMO)
	if err != nil {
		return nil, err
	}
	if err := t.vs.Map(shmAddr, conn.shm.size, hostarch.ReadWrite, pobj); err != nil {
		pobj.DecRef()
		return nil, err
	}

	hcfg := &handlerConfig{
		entry:       handler.regs.Entry,
		stack:       handler.regs.Stack,
		exitRoutine: exitRoutine,
		destructor:  rcfg.destructor,
	}
	if !handler.ipc.CompareAndSwap(nil, &ipcConfig{handler: hcfg}) && handlerConfigOf(handler) == nil {
		// A handler may serve several connections, but may not hold
		// another role.
		t.vs.Unmap(shmAddr, conn.shm.size)
		return nil, linuxerr.EINVAL
	}

	client := conn.currentClient
	client.regs.Ret = uintptr(rcfg.connCapInClient)
	conn.shm.serverAddr = shmAddr
	conn.handler = handler
	conn.currentClient = nil
	conn.connCapInClient = rcfg.connCapInClient
	conn.connCapInServer = rcfg.connCapInServer
	// A connection stopped by recycling during registration stays
	// invalid.
	if !conn.stopped.Load() {
		conn.setState(ConnValid)
	}

	t.setState(TSWaiting)
	t.sc = nil
	rcfg.lock.Unlock()
	log.Debugf("%v connected badge %#x to %v", t, conn.clientBadge, handler)
	return switchTo(client), nil
}

// IPCCall sends the message at msg over the connection behind connCap,
// transferring capNum capabilities, and hands the CPU and scheduling context
// to the connection's handler. t resumes when the handler replies.
func (t *Thread) IPCCall(connCap chcore.Cap, msg hostarch.Addr, capNum uint64) (*SyscallControl, error) {
	if msg == 0 || capNum >= chcore.MaxCapTransfer {
		return nil, linuxerr.EINVAL
	}
	cobj, err := t.cg.lookup(connCap, TypeConnection)
	if err != nil {
		return nil, err
	}
	conn := cobj.Connection()

	if !conn.ownership.TryLock() {
		cobj.DecRef()
		if t.ExitState() == TEExiting {
			// The call holding the connection will not return to us.
			if t.typ == chcore.ThreadShadow {
				return nil, linuxerr.ESRCH
			}
			return ctrlSched, nil
		}
		t.k.metrics.lockRetry("ownership")
		return nil, kernerr.EIPCRETRY
	}
	fail := func(err error) (*SyscallControl, error) {
		conn.ownership.Unlock()
		cobj.DecRef()
		return nil, err
	}
	if conn.State() != ConnValid {
		return fail(linuxerr.EINVAL)
	}

	handler := conn.handler
	hcfg := handlerConfigOf(handler)
	if !hcfg.lock.TryLock() {
		t.k.metrics.lockRetry("handler")
		return fail(kernerr.EIPCRETRY)
	}
	failLocked := func(err error) (*SyscallControl, error) {
		hcfg.lock.Unlock()
		return fail(err)
	}

	hdr, err := readMsg(t.vs, conn.shm.clientAddr, conn.shm.size, msg, capNum)
	if err != nil {
		return failLocked(err)
	}
	if capNum > 0 {
		if err := sendCaps(t.cg, t.vs, msg, hdr, capNum, handler.cg); err != nil {
			return failLocked(err)
		}
	}

	// The connection reference is held until the call returns.
	conn.userIPCMsg = msg
	conn.currentClient = t
	hcfg.activeConn = conn

	t.setState(TSWaiting)
	handler.sc = t.sc
	handler.regs.reset(hcfg.entry, hcfg.stack)
	handler.regs.Args = [4]uintptr{
		uintptr(msg - conn.shm.clientAddr + conn.shm.serverAddr),
		uintptr(conn.clientBadge),
	}
	if t.k.opts.TEE {
		handler.regs.Args[2] = uintptr(conn.clientPID)
		handler.regs.Args[3] = uintptr(t.cap)
	}
	t.k.metrics.ipcCall("sent")
	return switchTo(handler), nil
}

// IPCReturn replies ret to the client of the call t is serving, after
// transferring capNum capabilities from the message back to the client.
func (t *Thread) IPCReturn(ret uintptr, capNum uint64) (*SyscallControl, error) {
	hcfg := handlerConfigOf(t)
	if hcfg == nil || hcfg.activeConn == nil {
		return nil, linuxerr.EINVAL
	}
	conn := hcfg.activeConn
	client := conn.currentClient

	if t.ExitState() == TEExiting {
		// The server is going away. The client learns of it from the
		// return value.
		conn.setState(ConnInvalid)
		t.markExited()
		ret = kernerr.ToReturn(linuxerr.ESRCH)
	}

	if client.ExitState() == TEExiting {
		conn.setState(ConnInvalid)
		if client.typ != chcore.ThreadShadow {
			// Nobody is waiting for the reply. Finish the client's
			// exit and go idle.
			hcfg.activeConn = nil
			conn.currentClient = nil
			if t.ExitState() != TEExited {
				t.setState(TSWaiting)
			}
			t.sc = nil
			hcfg.lock.Unlock()
			conn.ownership.Unlock()
			client.markExited()
			conn.obj.DecRef()
			t.k.metrics.ipcCall("client_exited")
			return ctrlSched, nil
		}
	}

	if capNum != 0 {
		if conn.userIPCMsg == 0 {
			return nil, linuxerr.EINVAL
		}
		msg := conn.userIPCMsg - conn.shm.clientAddr + conn.shm.serverAddr
		hdr, err := readMsg(t.vs, conn.shm.serverAddr, conn.shm.size, msg, capNum)
		if err != nil {
			return nil, err
		}
		if err := sendCaps(t.cg, t.vs, msg, hdr, capNum, client.cg); err != nil {
			return nil, err
		}
	}

	hcfg.activeConn = nil
	conn.currentClient = nil
	if t.ExitState() != TEExited {
		t.setState(TSWaiting)
	}
	t.sc = nil
	hcfg.lock.Unlock()
	conn.ownership.Unlock()
	client.regs.Ret = ret
	conn.obj.DecRef()
	t.k.metrics.ipcCall("returned")
	return switchTo(client), nil
}

// ExitRoutineReturn ends the exit routine run by t after a client died, and
// makes t available for calls again.
func (t *Thread) ExitRoutineReturn() (*SyscallControl, error) {
	hcfg := handlerConfigOf(t)
	if hcfg == nil {
		return nil, linuxerr.EINVAL
	}
	t.setState(TSWaiting)
	t.sc = nil
	hcfg.lock.Unlock()
	return ctrlSched, nil
}

// stopConnection makes conn INVALID, keeping its ownership lock held. It
// fails with EAGAIN if a call is in progress.
func stopConnection(conn *Connection) error {
	if conn.stopped.Load() {
		return nil
	}
	if !conn.ownership.TryLock() {
		return linuxerr.EAGAIN
	}
	conn.stopped.Store(true)
	conn.setState(ConnInvalid)
	return nil
}

// CloseConnection tears down the connection behind connCap. Only the client
// end may close a connection.
func (t *Thread) CloseConnection(connCap chcore.Cap) error {
	cobj, err := t.cg.lookup(connCap, TypeConnection)
	if err != nil {
		return err
	}
	defer cobj.DecRef()
	conn := cobj.Connection()
	if conn.clientBadge != t.cg.badge {
		return linuxerr.EINVAL
	}
	if err := stopConnection(conn); err != nil {
		return err
	}
	r := &reaper{}
	recycleConnection(r, t.cg, conn, false)
	t.vs.Unmap(conn.shm.clientAddr, conn.shm.size)
	t.cg.freeCap(conn.shm.capInClient)
	t.cg.freeCap(connCap)
	return nil
}
