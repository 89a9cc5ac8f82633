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
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/errors/kernerr"
)

const (
	// DefaultShmSize is the shared memory of a connection made with size 0.
	DefaultShmSize = 2 * hostarch.PageSize

	// MaxShmSize is the largest shared memory a server accepts.
	MaxShmSize = 16 * hostarch.PageSize
)

// retry runs op until the kernel stops asking for a retry, yielding between
// attempts.
func (s *Sys) retry(op func() error) error {
	for {
		err := op()
		if !linuxerr.Equals(kernerr.EIPCRETRY, err) {
			return err
		}
		s.Yield()
	}
}

// Conn is the client end of a connection. It belongs to the thread that
// made it.
type Conn struct {
	s    *Sys
	cap  chcore.Cap
	addr hostarch.Addr
	size uint64
}

// Reply is a server's answer to a call.
type Reply struct {
	Ret uintptr
	Message
}

// Connect connects to the server thread behind server over size bytes of
// shared memory.
func (s *Sys) Connect(server chcore.Cap, size uint64) (*Conn, error) {
	if size == 0 {
		size = DefaultShmSize
	}
	r, ok := hostarch.Addr(size).RoundUp()
	if !ok || uint64(r) > MaxShmSize || size < msgDataOffset {
		return nil, linuxerr.EINVAL
	}
	size = uint64(r)

	shm, err := s.CreatePMO(size, chcore.PMOShm)
	if err != nil {
		return nil, err
	}
	addr, err := s.env.va.Alloc(size)
	if err != nil {
		s.RevokeCap(shm, false)
		return nil, err
	}
	cfg := chcore.ShmConfig{ShmCap: shm, ShmAddr: uint64(addr)}
	var conn chcore.Cap
	err = s.retry(func() error {
		var err error
		conn, err = s.RegisterClient(server, cfg)
		return err
	})
	if err != nil {
		s.env.va.Free(addr, size)
		s.RevokeCap(shm, false)
		return nil, err
	}
	return &Conn{s: s, cap: conn, addr: addr, size: size}, nil
}

// Cap returns the connection capability.
func (c *Conn) Cap() chcore.Cap { return c.cap }

// MaxData returns the largest payload of a call.
func (c *Conn) MaxData() int { return MaxData(c.size) }

// Call sends m and waits for the reply. A reply value encoding an error is
// returned as that error.
func (c *Conn) Call(m Message) (Reply, error) {
	if err := c.s.writeMessage(c.addr, c.size, m); err != nil {
		return Reply{}, err
	}
	var ret uintptr
	err := c.s.retry(func() error {
		var err error
		ret, err = c.s.IPCCall(c.cap, c.addr, len(m.Caps))
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	rm, err := c.s.readMessage(c.addr, c.size, c.addr)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Ret: ret, Message: rm}, nil
}

// Close tears the connection down.
func (c *Conn) Close() error {
	if err := c.s.CloseConnection(c.cap); err != nil {
		return err
	}
	c.s.env.va.Free(c.addr, c.size)
	return nil
}

// Request is a call being served.
type Request struct {
	Message

	// Sys is the handler thread's interface to the kernel.
	Sys *Sys

	// Badge identifies the calling process.
	Badge chcore.Badge

	// ClientPID is the caller's pid. It is only set by kernels built for
	// TEE.
	ClientPID uint64

	reply Message
	ret   uintptr
}

// Reply sets the data and capabilities returned to the caller.
func (r *Request) Reply(data []byte, caps ...chcore.Cap) {
	r.reply = Message{Data: data, Caps: caps}
}

// SetRet sets the value the caller's Call returns in Reply.Ret.
func (r *Request) SetRet(ret uintptr) { r.ret = ret }

// Handler serves one call. A non-nil error is returned to the caller
// instead of the reply.
type Handler func(r *Request) error

// ServerOpts configures a server.
type ServerOpts struct {
	// OnDisconnect runs in a handler thread once a client has gone away.
	// exited is false if the client closed the connection.
	OnDisconnect func(s *Sys, badge chcore.Badge, exited bool)
}

// Server accepts connections and serves them with one handler thread per
// connection.
type Server struct {
	name    string
	handler Handler
	opts    ServerOpts

	register hostarch.Addr
	handle   hostarch.Addr
	exit     hostarch.Addr
}

// NewServer links the routines of a server calling h into the runtime's
// kernel.
func (rt *Runtime) NewServer(name string, h Handler, opts ServerOpts) *Server {
	srv := &Server{name: name, handler: h, opts: opts}
	srv.register = rt.Link(name+"-register", srv.onRegister).Entry
	srv.handle = rt.Link(name+"-handler", srv.onCall).Entry
	srv.exit = rt.Link(name+"-exit", srv.onExit).Entry
	return srv
}

// Serve makes the calling thread a server. Clients connect to it with a
// capability to the thread.
func (srv *Server) Serve(s *Sys) error {
	reg, err := s.CreateThread(chcore.CapGroupObjID, srv.register, 0, chcore.ThreadRegister)
	if err != nil {
		return err
	}
	// The exit routine doubles as the destructor; the kernel only passes
	// it to tell client exit apart from close.
	if err := s.RegisterServer(srv.handle, reg, srv.exit); err != nil {
		s.RevokeCap(reg, false)
		return err
	}
	return nil
}

func (srv *Server) log(s *Sys) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"server": srv.name,
		"badge":  s.env.badge,
	})
}

// onRegister runs on the register thread for each new client.
func (srv *Server) onRegister(s *Sys) {
	entry := hostarch.Addr(s.Arg(0))
	handler, err := s.CreateThread(chcore.CapGroupObjID, entry, 0, chcore.ThreadShadow)
	if err != nil {
		srv.log(s).WithError(err).Error("Creating handler thread")
		return
	}
	addr, err := s.env.va.Alloc(MaxShmSize)
	if err != nil {
		srv.log(s).WithError(err).Error("Reserving shared memory window")
		s.RevokeCap(handler, false)
		return
	}
	err = s.RegisterCBReturn(handler, srv.exit, addr)
	srv.log(s).WithError(err).Error("Completing registration")
	s.env.va.Free(addr, MaxShmSize)
	s.RevokeCap(handler, false)
}

// onCall runs on a handler thread for each call.
func (srv *Server) onCall(s *Sys) {
	msg := hostarch.Addr(s.Arg(0))
	req := &Request{
		Sys:       s,
		Badge:     chcore.Badge(s.Arg(1)),
		ClientPID: uint64(s.Arg(2)),
	}
	// The message is at the start of the shared memory, which the window
	// reserved at registration bounds.
	m, err := s.readMessage(msg, MaxShmSize, msg)
	if err == nil {
		req.Message = m
		err = srv.handler(req)
	}
	if err == nil {
		if err = s.writeMessage(msg, MaxShmSize, req.reply); err == nil {
			err = s.IPCReturn(req.ret, len(req.reply.Caps))
		}
	}
	s.IPCReturn(kernerr.ToReturn(err), 0)
	srv.log(s).WithError(err).Error("Replying to call")
}

// onExit runs on a handler thread once its client has gone.
func (srv *Server) onExit(s *Sys) {
	exited := s.Arg(0) != 0
	badge := chcore.Badge(s.Arg(1))
	addr := hostarch.Addr(s.Arg(2))
	s.env.va.Free(addr, MaxShmSize)
	if srv.opts.OnDisconnect != nil {
		srv.opts.OnDisconnect(s, badge, exited)
	}
	srv.log(s).WithField("client", badge).Debug("Client disconnected")
	s.ExitRoutineReturn()
}
