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

// Package procmgr is the root process's process manager. It starts
// programs in new processes and, as the kernel's registered recycler,
// destroys them once they exit.
package procmgr

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/libchcore"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

// Options configures a Manager.
type Options struct {
	// RingCapacity is the number of exit messages the recycle ring holds.
	RingCapacity uint64

	// HeapLimit is the memory quota of spawned processes. Zero leaves the
	// kernel default.
	HeapLimit uint64

	// RecycleTimeout bounds how long a busy process is retried before the
	// manager gives up on it.
	RecycleTimeout time.Duration

	// OnExit, if set, is called after each process is recycled.
	OnExit func(Exit)
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		RingCapacity:   64,
		RecycleTimeout: 5 * time.Second,
	}
}

// Exit describes a recycled process.
type Exit struct {
	Name  string
	PID   uint64
	Badge chcore.Badge
	Code  int32
}

// State is the lifecycle stage of a process.
type State int

// Process states.
const (
	StateRunning State = iota
	StateRecycling
	StateZombie
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRecycling:
		return "recycling"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Proc is a process started by the manager.
type Proc struct {
	Name  string
	PID   uint64
	Badge chcore.Badge

	// Grants are the slots the granted capabilities got in the process.
	Grants []chcore.Cap

	cap  chcore.Cap
	done chan struct{}

	// mu protects state and exit.
	mu    sync.Mutex
	state State
	exit  Exit
}

// State returns the process's lifecycle stage.
func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Done is closed once the process has been recycled.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Exit returns the process's exit report. It is only meaningful once Done
// is closed.
func (p *Proc) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Main is the body of a program. Its result is the process's exit code.
type Main func(s *libchcore.Sys) int32

// Manager starts and recycles processes. Its methods taking a Sys must be
// called from threads of the root process.
type Manager struct {
	rt   *libchcore.Runtime
	opts Options

	// ready is closed once the manager is the kernel's recycler.
	ready chan struct{}

	// mu protects the fields below.
	mu      sync.Mutex
	procs   map[chcore.Badge]*Proc
	nextPID uint64
	zombies []*Proc
	started int
	reaped  int
}

// New returns a manager for processes of rt's kernel.
func New(rt *libchcore.Runtime, opts Options) *Manager {
	def := DefaultOptions()
	if opts.RingCapacity == 0 {
		opts.RingCapacity = def.RingCapacity
	}
	if opts.RecycleTimeout == 0 {
		opts.RecycleTimeout = def.RecycleTimeout
	}
	return &Manager{
		rt:      rt,
		opts:    opts,
		ready:   make(chan struct{}),
		procs:   make(map[chcore.Badge]*Proc),
		nextPID: kernel.RootPID + 1,
	}
}

// Link loads main as a program. The process exits with main's result when
// it returns.
func (m *Manager) Link(name string, main Main) libchcore.Program {
	return m.rt.Link(name, func(s *libchcore.Sys) {
		s.ExitGroup(main(s))
	})
}

// Ready is closed once Run has registered the manager as recycler.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Stats returns the number of processes started and recycled.
func (m *Manager) Stats() (started, reaped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.reaped
}

// Lookup returns the process with badge b.
func (m *Manager) Lookup(b chcore.Badge) (*Proc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[b]
	return p, ok
}

// Spawn starts p in a new process. The process gets copies of grants, and
// its main thread gets the slot of the first grant in its first argument
// register. Further grants follow in consecutive slots.
func (m *Manager) Spawn(s *libchcore.Sys, p libchcore.Program, grants ...chcore.Cap) (*Proc, error) {
	m.mu.Lock()
	pid := m.nextPID
	m.nextPID++
	m.mu.Unlock()

	cg, badge, err := s.CreateCapGroup(pid, m.opts.HeapLimit, [16]byte{})
	if err != nil {
		return nil, fmt.Errorf("creating process for %q: %w", p.Name, err)
	}
	proc := &Proc{
		Name:  p.Name,
		PID:   pid,
		Badge: badge,
		cap:   cg,
		done:  make(chan struct{}),
	}
	// The process must be known before its first thread can exit.
	m.mu.Lock()
	m.procs[badge] = proc
	m.mu.Unlock()

	fail := func(err error) (*Proc, error) {
		m.mu.Lock()
		delete(m.procs, badge)
		m.mu.Unlock()
		if rerr := s.CapGroupRecycle(cg); rerr != nil {
			m.log(proc).WithError(rerr).Warning("Discarding unstarted process")
		}
		m.rt.Release(badge)
		return nil, err
	}

	var arg uintptr
	if len(grants) > 0 {
		slots, err := s.TransferCaps(cg, grants...)
		if err != nil {
			return fail(fmt.Errorf("granting capabilities to %q: %w", p.Name, err))
		}
		proc.Grants = slots
		arg = uintptr(slots[0])
	}
	if _, err := s.CreateThread(cg, p.Entry, arg, chcore.ThreadUser); err != nil {
		return fail(fmt.Errorf("starting %q: %w", p.Name, err))
	}

	m.mu.Lock()
	m.started++
	m.mu.Unlock()
	m.log(proc).Info("Process started")
	return proc, nil
}

// Kill destroys a running process. Its threads must be blocked in the
// kernel; one still running makes Kill retry until RecycleTimeout, after
// which the process is left a zombie.
func (m *Manager) Kill(s *libchcore.Sys, p *Proc) error {
	if p.State() != StateRunning {
		return linuxerr.ESRCH
	}
	return m.recycle(s, p, -1)
}

// Run makes the calling thread the kernel's recycler and recycles exited
// processes until the thread is destroyed.
func (m *Manager) Run(s *libchcore.Sys) error {
	r, err := newRing(s, m.opts.RingCapacity)
	if err != nil {
		return fmt.Errorf("mapping recycle ring: %w", err)
	}
	notif, err := s.CreateNotifc()
	if err != nil {
		return fmt.Errorf("creating recycle notification: %w", err)
	}
	if err := s.RegisterRecycle(notif, r.addr); err != nil {
		return fmt.Errorf("registering recycler: %w", err)
	}
	close(m.ready)
	logrus.WithField("capacity", m.opts.RingCapacity).Info("Process manager ready")

	for {
		if err := s.Wait(notif, true); err != nil {
			return fmt.Errorf("waiting for exits: %w", err)
		}
		m.retryZombies(s)
		for {
			msgs, err := r.drain(s)
			if err != nil {
				return fmt.Errorf("reading recycle ring: %w", err)
			}
			if len(msgs) == 0 {
				break
			}
			for _, msg := range msgs {
				m.handleExit(s, msg)
			}
		}
	}
}

func (m *Manager) handleExit(s *libchcore.Sys, msg chcore.RecycleMsg) {
	p, ok := m.Lookup(msg.Badge)
	if !ok {
		logrus.WithField("badge", msg.Badge).Warning("Exit of unknown process")
		return
	}
	if p.State() != StateRunning {
		// Already recycled by Kill.
		return
	}
	m.recycle(s, p, msg.ExitCode)
}

// recycle destroys p, retrying while it is busy.
func (m *Manager) recycle(s *libchcore.Sys, p *Proc, code int32) error {
	p.setState(StateRecycling)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = m.opts.RecycleTimeout
	attempts := 0
	op := func() error {
		attempts++
		err := s.CapGroupRecycle(p.cap)
		if linuxerr.Equals(linuxerr.EAGAIN, err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		m.log(p).WithError(err).WithField("attempts", attempts).Error("Recycling process")
		p.mu.Lock()
		p.state = StateZombie
		p.exit = Exit{Name: p.Name, PID: p.PID, Badge: p.Badge, Code: code}
		p.mu.Unlock()
		m.mu.Lock()
		m.zombies = append(m.zombies, p)
		m.mu.Unlock()
		return err
	}
	m.finish(p, code)
	m.log(p).WithFields(logrus.Fields{"code": code, "attempts": attempts}).Info("Process recycled")
	return nil
}

// retryZombies makes one more attempt at each process that was still busy
// when last recycled.
func (m *Manager) retryZombies(s *libchcore.Sys) {
	m.mu.Lock()
	zombies := m.zombies
	m.zombies = nil
	m.mu.Unlock()
	for _, p := range zombies {
		if err := s.CapGroupRecycle(p.cap); err != nil {
			m.mu.Lock()
			m.zombies = append(m.zombies, p)
			m.mu.Unlock()
			continue
		}
		m.finish(p, p.Exit().Code)
	}
}

func (m *Manager) finish(p *Proc, code int32) {
	exit := Exit{Name: p.Name, PID: p.PID, Badge: p.Badge, Code: code}
	p.mu.Lock()
	p.state = StateDead
	p.exit = exit
	p.mu.Unlock()

	m.mu.Lock()
	delete(m.procs, p.Badge)
	m.reaped++
	m.mu.Unlock()
	m.rt.Release(p.Badge)
	close(p.done)
	if m.opts.OnExit != nil {
		m.opts.OnExit(exit)
	}
}

func (m *Manager) log(p *Proc) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"name":  p.Name,
		"pid":   p.PID,
		"badge": p.Badge,
	})
}
