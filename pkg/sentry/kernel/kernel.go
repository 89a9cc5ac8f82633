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

// Package kernel implements the capability kernel: objects and capability
// tables, processes (cap groups) and threads, physical memory objects,
// connection-based IPC and process teardown.
//
// Every kernel thread runs on its own goroutine. A thread that is not
// scheduled is parked on a channel, and handing the CPU to another thread
// wakes that thread and parks the current one.
//
// Lock order:
//
//	recycler channel mutex
//	  CapGroup.table.mu (the recycled process's, then any other)
//	    IPC try-locks (handler lock, then connection ownership)
//	      Object.copiesMu
//	      Notification.mu
//	CapGroup.heapMu (by badge when two are held)
//	  VMSpace.mu
//	    pageindex.Index.mu
//	      pgalloc.PhysMem.mu
package kernel

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/pgalloc"
)

const (
	// textBase is the address of the first loaded routine.
	textBase hostarch.Addr = 0x40_0000

	// RootStackTop is the initial stack pointer of the root thread.
	RootStackTop hostarch.Addr = 0x7fff_0000_0000

	// RootStackSize is the size of the root thread's stack.
	RootStackSize = 64 << 10

	// RootPID is the process ID of the root process.
	RootPID = 1
)

// Kernel is a capability kernel instance.
type Kernel struct {
	// See InitKernelArgs for the meaning of these fields.
	opts InitKernelArgs

	mem      *pgalloc.PhysMem
	syscalls *SyscallTable
	sched    Scheduler
	metrics  *metrics
	registry *prometheus.Registry

	nextBadge    atomicbitops.Uint64
	nextThreadID atomicbitops.Uint64

	// textMu protects text and nextText.
	textMu   sync.RWMutex
	text     map[hostarch.Addr]Routine
	nextText hostarch.Addr

	// threadsMu protects threads.
	threadsMu sync.Mutex
	threads   map[*Thread]struct{}

	// threadsWG counts running thread goroutines.
	threadsWG sync.WaitGroup

	// root is the first process. It is set by CreateRootProcess.
	root *CapGroup

	// recycleMu protects recycler.
	recycleMu sync.Mutex
	recycler  *recycleChannel

	// faultMu protects faultPools.
	faultMu    sync.Mutex
	faultPools map[chcore.Badge]*faultPool

	// consoleMu serializes console output.
	consoleMu sync.Mutex
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// PhysMemBytes is the size of physical memory.
	PhysMemBytes uint64

	// InitialSlots and MaxSlots bound the size of each capability table.
	InitialSlots uint32
	MaxSlots     uint32

	// DefaultHeapLimit is the memory quota of a process created without
	// one. Zero means unlimited.
	DefaultHeapLimit uint64

	// TEE enables the cross-domain extensions.
	TEE bool

	// CheckDeviceRange rejects device PMOs that overlap physical memory.
	CheckDeviceRange bool

	// Console receives putstr output. Input, which may be nil, feeds getc.
	Console io.Writer
	Input   io.Reader

	// Registry receives the kernel metrics. If nil, the kernel creates its
	// own.
	Registry *prometheus.Registry
}

// DefaultInitKernelArgs returns arguments suitable for tests.
func DefaultInitKernelArgs() InitKernelArgs {
	return InitKernelArgs{
		PhysMemBytes:     64 << 20,
		InitialSlots:     64,
		MaxSlots:         4096,
		CheckDeviceRange: true,
		Console:          io.Discard,
	}
}

// Init initializes the Kernel with no processes. table is initialized and
// becomes the kernel's syscall table.
func (k *Kernel) Init(args InitKernelArgs, table *SyscallTable) error {
	if args.PhysMemBytes == 0 {
		return fmt.Errorf("PhysMemBytes is 0")
	}
	if args.InitialSlots < 2 {
		return fmt.Errorf("InitialSlots is %d, need at least 2", args.InitialSlots)
	}
	if args.MaxSlots < args.InitialSlots {
		return fmt.Errorf("MaxSlots %d is below InitialSlots %d", args.MaxSlots, args.InitialSlots)
	}
	if table == nil {
		return fmt.Errorf("syscall table is nil")
	}
	if args.Console == nil {
		args.Console = io.Discard
	}
	if args.Registry == nil {
		args.Registry = prometheus.NewRegistry()
	}

	mem, err := pgalloc.New(args.PhysMemBytes)
	if err != nil {
		return fmt.Errorf("allocating physical memory: %w", err)
	}
	k.opts = args
	k.mem = mem
	k.registry = args.Registry
	k.metrics = newMetrics(args.Registry, mem)
	table.Init()
	k.syscalls = table
	k.sched = goScheduler{}
	k.text = make(map[hostarch.Addr]Routine)
	k.nextText = textBase
	k.threads = make(map[*Thread]struct{})
	k.faultPools = make(map[chcore.Badge]*faultPool)
	log.Infof("Kernel initialized: %d MiB physical memory, TEE %t", args.PhysMemBytes>>20, args.TEE)
	return nil
}

// New returns an initialized Kernel.
func New(args InitKernelArgs, table *SyscallTable) (*Kernel, error) {
	k := &Kernel{}
	if err := k.Init(args, table); err != nil {
		return nil, err
	}
	return k, nil
}

// Mem returns the kernel's physical memory.
func (k *Kernel) Mem() *pgalloc.PhysMem { return k.mem }

// Gatherer returns the kernel's metrics registry.
func (k *Kernel) Gatherer() prometheus.Gatherer { return k.registry }

// SyscallTable returns the kernel's syscall table.
func (k *Kernel) SyscallTable() *SyscallTable { return k.syscalls }

// TEE returns true if the cross-domain extensions are enabled.
func (k *Kernel) TEE() bool { return k.opts.TEE }

// Root returns the root process, or nil before CreateRootProcess.
func (k *Kernel) Root() *CapGroup { return k.root }

// LoadRoutine places fn in kernel text and returns its entry address. A
// thread whose entry is that address runs fn.
func (k *Kernel) LoadRoutine(fn Routine) hostarch.Addr {
	k.textMu.Lock()
	defer k.textMu.Unlock()
	addr := k.nextText
	k.nextText += hostarch.PageSize
	k.text[addr] = fn
	return addr
}

func (k *Kernel) routineAt(addr hostarch.Addr) Routine {
	k.textMu.RLock()
	defer k.textMu.RUnlock()
	return k.text[addr]
}

func (k *Kernel) registerThread(t *Thread) {
	k.threadsMu.Lock()
	k.threads[t] = struct{}{}
	k.threadsMu.Unlock()
}

func (k *Kernel) unregisterThread(t *Thread) {
	k.threadsMu.Lock()
	delete(k.threads, t)
	k.threadsMu.Unlock()
}

// NumThreads returns the number of live threads.
func (k *Kernel) NumThreads() int {
	k.threadsMu.Lock()
	defer k.threadsMu.Unlock()
	return len(k.threads)
}

// CreateRootProcess creates the first process with one user thread running
// the routine at entry, and schedules the thread. The thread gets arg in its
// first argument register and a stack ending at RootStackTop.
func (k *Kernel) CreateRootProcess(entry hostarch.Addr, arg uintptr) (*CapGroup, *Thread, error) {
	if k.root != nil {
		return nil, nil, linuxerr.EEXIST
	}
	cg, err := k.newCapGroup(RootPID, k.opts.DefaultHeapLimit, [16]byte{})
	if err != nil {
		return nil, nil, err
	}
	stack, err := k.newPMOObject(cg, chcore.PMOAnonymous, RootStackSize, 0)
	if err != nil {
		cg.freeCap(chcore.CapGroupObjID)
		return nil, nil, err
	}
	if err := cg.vmspace.Map(RootStackTop-RootStackSize, RootStackSize, hostarch.ReadWrite, stack); err != nil {
		stack.DecRef()
		cg.freeCap(chcore.CapGroupObjID)
		return nil, nil, err
	}
	t, err := k.newThread(cg, entry, RootStackTop, arg, defaultPrio, chcore.ThreadUser)
	if err != nil {
		cg.freeCap(chcore.CapGroupObjID)
		return nil, nil, err
	}
	k.root = cg
	k.sched.Enqueue(t)
	log.Infof("Root process %v started at %#x", cg, entry)
	return cg, t, nil
}

// Shutdown destroys every thread and waits for their goroutines to finish.
// Physical memory is released only if they all finish before ctx is done.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.threadsMu.Lock()
	for t := range k.threads {
		t.kill()
	}
	k.threadsMu.Unlock()

	done := make(chan struct{})
	go func() {
		k.threadsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warningf("Kernel shutdown: %d threads still running", k.NumThreads())
		return ctx.Err()
	}
	return k.mem.Close()
}
