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

// Package libchcore is the user-space runtime of the capability kernel: typed
// syscall wrappers, an address-space allocator, and an IPC client and server
// framework.
//
// User programs are Go functions linked into kernel text with Link. Each
// runs on a kernel thread and reaches the kernel only through its Sys.
package libchcore

import (
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"gvisor.dev/chcore/pkg/abi/chcore"
	"gvisor.dev/chcore/pkg/sentry/kernel"
)

const (
	// MmapBase and MmapSize bound the addresses managed by an Env.
	MmapBase hostarch.Addr = 0x1000_0000_0000
	MmapSize               = 0x1000_0000_0000

	// DefaultPrio is the priority of threads created by the runtime.
	DefaultPrio = 32
)

// Runtime links user programs into one kernel and tracks the runtime state
// of the processes running them.
type Runtime struct {
	k *kernel.Kernel

	// mu protects envs.
	mu   sync.Mutex
	envs map[chcore.Badge]*Env
}

// NewRuntime returns a runtime for programs linked into k.
func NewRuntime(k *kernel.Kernel) *Runtime {
	return &Runtime{
		k:    k,
		envs: make(map[chcore.Badge]*Env),
	}
}

// Kernel returns the kernel programs are linked into.
func (r *Runtime) Kernel() *kernel.Kernel { return r.k }

// Bind returns the Sys of the thread running uc.
func (r *Runtime) Bind(uc *kernel.UserContext) *Sys {
	b := uc.Badge()
	r.mu.Lock()
	e, ok := r.envs[b]
	if !ok {
		e = newEnv(b)
		r.envs[b] = e
	}
	r.mu.Unlock()
	return e.bind(uc)
}

// Release drops the runtime state of the process with badge b. It is called
// once the process has been recycled.
func (r *Runtime) Release(b chcore.Badge) {
	r.mu.Lock()
	delete(r.envs, b)
	r.mu.Unlock()
}

// Procs returns the number of processes with runtime state.
func (r *Runtime) Procs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

// Main is the body of a program or thread.
type Main func(s *Sys)

// Program is user code loaded into kernel text.
type Program struct {
	Name  string
	Entry hostarch.Addr
}

// Link loads main into the kernel's text. It may be used as the entry of
// processes and of additional threads alike.
func (r *Runtime) Link(name string, main Main) Program {
	entry := r.k.LoadRoutine(func(uc *kernel.UserContext) {
		main(r.Bind(uc))
	})
	return Program{Name: name, Entry: entry}
}

// Env is the runtime state of one process, shared by its threads.
type Env struct {
	badge chcore.Badge
	va    *VAAllocator

	// mu protects threads.
	mu      sync.Mutex
	threads map[uint64]*Sys
}

func newEnv(b chcore.Badge) *Env {
	return &Env{
		badge:   b,
		va:      NewVAAllocator(MmapBase, MmapSize),
		threads: make(map[uint64]*Sys),
	}
}

// Badge returns the process's badge.
func (e *Env) Badge() chcore.Badge { return e.badge }

// VA returns the process's address-space allocator.
func (e *Env) VA() *VAAllocator { return e.va }

// bind returns the Sys of the thread running uc. A thread keeps its Sys, and
// its scratch page, across restarts.
func (e *Env) bind(uc *kernel.UserContext) *Sys {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.threads[uc.ThreadID()]
	if !ok {
		s = &Sys{env: e}
		e.threads[uc.ThreadID()] = s
	}
	s.uc = uc
	return s
}
