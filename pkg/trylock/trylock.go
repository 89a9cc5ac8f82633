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

// Package trylock provides a kernel lock whose fast path is a non-blocking
// TryLock.
//
// Unlike sync.Mutex, a Lock may be released by a different goroutine than the
// one that acquired it. The IPC engine relies on this: a client thread
// acquires a connection's ownership lock in ipc_call and the server's handler
// thread releases it in ipc_return.
//
// The zero value is an unlocked Lock.
package trylock

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	unlocked int32 = 0
	locked   int32 = 1
)

// Lock is a test-and-set lock.
type Lock struct {
	v atomicbitops.Int32
}

// TryLock attempts to acquire the lock without blocking. It returns true if
// the lock was acquired.
func (l *Lock) TryLock() bool {
	if l.v.Load() != unlocked {
		return false
	}
	return l.v.CompareAndSwap(unlocked, locked)
}

// Lock acquires the lock, yielding the processor while it is held elsewhere.
func (l *Lock) Lock() {
	for !l.TryLock() {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Releasing an unlocked Lock is a no-op.
func (l *Lock) Unlock() {
	l.v.Store(unlocked)
}

// IsLocked returns true if the lock is currently held. The answer may be stale
// by the time the caller looks at it; it is meant for assertions.
func (l *Lock) IsLocked() bool {
	return l.v.Load() == locked
}
