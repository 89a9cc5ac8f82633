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

// Cap is a capability: an index into the calling process's capability table.
type Cap int32

// Badge identifies a process. It is assigned by the kernel and is unique for
// the lifetime of the kernel.
type Badge uint64

// Well-known slots present in every capability table.
const (
	CapGroupObjID Cap = 0
	VMSpaceObjID  Cap = 1
)

// MaxCapTransfer bounds the number of capabilities carried by one IPC
// message. A message must carry strictly fewer.
const MaxCapTransfer = 16

// ThreadType is the role of a thread.
type ThreadType uint32

// Thread types.
const (
	// ThreadUser is an ordinary thread. It is runnable once created.
	ThreadUser ThreadType = iota
	// ThreadShadow is a passive IPC handler thread. It only runs on behalf
	// of a client.
	ThreadShadow
	// ThreadRegister is a passive thread that runs the connection
	// registration callback of a server.
	ThreadRegister
)

// String implements fmt.Stringer.
func (t ThreadType) String() string {
	switch t {
	case ThreadUser:
		return "user"
	case ThreadShadow:
		return "shadow"
	case ThreadRegister:
		return "register"
	default:
		return "unknown"
	}
}

// Kernel-specific errno values. They extend the Linux errno space.
const (
	ErrnoCapability = 200
	ErrnoIPCRetry   = 201
	ErrnoBadSyscall = 202
	ErrnoNoMapping  = 203
)

// MaxErrno bounds the errno values that a syscall may return. A return value
// r is an error iff -MaxErrno <= int64(r) < 0.
const MaxErrno = 4095
