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

// Package kernerr contains the kernel's syscall error codes. It extends
// linuxerr with the errors that have no Linux equivalent, and converts errors
// to and from the negative errno values carried in return registers.
package kernerr

import (
	"gvisor.dev/gvisor/pkg/abi/linux/errno"
	"gvisor.dev/gvisor/pkg/errors"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// Errors without a linuxerr equivalent.
var (
	ECAPBILITY  = errors.New(errno.Errno(chcore.ErrnoCapability), "invalid capability")
	EIPCRETRY   = errors.New(errno.Errno(chcore.ErrnoIPCRetry), "ipc target busy, retry later")
	EBADSYSCALL = errors.New(errno.Errno(chcore.ErrnoBadSyscall), "bad syscall number")
	ENOMAPPING  = errors.New(errno.Errno(chcore.ErrnoNoMapping), "no mapping for address")
)

// known lists every error the kernel returns, so that user space can map a
// return value back to the same *errors.Error.
var known = []*errors.Error{
	ECAPBILITY,
	EIPCRETRY,
	EBADSYSCALL,
	ENOMAPPING,
	linuxerr.EPERM,
	linuxerr.ENOENT,
	linuxerr.ESRCH,
	linuxerr.EAGAIN,
	linuxerr.ENOMEM,
	linuxerr.EFAULT,
	linuxerr.EEXIST,
	linuxerr.EINVAL,
	linuxerr.ENOSYS,
}

var byErrno = func() map[errno.Errno]*errors.Error {
	m := make(map[errno.Errno]*errors.Error, len(known))
	for _, e := range known {
		m[e.Errno()] = e
	}
	return m
}()

// IsRetry returns true if err asks the caller to retry the operation later.
// Both the IPC and the recycle flavours count.
func IsRetry(err error) bool {
	return err == EIPCRETRY || linuxerr.Equals(linuxerr.EAGAIN, err)
}

// ToReturn encodes err as a syscall return value: the negated errno. Errors
// that are not *errors.Error are reported as EINVAL.
func ToReturn(err error) uintptr {
	e, ok := err.(*errors.Error)
	if !ok {
		if t, ok := linuxerr.TranslateError(err); ok {
			e = t
		} else {
			e = linuxerr.EINVAL
		}
	}
	return uintptr(-int64(e.Errno()))
}

// FromReturn decodes a syscall return value. It returns nil if r does not
// encode an error.
func FromReturn(r uintptr) error {
	v := int64(r)
	if v >= 0 || v < -chcore.MaxErrno {
		return nil
	}
	n := errno.Errno(-v)
	if e, ok := byErrno[n]; ok {
		return e
	}
	return errors.New(n, "unknown error")
}
