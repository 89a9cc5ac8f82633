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

	"gvisor.dev/chcore/pkg/abi/chcore"
)

// faultPool is a user-level pager registered by a process. Its presence
// allows the process to create FILE objects.
type faultPool struct {
	// notif holds a reference on the pager's notification.
	notif  *Object
	buffer hostarch.Addr
}

// UserFaultRegister registers the caller's process as having a pager that
// is signaled through the notification behind notifCap, with fault
// messages at buffer.
func (t *Thread) UserFaultRegister(notifCap chcore.Cap, buffer hostarch.Addr) error {
	if !checkUserRange(buffer, 0) {
		return linuxerr.EINVAL
	}
	obj, err := t.cg.lookup(notifCap, TypeNotification)
	if err != nil {
		return err
	}
	k := t.k
	k.faultMu.Lock()
	defer k.faultMu.Unlock()
	if _, ok := k.faultPools[t.cg.badge]; ok {
		obj.DecRef()
		return linuxerr.EEXIST
	}
	k.faultPools[t.cg.badge] = &faultPool{notif: obj, buffer: buffer}
	log.Debugf("%v registered a fault pool", t)
	return nil
}

func (k *Kernel) hasFaultPool(b chcore.Badge) bool {
	k.faultMu.Lock()
	defer k.faultMu.Unlock()
	_, ok := k.faultPools[b]
	return ok
}

// dropFaultPool forgets the pager of the process with badge b.
func (k *Kernel) dropFaultPool(b chcore.Badge) {
	k.faultMu.Lock()
	fp, ok := k.faultPools[b]
	delete(k.faultPools, b)
	k.faultMu.Unlock()
	if ok {
		fp.notif.DecRef()
	}
}
