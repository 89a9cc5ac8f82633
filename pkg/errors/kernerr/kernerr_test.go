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

package kernerr

import (
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func TestReturnRoundTrip(t *testing.T) {
	for _, e := range known {
		got := FromReturn(ToReturn(e))
		if got != e {
			t.Errorf("FromReturn(ToReturn(%v)) = %v, want %v", e, got, e)
		}
	}
}

func TestFromReturnNonError(t *testing.T) {
	for _, r := range []uintptr{0, 1, 4, 1 << 40, uintptr(1<<63 - 1)} {
		if err := FromReturn(r); err != nil {
			t.Errorf("FromReturn(%#x) = %v, want nil", r, err)
		}
	}
	// Large negative values are addresses, not errors.
	if err := FromReturn(uintptr(0xffff_0000_0000_0000)); err != nil {
		t.Errorf("FromReturn(kernel address) = %v, want nil", err)
	}
}

func TestIsRetry(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{EIPCRETRY, true},
		{linuxerr.EAGAIN, true},
		{ECAPBILITY, false},
		{linuxerr.EINVAL, false},
		{nil, false},
	} {
		if got := IsRetry(tc.err); got != tc.want {
			t.Errorf("IsRetry(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}

func TestToReturnForeignError(t *testing.T) {
	if got, want := FromReturn(ToReturn(errString("boom"))), error(linuxerr.EINVAL); got != want {
		t.Errorf("foreign error decoded as %v, want %v", got, want)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
